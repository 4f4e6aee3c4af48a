package models

import "time"

// Account is an enrolled OAuth identity usable as a request source.
// Email is the stable key. Tokens are stored encrypted at rest; the
// db package transparently seals and opens them.
type Account struct {
	Email        string `gorm:"primaryKey"`
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// ProjectID is the upstream Code-Assist project, passed through verbatim.
	ProjectID string

	IsActive    bool `gorm:"default:true;index"`
	LastUsedAt  time.Time
	ExhaustedAt *time.Time

	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TokensUsed         int64

	// PaidTier is informational only; rotation does not consult it.
	PaidTier bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccountPatch carries the fields UpdateAccount may change. Nil means
// leave untouched.
type AccountPatch struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
	IsActive     *bool
	ExhaustedAt  **time.Time
	ProjectID    *string
	PaidTier     *bool
}

// StatsDelta is an atomic counter increment for one account.
type StatsDelta struct {
	Successful int64
	Failed     int64
	Tokens     int64
}
