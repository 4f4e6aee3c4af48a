package models

import "time"

// APIKey is a client credential. Only a SHA-256 digest plus a short
// display prefix are stored; the full sk- key is shown once at creation.
type APIKey struct {
	ID     string `gorm:"primaryKey" json:"id"`
	Name   string `json:"name"`
	Digest string `gorm:"uniqueIndex" json:"-"`

	// Prefix is the first seven characters of the issued key, kept for
	// display in listings ("sk-a1b2...").
	Prefix string `json:"prefix"`

	IsActive      bool       `gorm:"default:true" json:"is_active"`
	TotalRequests int64      `json:"total_requests"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
