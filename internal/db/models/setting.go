package models

import "time"

// Setting stores single-row operational values such as the admin
// password hash, keyed by name.
type Setting struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
