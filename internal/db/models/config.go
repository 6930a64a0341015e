package models

import "time"

// Config stores application settings such as the API key and the persisted
// scheduling section.
type Config struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
