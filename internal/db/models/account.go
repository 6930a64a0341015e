package models

import "time"

// Account stores an upstream OAuth identity, its tokens and the scheduler
// state that must survive restarts.
type Account struct {
	ID           string `gorm:"primaryKey"` // UUID
	Email        string `gorm:"uniqueIndex:idx_email_provider"`
	Provider     string `gorm:"uniqueIndex:idx_email_provider;default:'google'"`
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	ExpiresAt    time.Time
	ProjectID    string
	Metadata     string // JSON blob for provider-specific extras

	Quota           string // JSON QuotaData, empty when never reported
	ProtectedModels string // JSON array of model names

	Disabled       bool `gorm:"default:false;index"`
	DisabledReason string
	DisabledAt     *time.Time
	ProxyDisabled  bool `gorm:"default:false"`

	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
