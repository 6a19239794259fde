package users

import (
	"strings"
	"time"
)

// Identity records an inspector who has signed in on this device.
type Identity struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	Email       string    `gorm:"column:user_email;size:320"`
	SignedIn    bool      `gorm:"column:signed_in;not null;index"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing inspector identities.
func (Identity) TableName() string {
	return "inspector_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
