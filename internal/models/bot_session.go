package models

import "time"

// BotSession pins the remote AI session identifier used for a group's
// conversation. At most one row exists per group; it is replaced only after
// being deleted (stale session recovery or sweeping).
type BotSession struct {
	GroupID   uint      `gorm:"primaryKey;autoIncrement:false"`
	SessionID string    `gorm:"size:128;not null"`
	CreatedAt time.Time `gorm:"index"`
}
