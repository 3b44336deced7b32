package models

import "time"

// Account is a chat participant. The relay bot is an Account with IsAI set.
type Account struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Image     string    `gorm:"size:512" json:"image,omitempty"`
	IsAI      bool      `gorm:"default:false" json:"is_ai"`
	CreatedAt time.Time `json:"-"`
}
