package models

import "time"

// Message is a chat message posted to a group.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AuthorID  string    `gorm:"size:64;not null" json:"author_id"`
	GroupID   uint      `gorm:"not null;index:idx_group_created" json:"group_id"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `gorm:"index:idx_group_created" json:"created_at"`

	Author Account `gorm:"foreignKey:AuthorID" json:"author"`
}
