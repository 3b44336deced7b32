package db

import (
	"fmt"

	"github.com/zulandar/groupchat/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of GORM models owned by the relay.
func AllModels() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.BotSession{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
