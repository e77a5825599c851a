package repository

import (
	"context"

	"github.com/ManuelReschke/BotFox/app/models"
	"gorm.io/gorm"
)

type botRepository struct {
	db *gorm.DB
}

// NewBotRepository creates a new bot repository instance
func NewBotRepository(db *gorm.DB) BotRepository {
	return &botRepository{db: db}
}

func (r *botRepository) Create(ctx context.Context, bot *models.Bot) error {
	return r.db.WithContext(ctx).Create(bot).Error
}

func (r *botRepository) GetByID(ctx context.Context, id uint) (*models.Bot, error) {
	var bot models.Bot
	if err := r.db.WithContext(ctx).First(&bot, id).Error; err != nil {
		return nil, err
	}
	return &bot, nil
}
