package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/zulandar/groupchat/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityProvider resolves the bot account, creating it on first use.
// A successful lookup is memoized for the lifetime of the provider.
type IdentityProvider struct {
	db      *gorm.DB
	profile models.Account

	mu  sync.Mutex
	bot *models.Account
}

// IdentityProviderOpts holds parameters for creating an IdentityProvider.
type IdentityProviderOpts struct {
	DB    *gorm.DB
	ID    string // defaults to "shark"
	Name  string // defaults to "Shark AI"
	Image string
}

// NewIdentityProvider creates an IdentityProvider.
func NewIdentityProvider(opts IdentityProviderOpts) (*IdentityProvider, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: identity: db is required")
	}
	id := opts.ID
	if id == "" {
		id = "shark"
	}
	name := opts.Name
	if name == "" {
		name = "Shark AI"
	}
	return &IdentityProvider{
		db:      opts.DB,
		profile: models.Account{ID: id, Name: name, Image: opts.Image, IsAI: true},
	}, nil
}

// Bot returns the bot account. Concurrent first callers wait on the same
// lookup; a failed lookup is retried on the next call.
func (p *IdentityProvider) Bot(ctx context.Context) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bot != nil {
		return p.bot, nil
	}

	row := p.profile
	if err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, fmt.Errorf("relay: create bot account: %w", err)
	}

	var bot models.Account
	if err := p.db.WithContext(ctx).Where("id = ?", p.profile.ID).First(&bot).Error; err != nil {
		return nil, fmt.Errorf("relay: load bot account: %w", err)
	}
	p.bot = &bot
	return p.bot, nil
}
