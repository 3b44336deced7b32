package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zulandar/groupchat/internal/models"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionToken is a short-lived access token plus the remote session id it
// should be used with.
type SessionToken struct {
	*oauth2.Token
	SessionID string
}

// Issuer mints session tokens from the remote token authority.
type Issuer interface {
	// Issue returns a fresh token. The session id in the result is a
	// suggestion that is only used when the group has no stored session.
	Issue(ctx context.Context) (*SessionToken, error)
}

// TokenCache mints a token on every call and pins each group to one remote
// session id, stored as a BotSession row.
type TokenCache struct {
	db     *gorm.DB
	issuer Issuer
	logger *slog.Logger
}

// TokenCacheOpts holds parameters for creating a TokenCache.
type TokenCacheOpts struct {
	DB     *gorm.DB
	Issuer Issuer
	Logger *slog.Logger
}

// NewTokenCache creates a TokenCache.
func NewTokenCache(opts TokenCacheOpts) (*TokenCache, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: token cache: db is required")
	}
	if opts.Issuer == nil {
		return nil, fmt.Errorf("relay: token cache: issuer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenCache{db: opts.DB, issuer: opts.Issuer, logger: logger}, nil
}

// Token mints a fresh token and returns it with the group's stored session
// id. The first call for a group stores the issued session id; later calls
// keep using it until Invalidate removes the row.
func (c *TokenCache) Token(ctx context.Context, groupID uint) (*SessionToken, error) {
	tok, err := c.issuer.Issue(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: token for group %d: %w", groupID, err)
	}

	row := models.BotSession{GroupID: groupID, SessionID: tok.SessionID}
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, fmt.Errorf("relay: store session for group %d: %w", groupID, err)
	}

	var stored models.BotSession
	if err := c.db.WithContext(ctx).Where("group_id = ?", groupID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("relay: load session for group %d: %w", groupID, err)
	}
	if stored.SessionID != tok.SessionID {
		c.logger.Debug("reusing stored session", "group_id", groupID, "session_id", stored.SessionID)
	}

	return &SessionToken{Token: tok.Token, SessionID: stored.SessionID}, nil
}

// Invalidate deletes the group's stored session so the next Token call
// adopts a new one. Deleting a missing row is not an error.
func (c *TokenCache) Invalidate(ctx context.Context, groupID uint) error {
	if err := c.db.WithContext(ctx).Where("group_id = ?", groupID).Delete(&models.BotSession{}).Error; err != nil {
		return fmt.Errorf("relay: invalidate session for group %d: %w", groupID, err)
	}
	return nil
}
