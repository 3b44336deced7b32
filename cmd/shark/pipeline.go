package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zulandar/groupchat/internal/config"
	"github.com/zulandar/groupchat/internal/db"
	"github.com/zulandar/groupchat/internal/pubsub"
	"github.com/zulandar/groupchat/internal/relay"
	"github.com/zulandar/groupchat/internal/relay/inworld"
	"gorm.io/gorm"
)

// pipeline is the wired set of relay components shared by serve and
// relay send.
type pipeline struct {
	db     *gorm.DB
	broker *pubsub.Broker
	tokens *relay.TokenCache
	relay  *relay.Relay
}

// openStore connects to the configured database and migrates it.
func openStore(cfg *config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}

// newTokenCache wires the token authority into a TokenCache.
func newTokenCache(cfg *config.Config, gormDB *gorm.DB, logger *slog.Logger) (*relay.TokenCache, error) {
	authority, err := inworld.NewAuthority(inworld.AuthorityOpts{
		URL:       cfg.Inworld.AuthURL,
		APIKey:    cfg.Inworld.APIKey,
		APISecret: cfg.Inworld.APISecret,
	})
	if err != nil {
		return nil, err
	}
	return relay.NewTokenCache(relay.TokenCacheOpts{DB: gormDB, Issuer: authority, Logger: logger})
}

// buildPipeline constructs every relay component from cfg.
func buildPipeline(cfg *config.Config, logger *slog.Logger) (*pipeline, error) {
	gormDB, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	broker, err := pubsub.NewBroker(pubsub.BrokerOpts{
		Driver:  cfg.PubSub.Driver,
		AMQPURL: cfg.PubSub.AMQPURL,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := newTokenCache(cfg, gormDB, logger)
	if err != nil {
		broker.Close()
		return nil, err
	}
	client, err := inworld.NewClient(inworld.ClientOpts{
		StreamURL:         cfg.Inworld.StreamURL,
		Scene:             cfg.Inworld.Scene,
		Tokens:            tokens,
		DisconnectTimeout: time.Duration(cfg.Inworld.DisconnectTimeoutSec) * time.Second,
		Logger:            logger,
	})
	if err != nil {
		broker.Close()
		return nil, err
	}

	identity, err := relay.NewIdentityProvider(relay.IdentityProviderOpts{
		DB:    gormDB,
		ID:    cfg.Bot.ID,
		Name:  cfg.Bot.Name,
		Image: cfg.Bot.Image,
	})
	if err != nil {
		broker.Close()
		return nil, err
	}
	publisher, err := relay.NewPublisher(relay.PublisherOpts{DB: gormDB, Identity: identity, Broadcaster: broker})
	if err != nil {
		broker.Close()
		return nil, err
	}
	r, err := relay.New(relay.Opts{
		Identity:    identity,
		Publisher:   publisher,
		Streamer:    client,
		Sessions:    tokens,
		MaxAttempts: cfg.Relay.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("build relay: %w", err)
	}

	return &pipeline{db: gormDB, broker: broker, tokens: tokens, relay: r}, nil
}

func (p *pipeline) Close() error {
	return p.broker.Close()
}
