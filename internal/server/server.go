// Package server exposes the group chat relay over HTTP: inbound bot
// triggers, recent messages, and a server-sent event stream per group.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/groupchat/internal/pubsub"
	"github.com/zulandar/groupchat/internal/relay"
	"gorm.io/gorm"
)

// Queue accepts inbound bot triggers. pubsub.Broker implements it.
type Queue interface {
	Enqueue(ctx context.Context, topic string, payload any) error
}

// Events streams a group's channel events. pubsub.Broker implements it.
type Events interface {
	Subscribe(ctx context.Context, groupID uint) (<-chan pubsub.Event, error)
}

// StartOpts holds configuration for the HTTP server.
type StartOpts struct {
	DB           *gorm.DB
	Queue        Queue
	Events       Events
	InboundTopic string // defaults to relay.DefaultInboundTopic
	Port         int
	Out          io.Writer
	Logger       *slog.Logger
}

func (o *StartOpts) validate() error {
	if o.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if o.Queue == nil {
		return fmt.Errorf("server: queue is required")
	}
	if o.Events == nil {
		return fmt.Errorf("server: events is required")
	}
	if o.InboundTopic == "" {
		o.InboundTopic = relay.DefaultInboundTopic
	}
	if o.Port <= 0 {
		o.Port = 8080
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if err := opts.validate(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           newRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newRouter builds the gin engine. opts must already be validated.
func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
