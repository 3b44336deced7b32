package server

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/groupchat/internal/models"
	"github.com/zulandar/groupchat/internal/relay"
	"gorm.io/gorm"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth(opts.DB))

	groups := router.Group("/api/groups/:id")
	groups.POST("/bot", handleBotTrigger(opts))
	groups.GET("/messages", handleMessages(opts.DB))
	groups.GET("/events", handleSSE(opts))
}

// groupID parses the :id path parameter. It writes a 400 and reports false
// when the id is not a positive integer.
func groupID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return 0, false
	}
	return uint(id), true
}

func handleHealth(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// botTrigger is the request body for POST /api/groups/:id/bot.
type botTrigger struct {
	Content  string `json:"content"`
	UserName string `json:"user_name"`
}

func handleBotTrigger(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupID(c)
		if !ok {
			return
		}
		var body botTrigger
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
			return
		}
		if strings.TrimSpace(body.Content) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}

		msg := relay.IncomingMessage{GroupID: id, Content: body.Content, UserName: body.UserName}
		if err := opts.Queue.Enqueue(c.Request.Context(), opts.InboundTopic, msg); err != nil {
			opts.Logger.Error("enqueue bot trigger", "group_id", id, "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not queue message"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	}
}

// handleMessages returns the group's most recent messages, oldest first.
func handleMessages(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupID(c)
		if !ok {
			return
		}
		limit := defaultMessageLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = min(n, maxMessageLimit)
		}

		var msgs []models.Message
		if err := db.WithContext(c.Request.Context()).
			Preload("Author").
			Where("group_id = ?", id).
			Order("created_at DESC, id DESC").
			Limit(limit).
			Find(&msgs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		slices.Reverse(msgs)
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}
