package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
const heartbeatInterval = 15 * time.Second

// handleSSE streams a group's channel events. Each event is named by its
// type ("typing" or "message_sent") and carries the event JSON as data.
func handleSSE(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := groupID(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		events, err := opts.Events.Subscribe(ctx, id)
		if err != nil {
			opts.Logger.Error("subscribe to group", "group_id", id, "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not subscribe"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]any{"group_id": id})
		c.Writer.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case evt, ok := <-events:
				if !ok {
					return
				}
				writeSSE(c.Writer, evt.Type, evt)
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
