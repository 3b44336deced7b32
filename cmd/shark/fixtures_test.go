package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeInworld serves the token endpoint and a websocket stream that
// answers every text frame with reply.
func fakeInworld(t *testing.T, reply string) (authURL, streamURL string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"token":"tok","type":"Bearer","expirationTime":"2030-01-01T00:00:00Z","sessionId":"sess-1"}`)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame["type"] != "text" {
				continue
			}
			conn.WriteJSON(map[string]any{"type": "TEXT", "text": map[string]any{"text": reply, "final": true}})
			conn.WriteJSON(map[string]any{"type": "CONTROL", "control": map[string]any{"type": "INTERACTION_END"}})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + "/token", "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
}

// writeTestConfig writes a config using a temp SQLite file and returns
// its path and the database path.
func writeTestConfig(t *testing.T, authURL, streamURL string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "groupchat.db")
	if authURL == "" {
		authURL = "http://127.0.0.1:1/token"
	}
	if streamURL == "" {
		streamURL = "ws://127.0.0.1:1/stream"
	}
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
inworld:
  api_key: key
  api_secret: secret
  scene: workspaces/test/scenes/shark
  auth_url: %s
  stream_url: %s
  disconnect_timeout_sec: 2
logging:
  level: error
`, dbPath, authURL, streamURL)
	path := filepath.Join(dir, "groupchat.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dbPath
}
