package inworld

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/groupchat/internal/relay"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultDisconnectTimeout closes a session after this long without a packet.
const DefaultDisconnectTimeout = 5 * time.Second

// Client opens streaming sessions over a websocket. It implements
// relay.Streamer.
type Client struct {
	streamURL string
	scene     string
	tokens    relay.TokenSource
	timeout   time.Duration
	dialer    *websocket.Dialer
	logger    *slog.Logger
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	StreamURL         string
	Scene             string
	Tokens            relay.TokenSource
	DisconnectTimeout time.Duration // defaults to DefaultDisconnectTimeout
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.StreamURL == "" {
		return nil, fmt.Errorf("inworld: stream url is required")
	}
	if opts.Scene == "" {
		return nil, fmt.Errorf("inworld: scene is required")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("inworld: token source is required")
	}
	timeout := opts.DisconnectTimeout
	if timeout <= 0 {
		timeout = DefaultDisconnectTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		streamURL: opts.StreamURL,
		scene:     opts.Scene,
		tokens:    opts.Tokens,
		timeout:   timeout,
		dialer:    dialer,
		logger:    logger,
	}, nil
}

// Client frames.

type sessionConfig struct {
	Scene               string             `json:"scene"`
	Capabilities        relay.Capabilities `json:"capabilities"`
	User                userConfig         `json:"user"`
	DisconnectTimeoutMS int64              `json:"disconnect_timeout_ms"`
}

type userConfig struct {
	Name string `json:"name,omitempty"`
}

type clientFrame struct {
	Type          string         `json:"type"`
	SessionConfig *sessionConfig `json:"session_config,omitempty"`
	Text          string         `json:"text,omitempty"`
}

// Server packets.

type packet struct {
	Type    string         `json:"type"`
	Text    *textPacket    `json:"text,omitempty"`
	Control *controlPacket `json:"control,omitempty"`
	Error   *remoteError   `json:"error,omitempty"`
}

type textPacket struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type controlPacket struct {
	Type string `json:"type"`
}

const (
	packetText    = "TEXT"
	packetControl = "CONTROL"
	packetError   = "ERROR"

	controlInteractionEnd = "INTERACTION_END"
)

// Open fetches a session token for the group, dials the stream and sends
// the session configuration.
func (c *Client) Open(ctx context.Context, req relay.OpenRequest) (relay.Stream, error) {
	tok, err := c.tokens.Token(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.streamURL)
	if err != nil {
		return nil, fmt.Errorf("inworld: parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", tok.SessionID)
	q.Set("scene", c.scene)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			return nil, decodeRemoteError(resp.StatusCode, body)
		}
		return nil, status.Errorf(codes.Unavailable, "dial stream: %v", err)
	}

	s := &stream{conn: conn, ctx: ctx, timeout: c.timeout, logger: c.logger.With("group_id", req.GroupID)}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })

	cfg := clientFrame{
		Type: "session_config",
		SessionConfig: &sessionConfig{
			Scene:               c.scene,
			User:                userConfig{Name: req.UserName},
			DisconnectTimeoutMS: c.timeout.Milliseconds(),
		},
	}
	if err := s.write(cfg); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// stream is one websocket session.
type stream struct {
	conn    *websocket.Conn
	ctx     context.Context
	timeout time.Duration
	logger  *slog.Logger
	stop    func() bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *stream) write(frame clientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteJSON(frame); err != nil {
		return s.transportError("write "+frame.Type, err)
	}
	return nil
}

// Send submits a user utterance.
func (s *stream) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(clientFrame{Type: "text", Text: text})
}

// Events reads packets until interaction end or an error. Each read waits
// at most the disconnect timeout.
func (s *stream) Events() iter.Seq[relay.Event] {
	return func(yield func(relay.Event) bool) {
		for {
			s.conn.SetReadDeadline(time.Now().Add(s.timeout))
			var p packet
			if err := s.conn.ReadJSON(&p); err != nil {
				yield(relay.Event{Kind: relay.EventError, Err: s.transportError("read", err)})
				return
			}

			evt, ok := toEvent(p)
			if !ok {
				s.logger.Debug("ignoring packet", "type", p.Type)
				continue
			}
			if !yield(evt) {
				return
			}
			if evt.Kind == relay.EventInteractionEnd || evt.Kind == relay.EventError {
				return
			}
		}
	}
}

// toEvent maps a server packet to a relay event. Packets the relay does
// not act on report false.
func toEvent(p packet) (relay.Event, bool) {
	switch p.Type {
	case packetText:
		if p.Text == nil {
			return relay.Event{}, false
		}
		kind := relay.EventPartial
		if p.Text.Final {
			kind = relay.EventFinal
		}
		return relay.Event{Kind: kind, Text: p.Text.Text}, true
	case packetControl:
		if p.Control != nil && p.Control.Type == controlInteractionEnd {
			return relay.Event{Kind: relay.EventInteractionEnd}, true
		}
	case packetError:
		if p.Error != nil {
			return relay.Event{Kind: relay.EventError, Err: p.Error.err()}, true
		}
		return relay.Event{Kind: relay.EventError, Err: status.Error(codes.Unknown, "")}, true
	}
	return relay.Event{}, false
}

// transportError converts a websocket failure into a status error, or the
// context error when the stream's context ended.
func (s *stream) transportError(op string, err error) error {
	if cerr := s.ctx.Err(); cerr != nil {
		return cerr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return status.Errorf(codes.Unavailable, "%s: no packet for %s", op, s.timeout)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return status.Errorf(codes.Unavailable, "%s: stream closed", op)
	}
	return status.Errorf(codes.Unavailable, "%s: %v", op, err)
}

// Close ends the session with a normal closure.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stop()
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
