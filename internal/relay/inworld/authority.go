// Package inworld connects the relay to the Inworld conversational AI
// service: a token authority that mints session tokens and a websocket
// client that streams interactions.
package inworld

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/groupchat/internal/relay"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// generateTokenMethod is the RPC name covered by the request signature.
const generateTokenMethod = "ai.inworld.engine.WorldEngine/GenerateToken"

// Authority mints session tokens with an API key and secret.
type Authority struct {
	url    string
	key    string
	secret string
	client *http.Client
	now    func() time.Time
}

// AuthorityOpts holds parameters for creating an Authority.
type AuthorityOpts struct {
	URL        string
	APIKey     string
	APISecret  string
	HTTPClient *http.Client // defaults to a client with a 10s timeout
}

// NewAuthority creates an Authority.
func NewAuthority(opts AuthorityOpts) (*Authority, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("inworld: authority url is required")
	}
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, fmt.Errorf("inworld: api key and secret are required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Authority{
		url:    opts.URL,
		key:    opts.APIKey,
		secret: opts.APISecret,
		client: client,
		now:    time.Now,
	}, nil
}

type tokenRequest struct {
	Key string `json:"key"`
}

type tokenResponse struct {
	Token          string    `json:"token"`
	Type           string    `json:"type"`
	ExpirationTime time.Time `json:"expirationTime"`
	SessionID      string    `json:"sessionId"`
}

// remoteError is the error body returned by both the token endpoint and
// the stream.
type remoteError struct {
	Code    errorCode `json:"code"`
	Message string    `json:"message"`
}

// errorCode accepts either the numeric or the upper-case name form of a
// status code. Names the status package does not know decode as Unknown so
// the accompanying message survives.
type errorCode codes.Code

func (c *errorCode) UnmarshalJSON(b []byte) error {
	var code codes.Code
	if err := code.UnmarshalJSON(b); err != nil {
		*c = errorCode(codes.Unknown)
		return nil
	}
	*c = errorCode(code)
	return nil
}

func (e *remoteError) present() bool {
	return e != nil && (codes.Code(e.Code) != codes.OK || e.Message != "")
}

// errOr builds the status error, using fallback when the body carried a
// message but no code.
func (e remoteError) errOr(fallback codes.Code) error {
	code := codes.Code(e.Code)
	if code == codes.OK {
		code = fallback
	}
	return status.Error(code, e.Message)
}

func (e remoteError) err() error {
	return e.errOr(codes.Unknown)
}

// Issue mints a new session token.
func (a *Authority) Issue(ctx context.Context) (*relay.SessionToken, error) {
	u, err := url.Parse(a.url)
	if err != nil {
		return nil, fmt.Errorf("inworld: parse authority url: %w", err)
	}
	body, err := json.Marshal(tokenRequest{Key: a.key})
	if err != nil {
		return nil, fmt.Errorf("inworld: encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inworld: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.authorization(u.Host, uuid.NewString()))

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, status.Errorf(codes.Unavailable, "token request: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "read token response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeRemoteError(resp.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("inworld: decode token response: %w", err)
	}
	if tr.Token == "" || tr.SessionID == "" {
		return nil, fmt.Errorf("inworld: token response missing token or session id")
	}
	return &relay.SessionToken{
		Token: &oauth2.Token{
			AccessToken: tr.Token,
			TokenType:   tr.Type,
			Expiry:      tr.ExpirationTime,
		},
		SessionID: tr.SessionID,
	}, nil
}

// authorization builds the IW1-HMAC-SHA256 header value.
func (a *Authority) authorization(host, nonce string) string {
	dt := a.now().UTC().Format("20060102150405")
	sig := Sign(a.secret, dt, host, generateTokenMethod, nonce)
	return fmt.Sprintf("IW1-HMAC-SHA256 ApiKey=%s,DateTime=%s,Nonce=%s,Signature=%s", a.key, dt, nonce, sig)
}

// Sign derives the request signature by chaining HMAC-SHA256 over each
// parameter, starting from "IW1" plus the secret.
func Sign(secret, dateTime, host, method, nonce string) string {
	key := []byte("IW1" + secret)
	for _, part := range []string{dateTime, host, method, nonce, "iw1_request"} {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(part))
		key = mac.Sum(nil)
	}
	return hex.EncodeToString(key)
}

// decodeRemoteError turns a non-200 response into a status error. Bodies
// without a recognizable error map the HTTP status onto a code.
func decodeRemoteError(httpStatus int, body []byte) error {
	var wrapped struct {
		Error *remoteError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.present() {
		return wrapped.Error.errOr(httpCode(httpStatus))
	}
	var flat remoteError
	if err := json.Unmarshal(body, &flat); err == nil && flat.present() {
		return flat.errOr(httpCode(httpStatus))
	}
	return status.Error(httpCode(httpStatus), http.StatusText(httpStatus))
}

func httpCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		return codes.Aborted
	case http.StatusPreconditionFailed:
		return codes.FailedPrecondition
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}
