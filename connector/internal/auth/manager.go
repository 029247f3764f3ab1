package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSkew is subtracted from a token's expiry before it is reused.
	DefaultSkew = 30 * time.Second
	// DefaultTTL is assumed when nothing tells us when a token expires.
	DefaultTTL = 24 * time.Hour

	maxErrorBody = 300
)

// Token is an access token and the instant it stops being valid.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Usable reports whether t can still be sent at now, keeping skew in reserve.
func (t Token) Usable(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-skew))
}

// Error is returned for every failed token fetch: transport errors, non-2xx
// responses and malformed bodies.
type Error struct {
	Path   string
	Status int    // 0 when no response was received
	Body   string // truncated response body, if any
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: POST %s: status %d: %v", e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("auth: POST %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Manager.
type Options struct {
	BaseURL    string
	Path       string
	ProjectKey string

	Skew       time.Duration
	DefaultTTL time.Duration

	// Timeout bounds one token request. Zero means no extra deadline.
	Timeout time.Duration
}

// Manager fetches and caches the access token. It is safe for concurrent
// use; concurrent refreshes share one request.
type Manager struct {
	opts   Options
	client *http.Client
	now    func() time.Time // injectable for tests

	mu  sync.Mutex
	tok Token

	group singleflight.Group
}

// New returns a Manager that posts token requests through client.
// client must not itself inject tokens.
func New(client *http.Client, opts Options) *Manager {
	if opts.Skew < 0 {
		opts.Skew = 0
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Path == "" {
		opts.Path = "/auth"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Manager{opts: opts, client: client, now: time.Now}
}

// Token returns the cached token when it is still usable and force is
// false. Otherwise it requests a new token, replaces the cache and returns
// it. A failed request leaves the previous cache entry in place.
func (m *Manager) Token(ctx context.Context, force bool) (Token, error) {
	if !force {
		m.mu.Lock()
		tok := m.tok
		m.mu.Unlock()
		if tok.Usable(m.now(), m.opts.Skew) {
			return tok, nil
		}
	}

	v, err, shared := m.group.Do("token", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	if shared {
		slog.Debug("auth: joined in-flight token refresh")
	}
	return v.(Token), nil
}

type authRequest struct {
	ProjectKey string `json:"ProjectKey"`
}

type authResponse struct {
	AccessToken string   `json:"AccessToken"`
	ExpiresIn   *float64 `json:"ExpiresIn,omitempty"`
	ExpiresAt   string   `json:"ExpiresAt,omitempty"`
}

func (m *Manager) refresh(ctx context.Context) (Token, error) {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(authRequest{ProjectKey: m.opts.ProjectKey})
	if err != nil {
		return Token{}, m.fail(0, "", fmt.Errorf("encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.opts.BaseURL+m.opts.Path, bytes.NewReader(body))
	if err != nil {
		return Token{}, m.fail(0, "", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		slog.Warn("auth: transport error", "path", m.opts.Path, "err", err)
		return Token{}, m.fail(0, "", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, m.fail(resp.StatusCode, "", fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, m.fail(resp.StatusCode, truncate(raw), errors.New("unexpected status"))
	}

	var ar authResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return Token{}, m.fail(resp.StatusCode, truncate(raw), fmt.Errorf("decode body: %w", err))
	}
	if ar.AccessToken == "" {
		return Token{}, m.fail(resp.StatusCode, truncate(raw), errors.New("missing AccessToken"))
	}

	now := m.now()
	exp, source := m.expiry(now, ar)
	tok := Token{Value: ar.AccessToken, ExpiresAt: exp}

	m.mu.Lock()
	m.tok = tok
	m.mu.Unlock()

	slog.Info("auth: token refreshed", "expires_at", exp.UTC().Format(time.RFC3339), "expiry_from", source)
	return tok, nil
}

// expiry picks the token lifetime: explicit response fields first, then
// the JWT exp claim, then the configured default.
func (m *Manager) expiry(now time.Time, ar authResponse) (time.Time, string) {
	if ar.ExpiresIn != nil && *ar.ExpiresIn > 0 {
		return now.Add(time.Duration(*ar.ExpiresIn * float64(time.Second))), "expires_in"
	}
	if ar.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, ar.ExpiresAt); err == nil {
			return t, "expires_at"
		}
		slog.Warn("auth: ignoring unparseable ExpiresAt", "value", ar.ExpiresAt)
	}
	if t, ok := jwtExpiry(ar.AccessToken); ok {
		return t, "jwt_exp"
	}
	return now.Add(m.opts.DefaultTTL), "default_ttl"
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is opaque to us; the claim only tunes when we refresh.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (m *Manager) fail(status int, body string, err error) *Error {
	return &Error{Path: m.opts.Path, Status: status, Body: body, Err: err}
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}
