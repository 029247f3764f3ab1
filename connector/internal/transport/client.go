package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/obsidianstack/bannerpush/connector/internal/auth"
	"github.com/obsidianstack/bannerpush/pkg/types"
)

const maxErrorBody = 300

// Options configures a Client.
type Options struct {
	BaseURL    string
	SinglePath string
	BulkPath   string

	SingleTimeout time.Duration
	BulkTimeout   time.Duration

	// MaxBatch is the largest bulk payload the client will send.
	MaxBatch int

	Policy RetryPolicy
}

// Stats are cumulative request counters.
type Stats struct {
	Requests  int64 // HTTP attempts, including retries
	Retries   int64 // waits taken before a retry
	Refreshes int64 // forced token refreshes after a 401
}

// Client delivers records to the remote API. Each call runs the retry
// engine to a terminal state and reports it as a types.Outcome; Client
// methods never return errors.
type Client struct {
	opts    Options
	http    *http.Client
	tokens  auth.TokenSource
	backoff *backoff

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	requests  atomic.Int64
	retries   atomic.Int64
	refreshes atomic.Int64
}

// NewHTTPTransport builds the shared keep-alive transport. The connect
// timeout bounds dialing only; request deadlines are set per call.
func NewHTTPTransport(connectTimeout time.Duration, insecureSkipVerify bool) *http.Transport {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // user-configured
		},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// New returns a Client. httpClient must inject the bearer token (see
// auth.Transport); tokens is used only to force a refresh after a 401.
func New(httpClient *http.Client, tokens auth.TokenSource, opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.MaxBatch <= 0 || opts.MaxBatch > types.MaxBatchSize {
		opts.MaxBatch = types.MaxBatchSize
	}
	return &Client{
		opts:    opts,
		http:    httpClient,
		tokens:  tokens,
		backoff: newBackoff(opts.Policy),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// MaxBatch is the largest batch SendBulk accepts.
func (c *Client) MaxBatch() int { return c.opts.MaxBatch }

// Stats returns a snapshot of the request counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:  c.requests.Load(),
		Retries:   c.retries.Load(),
		Refreshes: c.refreshes.Load(),
	}
}

type item struct {
	VisitorCookie string `json:"VisitorCookie"`
	BannerID      int    `json:"BannerId"`
}

type bulkPayload struct {
	Data []item `json:"Data"`
}

func toItem(r types.Record) item {
	return item{VisitorCookie: r.Cookie, BannerID: r.BannerID}
}

// SendSingle delivers one record.
func (c *Client) SendSingle(ctx context.Context, rec types.Record) types.Outcome {
	return c.post(ctx, c.opts.SinglePath, toItem(rec), c.opts.SingleTimeout)
}

// SendBulk delivers records as one payload. A batch above MaxBatch is
// refused without any request.
func (c *Client) SendBulk(ctx context.Context, recs []types.Record) types.Outcome {
	if len(recs) > c.opts.MaxBatch {
		err := fmt.Errorf("transport: batch of %d exceeds max %d", len(recs), c.opts.MaxBatch)
		slog.Error("transport: batch too large", "size", len(recs), "max_batch", c.opts.MaxBatch)
		return types.FailedOutcome(0, types.ReasonBatchTooLarge, err)
	}
	p := bulkPayload{Data: make([]item, len(recs))}
	for i, r := range recs {
		p.Data[i] = toItem(r)
	}
	slog.Debug("transport: sending bulk", "path", c.opts.BulkPath, "size", len(recs))
	return c.post(ctx, c.opts.BulkPath, p, c.opts.BulkTimeout)
}

// post runs the retry engine for one logical request.
func (c *Client) post(ctx context.Context, path string, payload any, timeout time.Duration) types.Outcome {
	body, err := json.Marshal(payload)
	if err != nil {
		return types.FailedOutcome(0, types.ReasonUnexpected, fmt.Errorf("transport: encode payload: %w", err))
	}

	var (
		attempt   int
		refreshed bool
	)
	for {
		status, r, err := c.attempt(ctx, path, body, timeout)

		d := next(r, attempt, refreshed, c.opts.Policy)
		if d.state.terminal() {
			slog.Debug("transport: request finished", "path", path,
				"state", d.state.String(), "retries", attempt, "refreshed", refreshed)
		}
		switch d.state {
		case stateSucceeded:
			slog.Debug("transport: delivered", "path", path, "status", status)
			return types.AcceptedOutcome(status)

		case stateRejected:
			slog.Warn("transport: payload rejected", "path", path, "status", status)
			return types.RejectedOutcome(status, types.ReasonBadRequest)

		case stateExhausted:
			slog.Error("transport: retries exhausted", "path", path, "status", status,
				"retries", attempt, "err", err)
			return types.FailedOutcome(status, types.ReasonRetryExhausted, err)

		case stateFailed:
			return c.failed(path, status, r, err)

		case stateWaiting:
			wait := c.backoff.delay(attempt)
			var serr *StatusError
			if errors.As(err, &serr) && serr.HasRetryAfter {
				wait = serr.RetryAfter
			}
			slog.Warn("transport: retrying", "path", path, "status", status,
				"attempt", attempt+1, "retry_in", wait, "err", err)
			c.retries.Add(1)
			if err := c.sleep(ctx, wait); err != nil {
				return types.FailedOutcome(status, types.ReasonCanceled, err)
			}
			attempt++

		case stateAttempting:
			if d.refresh {
				refreshed = true
				c.refreshes.Add(1)
				slog.Info("transport: 401 received, refreshing token once", "path", path)
				if _, err := c.tokens.Token(ctx, true); err != nil {
					return types.FailedOutcome(http.StatusUnauthorized, types.ReasonUnauthorized, err)
				}
			}
		}
	}
}

func (c *Client) failed(path string, status int, r result, err error) types.Outcome {
	switch r {
	case resultUnauthorized:
		slog.Error("transport: second 401 after refresh, giving up", "path", path)
		return types.FailedOutcome(status, types.ReasonUnauthorized,
			&auth.Error{Path: path, Status: status, Err: err})
	case resultAuthFailed:
		slog.Error("transport: could not obtain token", "path", path, "err", err)
		return types.FailedOutcome(status, types.ReasonUnauthorized, err)
	case resultCanceled:
		return types.FailedOutcome(status, types.ReasonCanceled, err)
	default:
		slog.Error("transport: unexpected status", "path", path, "status", status, "err", err)
		return types.FailedOutcome(status, types.ReasonUnexpected, err)
	}
}

// attempt sends one request and classifies the result.
func (c *Client) attempt(ctx context.Context, path string, body []byte, timeout time.Duration) (int, result, error) {
	if err := ctx.Err(); err != nil {
		return 0, resultCanceled, err
	}
	c.requests.Add(1)

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, resultUnexpected, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		var authErr *auth.Error
		switch {
		case errors.As(err, &authErr):
			return 0, resultAuthFailed, authErr
		case ctx.Err() != nil:
			return 0, resultCanceled, ctx.Err()
		}
		return 0, resultTransient, &StatusError{Path: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keep-alive
		return resp.StatusCode, resultOK, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keep-alive

	serr := &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	serr.RetryAfter, serr.HasRetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	return resp.StatusCode, resultOf(serr.Class()), serr
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
