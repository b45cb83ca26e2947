package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rickgao/auction-realtime/internal/auth"
	"github.com/rickgao/auction-realtime/internal/flight"
	"github.com/rickgao/auction-realtime/internal/metrics"
	"github.com/rickgao/auction-realtime/internal/version"
)

// RefreshPath is the token refresh endpoint, relative to the REST base URL.
const RefreshPath = "/auth/refresh"

type retriedKey struct{}

var errNoRefreshToken = fmt.Errorf("%w: no refresh token stored", ErrAuthExpired)

// SkipRefresh marks ctx so that a 401 on requests made with it is returned
// as-is instead of triggering a refresh. Replays carry this mark, and so do
// login and logout calls.
func SkipRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func refreshSkipped(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// TokenPair is the body returned by the login and refresh endpoints.
type TokenPair struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user,omitempty"`
}

// Coordinator is an http.RoundTripper that authenticates requests from the
// credential store and recovers from expired access tokens.
//
// At most one refresh is in flight. Requests that fail with 401 while it
// runs wait for its outcome and are then replayed once with the new token,
// or rejected if the refresh failed.
type Coordinator struct {
	base       http.RoundTripper
	refresher  *http.Client
	refreshURL string
	store      auth.Store
	bus        *auth.Bus
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	refreshing bool
	waiters    flight.Queue[string]
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithBaseTransport sets the transport that carries the actual requests.
func WithBaseTransport(rt http.RoundTripper) CoordinatorOption {
	return func(c *Coordinator) {
		c.base = rt
	}
}

// WithRefreshClient sets the client used for the refresh call. Its timeout
// bounds how long waiting requests stay queued.
func WithRefreshClient(hc *http.Client) CoordinatorOption {
	return func(c *Coordinator) {
		c.refresher = hc
	}
}

// WithEvents publishes credential changes on bus.
func WithEvents(bus *auth.Bus) CoordinatorOption {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorMetrics records refresh metrics.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a Coordinator refreshing against baseURL.
func NewCoordinator(baseURL string, store auth.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		base:       http.DefaultTransport,
		refresher:  &http.Client{Timeout: 30 * time.Second},
		refreshURL: strings.TrimSuffix(baseURL, "/") + RefreshPath,
		store:      store,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "refresh")

	return c
}

// Store returns the credential store the coordinator reads tokens from.
func (c *Coordinator) Store() auth.Store {
	return c.store
}

// Events returns the bus credential changes are published on. It may be nil.
func (c *Coordinator) Events() *auth.Bus {
	return c.bus
}

// RoundTrip implements http.RoundTripper.
func (c *Coordinator) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	creds, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	resp, err := c.send(req, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || refreshSkipped(ctx) || !replayable(req) {
		return resp, nil
	}

	return c.recover(req, creds.AccessToken, resp)
}

// send issues a copy of req carrying token.
func (c *Coordinator) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return c.base.RoundTrip(r)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// recover handles a 401 for a request sent with token.
func (c *Coordinator) recover(req *http.Request, sent string, unauthorized *http.Response) (*http.Response, error) {
	ctx := req.Context()

	// A refresh may have finished between sending and receiving.
	if cur, err := c.store.Load(ctx); err == nil && cur.HasAccess() && cur.AccessToken != sent {
		discard(unauthorized)
		return c.replay(req, cur.AccessToken)
	}

	c.mu.Lock()
	if c.refreshing {
		w := flight.NewWaiter[string](nil)
		c.waiters.Push(w)
		c.mu.Unlock()

		c.metrics.WaiterQueued()
		c.logger.Debug("waiting for refresh", "method", req.Method, "url", req.URL.Redacted())

		token, err := w.Wait(ctx)
		return c.settle(req, unauthorized, token, err)
	}
	c.refreshing = true
	c.mu.Unlock()

	// Queued requests depend on this refresh even if req is cancelled.
	token, err := c.refresh(context.WithoutCancel(ctx))

	c.mu.Lock()
	c.refreshing = false
	batch := c.waiters.Drain()
	c.mu.Unlock()

	batch.Settle(token, err, func(r any) {
		c.logger.Error("refresh waiter panicked", "panic", r)
	})

	return c.settle(req, unauthorized, token, err)
}

// settle finishes a request after its refresh wave resolved.
func (c *Coordinator) settle(req *http.Request, unauthorized *http.Response, token string, err error) (*http.Response, error) {
	switch {
	case errors.Is(err, errNoRefreshToken):
		// Nothing to refresh with: the caller sees the original 401.
		return unauthorized, nil
	case err != nil:
		discard(unauthorized)
		return nil, err
	}

	discard(unauthorized)
	return c.replay(req, token)
}

// replay re-issues req once with token. A 401 on the replay is final.
func (c *Coordinator) replay(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(SkipRefresh(req.Context()))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}

	resp, err := c.send(r, token)
	if err != nil {
		return nil, err
	}

	c.metrics.Replayed(resp.StatusCode)
	c.logger.Debug("replayed request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
	)
	return resp, nil
}

// refresh exchanges the stored refresh token for a new pair and returns the
// new access token. Any failure logs the user out.
func (c *Coordinator) refresh(ctx context.Context) (string, error) {
	start := time.Now()

	creds, err := c.store.Load(ctx)
	if err != nil {
		err = fmt.Errorf("%w: load credentials: %w", ErrRefreshExhausted, err)
		c.fail(ctx, err, metrics.ResultError)
		return "", err
	}
	if !creds.HasRefresh() {
		c.fail(ctx, errNoRefreshToken, metrics.ResultMissingCredential)
		return "", errNoRefreshToken
	}

	pair, err := c.requestRefresh(ctx, creds.RefreshToken)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshExhausted, err)
		c.fail(ctx, err, metrics.ResultError)
		return "", err
	}

	next := auth.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         creds.User,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}
	if err := c.store.Save(ctx, next); err != nil {
		err = fmt.Errorf("%w: save credentials: %w", ErrRefreshExhausted, err)
		c.fail(ctx, err, metrics.ResultError)
		return "", err
	}

	c.metrics.RefreshResult(metrics.ResultSuccess)
	c.logger.Info("access token refreshed", "elapsed", time.Since(start))
	c.bus.Publish(auth.Event{Kind: auth.EventRotated, Credentials: next})

	return next.AccessToken, nil
}

func (c *Coordinator) requestRefresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	data, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.refreshURL, bytes.NewReader(data))
	if err != nil {
		return TokenPair{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.refresher.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenPair{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return TokenPair{}, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}

	var pair TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if pair.AccessToken == "" {
		return TokenPair{}, errors.New("response has no access token")
	}
	return pair, nil
}

// fail clears the credentials and announces the logout.
func (c *Coordinator) fail(ctx context.Context, cause error, result string) {
	c.metrics.RefreshResult(result)
	c.logger.Warn("refresh failed, logging out", "error", cause)

	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", "error", err)
	}
	c.bus.Publish(auth.Event{Kind: auth.EventLoggedOut, Err: cause})
}

func discard(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
