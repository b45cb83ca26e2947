package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/auction-realtime/internal/auth"
)

// Auth endpoints, relative to the REST base URL.
const (
	LoginPath  = "/auth/login"
	LogoutPath = "/auth/logout"
)

// ErrNoCoordinator is returned by Login and Logout on a Client built
// without a Coordinator, which has nowhere to keep credentials.
var ErrNoCoordinator = errors.New("api: client has no refresh coordinator")

// Client provides access to the marketplace REST API.
type Client struct {
	baseURL    string
	coord      *Coordinator
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a REST client whose requests are authenticated by coord.
func NewClient(baseURL string, coord *Coordinator, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		coord:   coord,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}
	if coord != nil {
		c.httpClient.Transport = coord
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client. Its transport should wrap the
// coordinator, or requests go out unauthenticated.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Login exchanges email and password for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Credentials, error) {
	if c.coord == nil {
		return auth.Credentials{}, fmt.Errorf("login: %w", ErrNoCoordinator)
	}

	var pair TokenPair
	in := map[string]string{"email": email, "password": password}
	if err := c.Post(SkipRefresh(ctx), LoginPath, in, &pair); err != nil {
		return auth.Credentials{}, fmt.Errorf("login: %w", err)
	}
	if pair.AccessToken == "" {
		return auth.Credentials{}, fmt.Errorf("login: response has no access token")
	}

	creds := auth.Credentials{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         string(pair.User),
	}
	if creds.User == "" {
		creds.User = auth.UserFromToken(pair.AccessToken)
	}

	if err := c.coord.Store().Save(ctx, creds); err != nil {
		return auth.Credentials{}, fmt.Errorf("login: save credentials: %w", err)
	}

	c.logger.Info("logged in", "user", creds.User)
	return creds, nil
}

// Logout revokes the session server-side, best effort, then clears the
// stored credentials and publishes a logout event.
func (c *Client) Logout(ctx context.Context) error {
	if c.coord == nil {
		return fmt.Errorf("logout: %w", ErrNoCoordinator)
	}

	if err := c.Post(SkipRefresh(ctx), LogoutPath, nil, nil); err != nil {
		c.logger.Warn("server logout failed", "error", err)
	}

	if err := c.coord.Store().Clear(ctx); err != nil {
		return fmt.Errorf("logout: clear credentials: %w", err)
	}
	c.coord.Events().Publish(auth.Event{Kind: auth.EventLoggedOut})

	c.logger.Info("logged out")
	return nil
}
