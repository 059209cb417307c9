// Package api is the authenticated client for the expense-tracking service.
//
// Every authenticated call goes through Execute, which attaches the stored
// access token, refreshes it once on a 401 through the shared Coordinator and
// replays the call. When the refresh fails a SessionExpiredEvent is published.
package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/we-expense/expense-cli/credstore"
)

const (
	defaultRequestTimeout = 30 * time.Second
	redactedTokenPrefix   = 20
)

// Doer sends a request. *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// HTTPDoer adapts a plain *http.Client to Doer.
type HTTPDoer struct {
	Client *http.Client
}

func (d HTTPDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(req.WithContext(ctx))
}

// Observer is told about the refresh lifecycle so a UI can show it.
type Observer interface {
	AccessTokenRejected(endpoint string)
	TokenRefreshedRetrying(endpoint string)
	SessionExpired(endpoint string)
}

type nopObserver struct{}

func (nopObserver) AccessTokenRejected(string)    {}
func (nopObserver) TokenRefreshedRetrying(string) {}
func (nopObserver) SessionExpired(string)         {}

// Config holds the dependencies of a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://we-expense-api.vercel.app.
	BaseURL string
	// Store holds the access and refresh tokens.
	Store credstore.Store
	// Transport sends requests. Defaults to http.DefaultClient.
	Transport Doer
	// RequestTimeout bounds each attempt. Defaults to 30s.
	RequestTimeout time.Duration
	// RefreshTimeout bounds the refresh call. Defaults to 10s.
	RefreshTimeout time.Duration
	// Coordinator is shared when several clients use the same store.
	Coordinator *Coordinator
	// Events receives session-expired events. One is created if nil.
	Events   *SessionEvents
	Observer Observer
	Logger   *slog.Logger
}

func (cfg *Config) validate() error {
	if cfg.Store == nil {
		return errors.New("api: credential store is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = HTTPDoer{Client: http.DefaultClient}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if _, err := validateBaseURL(cfg.BaseURL); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) logger() *slog.Logger {
	if cfg.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.Logger
}

func validateBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errInvalidURL(raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errInvalidURL(raw, errors.New("scheme must be http or https"))
	}
	if u.Host == "" {
		return nil, errInvalidURL(raw, errors.New("host is required"))
	}
	return u, nil
}

// Client executes API calls against one server with one credential store.
type Client struct {
	baseURL     string
	store       credstore.Store
	doer        Doer
	codec       Codec
	coordinator *Coordinator
	events      *SessionEvents
	observer    Observer
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	coordinator := cfg.Coordinator
	if coordinator == nil {
		var err error
		if coordinator, err = NewCoordinator(cfg); err != nil {
			return nil, err
		}
	}
	events := cfg.Events
	if events == nil {
		events = NewSessionEvents()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		store:       cfg.Store,
		doer:        cfg.Transport,
		coordinator: coordinator,
		events:      events,
		observer:    observer,
		timeout:     timeout,
		logger:      cfg.logger(),
	}, nil
}

// Events returns the session-expired broadcaster.
func (c *Client) Events() *SessionEvents { return c.events }

// Store returns the credential store.
func (c *Client) Store() credstore.Store { return c.store }

// Attempt describes one call. RetryCount is 0 for the first attempt and 1
// for the replay after a refresh.
type Attempt struct {
	Endpoint string
	Method   string
	// Body is encoded as JSON. Form takes precedence when both are set.
	Body any
	Form url.Values
	// Anonymous calls carry no token and never trigger a refresh.
	Anonymous  bool
	RetryCount int
}

// Empty is the result type for calls whose response body is ignored.
type Empty struct{}

// Execute performs a and decodes the response into T.
func Execute[T any](ctx context.Context, c *Client, a Attempt) (T, error) {
	var zero T

	if a.Method == "" {
		a.Method = http.MethodGet
	}

	target := c.baseURL + a.Endpoint
	if _, err := validateBaseURL(target); err != nil {
		return zero, err
	}

	body, contentType, err := c.encodeBody(a)
	if err != nil {
		return zero, errRequestFailed(err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, a.Method, target, bodyReader(body))
	if err != nil {
		return zero, errInvalidURL(target, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)

	var sentToken string
	if !a.Anonymous {
		sentToken = c.accessToken()
		if sentToken != "" {
			(&oauth2.Token{AccessToken: sentToken, TokenType: "Bearer"}).SetAuthHeader(req)
		}
	}

	c.logRequest(req, a)

	resp, err := c.doer.DoWithContext(attemptCtx, req)
	if err != nil {
		return zero, errRequestFailed(err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return zero, errRequestFailed(err)
	}

	c.logger.Debug("api: response",
		slog.String("method", a.Method),
		slog.String("endpoint", a.Endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(respBody)),
	)

	if resp.StatusCode == http.StatusUnauthorized && !a.Anonymous {
		if a.RetryCount > 0 {
			c.logger.Warn("api: access token rejected after refresh", slog.String("endpoint", a.Endpoint))
			return zero, parseError(respBody, resp.StatusCode)
		}

		c.logger.Info("api: access token rejected, refreshing", slog.String("endpoint", a.Endpoint))
		c.observer.AccessTokenRejected(a.Endpoint)

		result, err := c.coordinator.request(ctx, sentToken)
		if err != nil {
			return zero, errRequestFailed(err)
		}
		if result.ok {
			c.observer.TokenRefreshedRetrying(a.Endpoint)
			retry := a
			retry.RetryCount++
			return Execute[T](ctx, c, retry)
		}

		result.notifyExpired(func() {
			c.logger.Warn("api: session expired", slog.String("endpoint", a.Endpoint))
			c.observer.SessionExpired(a.Endpoint)
			c.events.Publish(SessionExpiredEvent{Endpoint: a.Endpoint, At: time.Now()})
		})
		return zero, errSessionExpired()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return zero, parseError(respBody, resp.StatusCode)
	}

	var out T
	if _, ignore := any(&out).(*Empty); ignore {
		return out, nil
	}
	if err := c.codec.Decode(respBody, &out); err != nil {
		return zero, errDecodingFailed(err)
	}
	return out, nil
}

func (c *Client) encodeBody(a Attempt) ([]byte, string, error) {
	if a.Form != nil {
		return []byte(a.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	if a.Body == nil {
		return nil, "application/json", nil
	}
	data, err := c.codec.Encode(a.Body)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func bodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}

func (c *Client) accessToken() string {
	token, err := c.store.Get(credstore.AccessTokenKey)
	if err != nil {
		if !errors.Is(err, credstore.ErrNotFound) {
			c.logger.Warn("api: reading access token failed", slog.Any("error", err))
		}
		return ""
	}
	return token
}

func (c *Client) logRequest(req *http.Request, a Attempt) {
	if !c.logger.Enabled(req.Context(), slog.LevelDebug) {
		return
	}
	c.logger.Debug("api: request",
		slog.String("method", a.Method),
		slog.String("url", req.URL.Redacted()),
		slog.String("authorization", redactAuth(req.Header.Get("Authorization"))),
		slog.Int("retry", a.RetryCount),
	)
}

// redactAuth keeps only the start of an Authorization header.
func redactAuth(header string) string {
	if header == "" {
		return "none"
	}
	if len(header) <= redactedTokenPrefix {
		return header
	}
	return header[:redactedTokenPrefix] + "..."
}
