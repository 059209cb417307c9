package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/we-expense/expense-cli/credstore"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	refreshFlightKey      = "refresh"
)

// refreshResult is shared by every caller that waited on the same refresh.
type refreshResult struct {
	ok      bool
	expired sync.Once
}

// notifyExpired runs fn at most once per refresh, however many callers
// observed the failure.
func (r *refreshResult) notifyExpired(fn func()) {
	r.expired.Do(fn)
}

// Coordinator ensures at most one token refresh is in flight. Callers that
// ask for a refresh while one is running wait for that one's result.
type Coordinator struct {
	baseURL string
	store   credstore.Store
	doer    Doer
	codec   Codec
	timeout time.Duration
	logger  *slog.Logger

	flights singleflight.Group
}

// NewCoordinator builds a Coordinator from the client configuration.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Coordinator{
		baseURL: cfg.BaseURL,
		store:   cfg.Store,
		doer:    cfg.Transport,
		timeout: timeout,
		logger:  cfg.logger(),
	}, nil
}

// RequestRefresh joins the in-flight refresh or starts a new one, and
// reports whether fresh tokens are now stored. The error is non-nil only
// when ctx ends before the refresh resolves; the refresh itself keeps
// running for the other waiters.
func (c *Coordinator) RequestRefresh(ctx context.Context) (bool, error) {
	res, err := c.request(ctx, "")
	if err != nil {
		return false, err
	}
	return res.ok, nil
}

// request is RequestRefresh for a caller whose request was rejected while
// carrying rejectedToken. If the stored access token has changed since, a
// refresh already happened and no new one is issued.
func (c *Coordinator) request(ctx context.Context, rejectedToken string) (*refreshResult, error) {
	if c.superseded(rejectedToken) {
		return &refreshResult{ok: true}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(refreshFlightKey, func() (any, error) {
		if c.superseded(rejectedToken) {
			return &refreshResult{ok: true}, nil
		}
		return c.refresh(detached), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*refreshResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) superseded(rejectedToken string) bool {
	if rejectedToken == "" {
		return false
	}
	current, err := c.store.Get(credstore.AccessTokenKey)
	return err == nil && current != "" && current != rejectedToken
}

// refresh performs the network exchange and stores the new tokens. It never
// returns an error: every failure resolves to a result with ok == false.
func (c *Coordinator) refresh(ctx context.Context) *refreshResult {
	result := &refreshResult{}

	refreshToken, err := c.store.Get(credstore.RefreshTokenKey)
	if err != nil || refreshToken == "" {
		if err != nil && !errors.Is(err, credstore.ErrNotFound) {
			c.logger.Warn("api: reading refresh token failed", slog.Any("error", err))
		}
		c.logger.Info("api: no refresh token stored, skipping refresh")
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.exchange(ctx, refreshToken)
	if err != nil {
		attrs := []any{slog.Any("error", err)}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			attrs = append(attrs,
				slog.Int("status", retrieveErr.Response.StatusCode),
				slog.String("detail", parseError(retrieveErr.Body, retrieveErr.Response.StatusCode).Message),
			)
		}
		c.logger.Warn("api: token refresh failed", attrs...)
		return result
	}

	// Fixed mode: the server may keep the refresh token and omit it.
	newRefreshToken := token.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}

	if err := c.store.Set(credstore.AccessTokenKey, token.AccessToken); err != nil {
		c.logger.Error("api: storing refreshed access token failed", slog.Any("error", err))
		return result
	}
	if err := c.store.Set(credstore.RefreshTokenKey, newRefreshToken); err != nil {
		c.logger.Error("api: storing refreshed refresh token failed", slog.Any("error", err))
		return result
	}

	c.logger.Info("api: access token refreshed", slog.Bool("rotated", token.RefreshToken != ""))
	result.ok = true
	return result
}

// exchange trades refreshToken for a new token pair.
func (c *Coordinator) exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	endpoint := c.baseURL + "/refresh?token=" + url.QueryEscape(refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}

	resp, err := c.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var auth AuthResponse
	if err := c.codec.Decode(body, &auth); err != nil {
		return nil, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if auth.AccessToken == "" {
		return nil, errors.New("refresh response has an empty access_token")
	}
	return auth.Token(), nil
}
