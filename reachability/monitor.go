// Package reachability tracks whether the API host answers on the network.
//
// The signal is advisory. Requests are never blocked on it; it only tells
// callers when a failed load is worth retrying.
package reachability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultInterval    = 5 * time.Second
	defaultDialTimeout = 3 * time.Second
)

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Monitor. Zero values use the defaults.
type Options struct {
	Interval    time.Duration
	DialTimeout time.Duration
	Dial        DialFunc
	Logger      *slog.Logger
}

// Monitor dials one TCP address and publishes connectivity changes.
type Monitor struct {
	address     string
	interval    time.Duration
	dialTimeout time.Duration
	dial        DialFunc
	logger      *slog.Logger

	connected atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]chan bool
}

// NewMonitor creates a monitor for the host of baseURL. The monitor starts
// out connected until a check says otherwise.
func NewMonitor(baseURL string, opts Options) (*Monitor, error) {
	address, err := targetAddress(baseURL)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		address:     address,
		interval:    opts.Interval,
		dialTimeout: opts.DialTimeout,
		dial:        opts.Dial,
		logger:      opts.Logger,
		subs:        make(map[int]chan bool),
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.dial == nil {
		m.dial = (&net.Dialer{}).DialContext
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	m.connected.Store(true)
	return m, nil
}

// targetAddress turns a base URL into host:port.
func targetAddress(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", errors.New("reachability: base URL has no host")
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Address returns the monitored host:port.
func (m *Monitor) Address() string { return m.address }

// IsConnected returns the result of the latest check.
func (m *Monitor) IsConnected() bool { return m.connected.Load() }

// Subscribe returns a channel that receives the new state on every change.
// Call the returned function to stop receiving and close the channel.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Run checks immediately and then on every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check dials the address once, records the result and reports it.
func (m *Monitor) Check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, "tcp", m.address)
	up := err == nil
	if conn != nil {
		_ = conn.Close()
	}
	if ctx.Err() != nil {
		return m.IsConnected()
	}

	if m.connected.Swap(up) != up {
		if up {
			m.logger.Info("reachability: network connected", slog.String("address", m.address))
		} else {
			m.logger.Warn("reachability: network disconnected",
				slog.String("address", m.address),
				slog.Any("error", err),
			)
		}
		m.publish(up)
	}
	return up
}

// publish replaces any unread state with the latest one.
func (m *Monitor) publish(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- up:
		default:
		}
	}
}

// RetryOnReconnect calls reload each time the monitor goes from disconnected
// to connected and shouldRetry reports that the last load failed or came back
// empty. Reload errors are logged and otherwise ignored. It returns when ctx
// ends.
func RetryOnReconnect(
	ctx context.Context,
	m *Monitor,
	shouldRetry func() bool,
	reload func(context.Context) error,
	logger *slog.Logger,
) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	changes, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-changes:
			if !ok {
				return
			}
			if !up || !shouldRetry() {
				continue
			}
			logger.Info("reachability: reconnected, reloading")
			if err := reload(ctx); err != nil {
				logger.Warn("reachability: reload after reconnect failed", slog.Any("error", err))
			}
		}
	}
}
