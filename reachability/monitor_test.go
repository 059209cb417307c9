package reachability

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// switchDialer fails or succeeds depending on up.
type switchDialer struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (d *switchDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	if !d.up.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func newSwitchMonitor(t *testing.T) (*Monitor, *switchDialer) {
	t.Helper()
	d := &switchDialer{}
	d.up.Store(true)
	m, err := NewMonitor("https://api.example.com", Options{Dial: d.dial, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewMonitor() error = %v", err)
	}
	return m, d
}

func TestTargetAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://we-expense-api.vercel.app", want: "we-expense-api.vercel.app:443"},
		{in: "http://127.0.0.1:8002", want: "127.0.0.1:8002"},
		{in: "http://localhost", want: "localhost:80"},
		{in: "http://[::1]:9000/api", want: "[::1]:9000"},
		{in: "not a url", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := targetAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("targetAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("targetAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMonitor_StartsConnected(t *testing.T) {
	m, _ := newSwitchMonitor(t)
	if !m.IsConnected() {
		t.Error("new monitor reports disconnected")
	}
}

func TestMonitor_PublishesChanges(t *testing.T) {
	m, d := newSwitchMonitor(t)
	changes, unsubscribe := m.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	if !m.Check(ctx) {
		t.Fatal("Check() = false with a reachable host")
	}
	select {
	case v := <-changes:
		t.Fatalf("unexpected change %v without a state transition", v)
	default:
	}

	d.up.Store(false)
	if m.Check(ctx) {
		t.Fatal("Check() = true with an unreachable host")
	}
	if got := <-changes; got {
		t.Error("change = true, want false")
	}
	if m.IsConnected() {
		t.Error("IsConnected() = true after failed check")
	}

	d.up.Store(true)
	m.Check(ctx)
	if got := <-changes; !got {
		t.Error("change = false, want true")
	}
}

func TestMonitor_RealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	m, err := NewMonitor("http://"+addr, Options{DialTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Check(context.Background()) {
		t.Error("Check() = false with a listening socket")
	}

	_ = ln.Close()
	if m.Check(context.Background()) {
		t.Error("Check() = true after the listener closed")
	}
}

func TestMonitor_Run(t *testing.T) {
	m, d := newSwitchMonitor(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("Run() did not keep probing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRetryOnReconnect(t *testing.T) {
	tests := []struct {
		name        string
		shouldRetry bool
		wantReloads int32
	}{
		{name: "last load failed", shouldRetry: true, wantReloads: 1},
		{name: "last load fine", shouldRetry: false, wantReloads: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, d := newSwitchMonitor(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var reloads atomic.Int32
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				RetryOnReconnect(ctx, m,
					func() bool { return tt.shouldRetry },
					func(context.Context) error {
						reloads.Add(1)
						return errors.New("still failing")
					},
					nil,
				)
			}()

			// Give the goroutine time to subscribe before changing state.
			time.Sleep(20 * time.Millisecond)

			d.up.Store(false)
			m.Check(ctx)
			time.Sleep(20 * time.Millisecond)
			d.up.Store(true)
			m.Check(ctx)
			time.Sleep(50 * time.Millisecond)

			cancel()
			wg.Wait()

			if got := reloads.Load(); got != tt.wantReloads {
				t.Errorf("reloads = %d, want %d", got, tt.wantReloads)
			}
		})
	}
}
