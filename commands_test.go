package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/we-expense/expense-cli/api"
	"github.com/we-expense/expense-cli/credstore"
	"github.com/we-expense/expense-cli/internal/apitest"
	"github.com/we-expense/expense-cli/tui"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testApp struct {
	*app
	out    *syncBuffer
	status *syncBuffer
}

func newTestApp(t *testing.T, srv *apitest.Server) *testApp {
	t.Helper()

	out, status := &syncBuffer{}, &syncBuffer{}
	c := &Config{
		Profile:         "test",
		ServerURL:       srv.URL,
		CredentialStore: storeMemory,
		Timeout:         5 * time.Second,
		LogLevel:        "debug",
	}

	a, err := newApp(c, tui.NewPlainDisplayer(out, status), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	a.stderr = io.Discard
	t.Cleanup(a.Close)

	return &testApp{app: a, out: out, status: status}
}

func (ta *testApp) login(t *testing.T) {
	t.Helper()
	if err := ta.dispatch(context.Background(), []string{"login", "-email", "test@example.com", "-password", "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatch_UsageErrors(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"bad flag", []string{"add-item", "-nope"}},
		{"missing id", []string{"expense"}},
		{"bad id", []string{"delete-expense", "not-a-uuid"}},
		{"profile without fields", []string{"profile"}},
		{"add-expense without title", []string{"add-expense", "-amount", "3", "-category", "Food"}},
		{"add-expense bad category", []string{"add-expense", "-title", "x", "-amount", "3", "-category", "Rent"}},
		{"add-expense bad split", []string{"add-expense", "-title", "x", "-amount", "3", "-category", "Food", "-split", "Alex"}},
		{"add-expense bad date", []string{"add-expense", "-title", "x", "-amount", "3", "-category", "Food", "-date", "tomorrow"}},
		{"add-item without name", []string{"add-item", "-price", "2"}},
		{"expenses bad category", []string{"expenses", "-category", "Rent"}},
		{"watch bad category", []string{"watch", "-category", "Rent"}},
	}

	before := srv.AuthorizedCalls.Load()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ta.dispatch(context.Background(), tt.args)
			if !errors.Is(err, errUsage) {
				t.Errorf("dispatch(%v) error = %v, want a usage error", tt.args, err)
			}
		})
	}
	if got := srv.AuthorizedCalls.Load(); got != before {
		t.Errorf("usage errors reached the server %d times", got-before)
	}
}

func TestDispatch_RequiresSession(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)

	err := ta.dispatch(context.Background(), []string{"expenses"})
	if !errors.Is(err, errNotSignedIn) {
		t.Fatalf("error = %v, want errNotSignedIn", err)
	}
	if !strings.Contains(ta.status.String(), "Not signed in") {
		t.Errorf("status = %q", ta.status.String())
	}
	if srv.AuthorizedCalls.Load()+srv.RejectedCalls.Load() != 0 {
		t.Error("request sent without a session")
	}
}

func TestLoginWhoamiLogout(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ctx := context.Background()

	ta.login(t)
	if !credstore.HasSession(ta.client.Store()) {
		t.Fatal("login did not store a session")
	}

	if err := ta.dispatch(ctx, []string{"whoami"}); err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if !strings.Contains(ta.out.String(), "tester <test@example.com>") {
		t.Errorf("stdout = %q", ta.out.String())
	}

	if err := ta.dispatch(ctx, []string{"logout"}); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if credstore.HasSession(ta.client.Store()) {
		t.Error("logout left a session behind")
	}
}

func TestLogin_PromptsForMissingValues(t *testing.T) {
	t.Setenv("EXPENSE_EMAIL", "")
	t.Setenv("EXPENSE_PASSWORD", "")

	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.stdin = bufio.NewReader(strings.NewReader("test@example.com\nsecret\n"))

	if err := ta.dispatch(context.Background(), []string{"login"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(ta.status.String(), "Signed in as test@example.com") {
		t.Errorf("status = %q", ta.status.String())
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)

	err := ta.dispatch(context.Background(), []string{"login", "-email", "test@example.com", "-password", "nope"})
	if api.StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("error = %v, want a 401 server error", err)
	}
	if api.IsSessionExpired(err) {
		t.Error("a failed login must not look like an expired session")
	}
	if got := api.Message(err); got != "Incorrect email or password" {
		t.Errorf("Message() = %q", got)
	}
}

func TestRegister(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)

	err := ta.dispatch(context.Background(), []string{"register", "-email", "new@example.com", "-password", "pw", "-username", "newbie"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(ta.status.String(), "Account created for new@example.com") {
		t.Errorf("status = %q", ta.status.String())
	}

	err = ta.dispatch(context.Background(), []string{"register", "-email", "test@example.com", "-password", "pw"})
	if got := api.Message(err); got != "Email already registered" {
		t.Errorf("duplicate register message = %q", got)
	}
}

func TestProfileUpdate(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	if err := ta.dispatch(context.Background(), []string{"profile", "-subtitle", "Trip organiser"}); err != nil {
		t.Fatalf("profile: %v", err)
	}
	out := ta.out.String()
	if !strings.Contains(out, "tester <test@example.com>") || !strings.Contains(out, "Trip organiser") {
		t.Errorf("stdout = %q", out)
	}
}

func TestExpenseLifecycle(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)
	ctx := context.Background()

	err := ta.dispatch(ctx, []string{
		"add-expense", "-title", "Groceries", "-amount", "42.5", "-category", "food", "-date", "2026-03-01",
		"-split", "You:ME:20", "-split", "Alex:AL",
		"-item", "Bread:2.5:3",
	})
	if err != nil {
		t.Fatalf("add-expense: %v", err)
	}
	for _, want := range []string{"Groceries", "category: Food", "ME  You (you): 20.00", "AL  Alex: equal share", "3x Bread @ 2.50"} {
		if !strings.Contains(ta.out.String(), want) {
			t.Errorf("add-expense output missing %q:\n%s", want, ta.out.String())
		}
	}

	list, err := ta.client.Expenses(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("Expenses() = %v, %v", list, err)
	}
	id := list[0].ID.String()

	if err := ta.dispatch(ctx, []string{"edit-expense", "-title", "Weekly groceries", id}); err != nil {
		t.Fatalf("edit-expense: %v", err)
	}
	updated, err := ta.client.Expense(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("Expense() error = %v", err)
	}
	if updated.Title != "Weekly groceries" || updated.Amount != 42.5 || len(updated.Splits) != 2 {
		t.Errorf("edit lost fields: %+v", updated)
	}

	if err := ta.dispatch(ctx, []string{"expenses"}); err != nil {
		t.Fatalf("expenses: %v", err)
	}
	if !strings.Contains(ta.out.String(), "1 expenses, total 42.50") {
		t.Errorf("stdout = %q", ta.out.String())
	}

	if err := ta.dispatch(ctx, []string{"delete-expense", id}); err != nil {
		t.Fatalf("delete-expense: %v", err)
	}
	if !strings.Contains(ta.status.String(), "Deleted expense "+id) {
		t.Errorf("status = %q", ta.status.String())
	}

	err = ta.dispatch(ctx, []string{"expense", id})
	if api.StatusCode(err) != http.StatusNotFound || api.Message(err) != "Expense not found" {
		t.Errorf("expense after delete: %v", err)
	}
}

func TestExpenses_FilterAndOrder(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	srv.AddExpense(map[string]any{"title": "Groceries", "amount": 40.0, "date": "2026-01-10T09:00:00", "category": "Food"})
	srv.AddExpense(map[string]any{"title": "Hotel", "amount": 200.0, "date": "2026-03-02T15:00:00", "category": "Lodging"})
	srv.AddExpense(map[string]any{"title": "Street food", "amount": 8.0, "date": "2026-02-20T20:00:00", "category": "Food"})

	tests := []struct {
		name  string
		args  []string
		want  []string
		total string
	}{
		{"newest first", nil, []string{"Hotel", "Street food", "Groceries"}, "3 expenses, total 248.00"},
		{"category", []string{"-category", "food"}, []string{"Street food", "Groceries"}, "2 expenses, total 48.00"},
		{"search", []string{"-search", "FOOD"}, []string{"Street food"}, "1 expenses, total 8.00"},
		{"category and search", []string{"-category", "Lodging", "-search", "groc"}, nil, "No expenses yet."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(ta.out.String())
			if err := ta.dispatch(context.Background(), append([]string{"expenses"}, tt.args...)); err != nil {
				t.Fatalf("expenses %v: %v", tt.args, err)
			}
			out := ta.out.String()[before:]

			if !strings.Contains(out, tt.total) {
				t.Errorf("output missing %q:\n%s", tt.total, out)
			}
			last := -1
			for _, title := range tt.want {
				i := strings.Index(out, title)
				if i < 0 {
					t.Fatalf("output missing %q:\n%s", title, out)
				}
				if i < last {
					t.Errorf("%q listed out of order:\n%s", title, out)
				}
				last = i
			}
		})
	}
}

func TestWatch_AppliesFilter(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	srv.AddExpense(map[string]any{"title": "Taxi", "amount": 12.0, "date": "2026-03-02T08:00:00", "category": "Transport"})
	srv.AddExpense(map[string]any{"title": "Dinner", "amount": 30.0, "date": "2026-03-02T20:00:00", "category": "Food"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ta.dispatch(ctx, []string{"watch", "-interval", "10ms", "-category", "transport"})
	}()

	waitFor(t, func() bool { return strings.Contains(ta.out.String(), "1 expenses, total 12.00") })
	if strings.Contains(ta.out.String(), "Dinner") {
		t.Errorf("filtered expense shown:\n%s", ta.out.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestSavedItems(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)
	ctx := context.Background()

	if err := ta.dispatch(ctx, []string{"add-item", "-name", "Coffee", "-price", "3.2"}); err != nil {
		t.Fatalf("add-item: %v", err)
	}
	items, err := ta.client.SavedItems(ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("SavedItems() = %v, %v", items, err)
	}

	if err := ta.dispatch(ctx, []string{"items"}); err != nil {
		t.Fatalf("items: %v", err)
	}
	if !strings.Contains(ta.out.String(), "Coffee") {
		t.Errorf("stdout = %q", ta.out.String())
	}

	if err := ta.dispatch(ctx, []string{"delete-item", items[0].ID.String()}); err != nil {
		t.Fatalf("delete-item: %v", err)
	}
	if items, _ := ta.client.SavedItems(ctx); len(items) != 0 {
		t.Errorf("item still present: %v", items)
	}
}

func TestSummary_SharesOneRefresh(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	srv.AddExpense(map[string]any{"title": "Hostel", "amount": 80.0, "date": "2026-03-01T10:00:00", "category": "Lodging"})
	srv.ExpireAccessToken()

	if err := ta.dispatch(context.Background(), []string{"summary"}); err != nil {
		t.Fatalf("summary: %v", err)
	}

	if got := srv.RefreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	out := ta.out.String()
	for _, want := range []string{"tester <test@example.com>", "Lodging", "80.00", "1 expenses, 0 saved items"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestSessionExpiryClearsStore(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	srv.ExpireAccessToken()
	srv.FailRefresh(http.StatusUnauthorized)

	err := ta.dispatch(context.Background(), []string{"expenses"})
	if !api.IsSessionExpired(err) {
		t.Fatalf("error = %v, want session expired", err)
	}
	waitFor(t, func() bool { return !credstore.HasSession(ta.client.Store()) })

	if !strings.Contains(ta.status.String(), "Session expired") {
		t.Errorf("status = %q", ta.status.String())
	}
}

func TestClearOnExpiry_HandlesQueuedEventAfterCancel(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	events := make(chan api.SessionExpiredEvent, 1)
	events <- api.SessionExpiredEvent{Endpoint: "/expenses/", At: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ta.clearOnExpiry(ctx, events)

	if credstore.HasSession(ta.client.Store()) {
		t.Error("queued expiry event was dropped after cancel")
	}
}

// switchDial fails until up is set, then dials the real address.
type switchDial struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (s *switchDial) dial(ctx context.Context, network, address string) (net.Conn, error) {
	s.calls.Add(1)
	if !s.up.Load() {
		return nil, errors.New("network unreachable")
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func TestWatch_ReloadsOnReconnect(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	ta := newTestApp(t, srv)
	ta.login(t)

	dialer := &switchDial{}
	ta.dial = dialer.dial

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ta.dispatch(ctx, []string{"watch", "-interval", "10ms"})
	}()

	waitFor(t, func() bool { return strings.Contains(ta.status.String(), "Network disconnected") })
	if !strings.Contains(ta.out.String(), "No expenses yet.") {
		t.Errorf("first load output = %q", ta.out.String())
	}

	srv.AddExpense(map[string]any{"title": "Taxi", "amount": 12.0, "date": "2026-03-02T08:00:00", "category": "Transport"})
	dialer.up.Store(true)

	waitFor(t, func() bool { return strings.Contains(ta.out.String(), "1 expenses, total 12.00") })
	if !strings.Contains(ta.status.String(), "Network connected") {
		t.Errorf("status = %q", ta.status.String())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestParseSplitsAndItems(t *testing.T) {
	splits, err := parseSplits([]string{"You:ME:12.5", "Alex:AL"})
	if err != nil {
		t.Fatalf("parseSplits() error = %v", err)
	}
	if len(splits) != 2 || *splits[0].Amount != 12.5 || splits[1].Amount != nil {
		t.Errorf("splits = %+v", splits)
	}

	items, err := parseItems([]string{"Bread:2.5", "Milk:1:4"})
	if err != nil {
		t.Fatalf("parseItems() error = %v", err)
	}
	if items[0].Quantity != 1 || items[1].Quantity != 4 || items[1].Price != 1 {
		t.Errorf("items = %+v", items)
	}

	for _, bad := range []string{"Bread", "Bread:x", "Bread:1:0", ":1"} {
		if _, err := parseItems([]string{bad}); !errors.Is(err, errUsage) {
			t.Errorf("parseItems(%q) error = %v, want usage error", bad, err)
		}
	}
	for _, bad := range []string{"You", "You::1", "You:ME:x", "a:b:c:d"} {
		if _, err := parseSplits([]string{bad}); !errors.Is(err, errUsage) {
			t.Errorf("parseSplits(%q) error = %v, want usage error", bad, err)
		}
	}
}
