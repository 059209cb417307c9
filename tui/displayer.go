package tui

import (
	"fmt"
	"io"
	"sync"

	tea "charm.land/bubbletea/v2"

	"github.com/we-expense/expense-cli/api"
)

// Displayer abstracts all output from the CLI commands. It also receives the
// client's refresh notifications through api.Observer.
type Displayer interface {
	api.Observer

	Banner(server string)
	SessionFound()
	SessionNotFound()
	Working(task string)
	SignedIn(email string)
	SignedOut()
	Registered(user api.User)
	Profile(user api.User)
	Expenses(list []api.Expense)
	ExpenseDetail(e api.Expense)
	ExpenseSaved(e api.Expense)
	Deleted(kind, id string)
	SavedItems(items []api.SavedItem)
	SavedItemSaved(item api.SavedItem)
	Summary(user api.User, expenses []api.Expense, items []api.SavedItem)
	Connectivity(connected bool)
	Done()
	Fatal(err error)
}

// PlainDisplayer writes command results to out and progress to status.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu     sync.Mutex
	out    io.Writer
	status io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer.
func NewPlainDisplayer(out, status io.Writer) *PlainDisplayer {
	return &PlainDisplayer{out: out, status: status}
}

func (p *PlainDisplayer) result(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, text)
}

func (p *PlainDisplayer) statusf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.status, format+"\n", args...)
}

func (p *PlainDisplayer) Banner(server string) {
	p.statusf("=== We-Expense CLI (%s) ===", server)
}

func (p *PlainDisplayer) SessionFound() {}

func (p *PlainDisplayer) SessionNotFound() {
	p.statusf("Not signed in. Run: expense-cli login")
}

func (p *PlainDisplayer) Working(task string) {
	p.statusf("%s...", task)
}

func (p *PlainDisplayer) SignedIn(email string) {
	p.statusf("Signed in as %s", email)
}

func (p *PlainDisplayer) SignedOut() {
	p.statusf("Signed out.")
}

func (p *PlainDisplayer) Registered(user api.User) {
	p.statusf("Account created for %s. Run: expense-cli login", user.Email)
}

func (p *PlainDisplayer) AccessTokenRejected(endpoint string) {
	p.statusf("Access token rejected (401) on %s, refreshing...", endpoint)
}

func (p *PlainDisplayer) TokenRefreshedRetrying(endpoint string) {
	p.statusf("Token refreshed, retrying %s...", endpoint)
}

func (p *PlainDisplayer) SessionExpired(string) {
	p.statusf("Session expired. Please sign in again.")
}

func (p *PlainDisplayer) Profile(user api.User) {
	p.result(FormatUser(user))
}

func (p *PlainDisplayer) Expenses(list []api.Expense) {
	p.result(FormatExpenses(list))
}

func (p *PlainDisplayer) ExpenseDetail(e api.Expense) {
	p.result(FormatExpense(e))
}

func (p *PlainDisplayer) ExpenseSaved(e api.Expense) {
	p.statusf("Saved expense %s", e.ID)
	p.result(FormatExpense(e))
}

func (p *PlainDisplayer) Deleted(kind, id string) {
	p.statusf("Deleted %s %s", kind, id)
}

func (p *PlainDisplayer) SavedItems(items []api.SavedItem) {
	p.result(FormatSavedItems(items))
}

func (p *PlainDisplayer) SavedItemSaved(item api.SavedItem) {
	p.statusf("Saved item %s", item.ID)
}

func (p *PlainDisplayer) Summary(user api.User, expenses []api.Expense, items []api.SavedItem) {
	p.result(FormatSummary(user, expenses, items))
}

func (p *PlainDisplayer) Connectivity(connected bool) {
	if connected {
		p.statusf("Network connected.")
		return
	}
	p.statusf("Network disconnected.")
}

func (p *PlainDisplayer) Done() {}

func (p *PlainDisplayer) Fatal(err error) {
	p.statusf("Error: %s", api.Message(err))
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                                        {}
func (NoopDisplayer) SessionFound()                                          {}
func (NoopDisplayer) SessionNotFound()                                       {}
func (NoopDisplayer) Working(_ string)                                       {}
func (NoopDisplayer) SignedIn(_ string)                                      {}
func (NoopDisplayer) SignedOut()                                             {}
func (NoopDisplayer) Registered(_ api.User)                                  {}
func (NoopDisplayer) AccessTokenRejected(_ string)                           {}
func (NoopDisplayer) TokenRefreshedRetrying(_ string)                        {}
func (NoopDisplayer) SessionExpired(_ string)                                {}
func (NoopDisplayer) Profile(_ api.User)                                     {}
func (NoopDisplayer) Expenses(_ []api.Expense)                               {}
func (NoopDisplayer) ExpenseDetail(_ api.Expense)                            {}
func (NoopDisplayer) ExpenseSaved(_ api.Expense)                             {}
func (NoopDisplayer) Deleted(_, _ string)                                    {}
func (NoopDisplayer) SavedItems(_ []api.SavedItem)                           {}
func (NoopDisplayer) SavedItemSaved(_ api.SavedItem)                         {}
func (NoopDisplayer) Summary(_ api.User, _ []api.Expense, _ []api.SavedItem) {}
func (NoopDisplayer) Connectivity(_ bool)                                    {}
func (NoopDisplayer) Done()                                                  {}
func (NoopDisplayer) Fatal(_ error)                                          {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(server string) {
	t.p.Send(MsgBanner{Server: server})
}

func (t *ProgramDisplayer) SessionFound() {
	t.p.Send(MsgSessionFound{})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) Working(task string) {
	t.p.Send(MsgWorking{Task: task})
}

func (t *ProgramDisplayer) SignedIn(email string) {
	t.p.Send(MsgSignedIn{Email: email})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) Registered(user api.User) {
	t.p.Send(MsgRegistered{User: user})
}

func (t *ProgramDisplayer) AccessTokenRejected(endpoint string) {
	t.p.Send(MsgAccessTokenRejected{Endpoint: endpoint})
}

func (t *ProgramDisplayer) TokenRefreshedRetrying(endpoint string) {
	t.p.Send(MsgTokenRefreshedRetrying{Endpoint: endpoint})
}

func (t *ProgramDisplayer) SessionExpired(endpoint string) {
	t.p.Send(MsgSessionExpired{Endpoint: endpoint})
}

func (t *ProgramDisplayer) Profile(user api.User) {
	t.p.Send(MsgResult{Title: "Profile", Body: FormatUser(user)})
}

func (t *ProgramDisplayer) Expenses(list []api.Expense) {
	t.p.Send(MsgResult{Title: "Expenses", Body: FormatExpenses(list)})
}

func (t *ProgramDisplayer) ExpenseDetail(e api.Expense) {
	t.p.Send(MsgResult{Title: "Expense", Body: FormatExpense(e)})
}

func (t *ProgramDisplayer) ExpenseSaved(e api.Expense) {
	t.p.Send(MsgNotice{Text: "Saved expense " + e.ID.String()})
	t.p.Send(MsgResult{Title: "Expense", Body: FormatExpense(e)})
}

func (t *ProgramDisplayer) Deleted(kind, id string) {
	t.p.Send(MsgNotice{Text: fmt.Sprintf("Deleted %s %s", kind, id)})
}

func (t *ProgramDisplayer) SavedItems(items []api.SavedItem) {
	t.p.Send(MsgResult{Title: "Saved items", Body: FormatSavedItems(items)})
}

func (t *ProgramDisplayer) SavedItemSaved(item api.SavedItem) {
	t.p.Send(MsgNotice{Text: "Saved item " + item.ID.String()})
}

func (t *ProgramDisplayer) Summary(user api.User, expenses []api.Expense, items []api.SavedItem) {
	t.p.Send(MsgResult{Title: "Summary", Body: FormatSummary(user, expenses, items)})
}

func (t *ProgramDisplayer) Connectivity(connected bool) {
	t.p.Send(MsgConnectivity{Connected: connected})
}

func (t *ProgramDisplayer) Done() {
	t.p.Send(MsgDone{})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
