package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/we-expense/expense-cli/api"
	"github.com/we-expense/expense-cli/credstore"
	"github.com/we-expense/expense-cli/reachability"
	"github.com/we-expense/expense-cli/tui"
)

// errUsage marks argument errors; the process exits with status 2.
var errUsage = errors.New("usage error")

var errNotSignedIn = errors.New("not signed in")

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

// app bundles everything a command needs.
type app struct {
	cfg     *Config
	client  *api.Client
	display tui.Displayer
	logger  *slog.Logger
	stdin   *bufio.Reader
	stderr  io.Writer

	// dial overrides the reachability dialer; nil uses net.Dialer.
	dial reachability.DialFunc

	stopExpiry context.CancelFunc
	expiryDone chan struct{}
}

func newApp(c *Config, d tui.Displayer, logger *slog.Logger) (*app, error) {
	store, err := newStore(c, logger)
	if err != nil {
		return nil, err
	}

	transport, err := newTransport(c.Pins, c.Retries)
	if err != nil {
		return nil, err
	}

	client, err := api.New(api.Config{
		BaseURL:        c.ServerURL,
		Store:          store,
		Transport:      transport,
		RequestTimeout: c.Timeout,
		RefreshTimeout: refreshTokenTimeout,
		Observer:       d,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:        c,
		client:     client,
		display:    d,
		logger:     logger,
		stdin:      bufio.NewReader(os.Stdin),
		stderr:     os.Stderr,
		expiryDone: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.stopExpiry = cancel
	events, unsubscribe := client.Events().Subscribe()
	go func() {
		defer close(a.expiryDone)
		defer unsubscribe()
		a.clearOnExpiry(ctx, events)
	}()

	return a, nil
}

// clearOnExpiry signs the user out whenever a refresh fails. Events already
// queued when ctx ends are still handled.
func (a *app) clearOnExpiry(ctx context.Context, events <-chan api.SessionExpiredEvent) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					a.signOutExpired(ev)
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.signOutExpired(ev)
		}
	}
}

func (a *app) signOutExpired(ev api.SessionExpiredEvent) {
	a.logger.Info("session expired, clearing stored tokens", slog.String("endpoint", ev.Endpoint))
	if err := credstore.Clear(a.client.Store()); err != nil {
		a.logger.Warn("failed to clear stored tokens", slog.Any("error", err))
	}
}

// Close stops background work started by newApp.
func (a *app) Close() {
	a.stopExpiry()
	<-a.expiryDone
}

// command is one CLI subcommand.
type command struct {
	name    string
	summary string
	// auth commands need a stored session.
	auth bool
	run  func(ctx context.Context, a *app, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{name: "login", summary: "Sign in with email and password", run: cmdLogin},
		{name: "register", summary: "Create an account", run: cmdRegister},
		{name: "logout", summary: "Remove the stored session", run: cmdLogout},
		{name: "whoami", summary: "Show the signed-in user", auth: true, run: cmdWhoami},
		{name: "profile", summary: "Update username or subtitle", auth: true, run: cmdProfile},
		{name: "expenses", summary: "List expenses, newest first", auth: true, run: cmdExpenses},
		{name: "expense", summary: "Show one expense: expense <id>", auth: true, run: cmdExpense},
		{name: "add-expense", summary: "Create an expense", auth: true, run: cmdAddExpense},
		{name: "edit-expense", summary: "Change an expense: edit-expense <id> [flags]", auth: true, run: cmdEditExpense},
		{name: "delete-expense", summary: "Delete an expense: delete-expense <id>", auth: true, run: cmdDeleteExpense},
		{name: "items", summary: "List saved items", auth: true, run: cmdItems},
		{name: "add-item", summary: "Create a saved item", auth: true, run: cmdAddItem},
		{name: "delete-item", summary: "Delete a saved item: delete-item <id>", auth: true, run: cmdDeleteItem},
		{name: "summary", summary: "Profile, expenses and totals per category", auth: true, run: cmdSummary},
		{name: "watch", summary: "List expenses and reload when the network comes back", auth: true, run: cmdWatch},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// dispatch runs the command named by args[0].
func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageErrorf("missing command")
	}
	cmd, ok := lookupCommand(args[0])
	if !ok {
		return usageErrorf("unknown command %q", args[0])
	}

	if cmd.auth {
		if !credstore.HasSession(a.client.Store()) {
			a.display.SessionNotFound()
			return errNotSignedIn
		}
		a.display.SessionFound()
	}

	a.logger.Debug("running command", slog.String("command", cmd.name), slog.String("profile", a.cfg.Profile))
	return cmd.run(ctx, a, args[1:])
}

func (a *app) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

// prompt reads one line from stdin when value is empty.
func (a *app) prompt(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(a.stderr, "%s: ", label)
	line, err := a.stdin.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

func idArg(fs *flag.FlagSet, what string) (uuid.UUID, error) {
	if fs.NArg() != 1 {
		return uuid.Nil, usageErrorf("%s needs exactly one id", fs.Name())
	}
	id, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		return uuid.Nil, usageErrorf("invalid %s id %q", what, fs.Arg(0))
	}
	return id, nil
}

func cmdLogin(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("login")
	email := fs.String("email", os.Getenv("EXPENSE_EMAIL"), "Account email (or EXPENSE_EMAIL env)")
	password := fs.String("password", os.Getenv("EXPENSE_PASSWORD"), "Account password (or EXPENSE_PASSWORD env)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var err error
	if *email, err = a.prompt(*email, "Email"); err != nil {
		return err
	}
	if *password, err = a.prompt(*password, "Password"); err != nil {
		return err
	}

	a.display.Working("Signing in")
	if _, err := a.client.Login(ctx, *email, *password); err != nil {
		return err
	}
	a.display.SignedIn(*email)
	return nil
}

func cmdRegister(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("register")
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password")
	username := fs.String("username", "", "Display name (optional)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var err error
	if *email, err = a.prompt(*email, "Email"); err != nil {
		return err
	}
	if *password, err = a.prompt(*password, "Password"); err != nil {
		return err
	}

	req := api.RegisterRequest{Email: *email, Password: *password}
	if *username != "" {
		req.Username = username
	}

	a.display.Working("Creating account")
	user, err := a.client.Register(ctx, req)
	if err != nil {
		return err
	}
	a.display.Registered(user)
	return nil
}

func cmdLogout(_ context.Context, a *app, _ []string) error {
	if err := a.client.Logout(); err != nil {
		return err
	}
	a.display.SignedOut()
	return nil
}

func cmdWhoami(ctx context.Context, a *app, _ []string) error {
	a.display.Working("Loading profile")
	user, err := a.client.CurrentUser(ctx)
	if err != nil {
		return err
	}
	a.display.Profile(user)
	return nil
}

func cmdProfile(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("profile")
	username := fs.String("username", "", "New display name")
	subtitle := fs.String("subtitle", "", "New subtitle")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	var update api.UserUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "username":
			update.Username = username
		case "subtitle":
			update.Subtitle = subtitle
		}
	})
	if update.Username == nil && update.Subtitle == nil {
		return usageErrorf("profile needs -username or -subtitle")
	}

	a.display.Working("Updating profile")
	user, err := a.client.UpdateProfile(ctx, update)
	if err != nil {
		return err
	}
	a.display.Profile(user)
	return nil
}

// listFilter holds the -category and -search flags shared by the list views.
type listFilter struct {
	category string
	search   string
	parsed   api.ExpenseCategory
}

func newListFilter(fs *flag.FlagSet) *listFilter {
	f := &listFilter{}
	fs.StringVar(&f.category, "category", "", "Only show this category (Lodging, Food, Fun, Transport)")
	fs.StringVar(&f.search, "search", "", "Only show expenses whose title contains this text")
	return f
}

// validate runs after flag parsing so a bad category fails before any request.
func (f *listFilter) validate() error {
	if f.category == "" {
		return nil
	}
	c, err := api.ParseCategory(f.category)
	if err != nil {
		return usageErrorf("%v", err)
	}
	f.parsed = c
	return nil
}

// apply returns the matching expenses, newest first.
func (f *listFilter) apply(list []api.Expense) []api.Expense {
	out := api.FilterExpenses(list, f.parsed, f.search)
	api.SortNewestFirst(out)
	return out
}

func cmdExpenses(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("expenses")
	filter := newListFilter(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := filter.validate(); err != nil {
		return err
	}

	a.display.Working("Loading expenses")
	list, err := a.client.Expenses(ctx)
	if err != nil {
		return err
	}
	a.display.Expenses(filter.apply(list))
	return nil
}

func cmdExpense(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("expense")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, "expense")
	if err != nil {
		return err
	}

	a.display.Working("Loading expense")
	e, err := a.client.Expense(ctx, id)
	if err != nil {
		return err
	}
	a.display.ExpenseDetail(e)
	return nil
}

// expenseFlags are shared by add-expense and edit-expense.
type expenseFlags struct {
	fs        *flag.FlagSet
	title     *string
	amount    *float64
	category  *string
	date      *string
	recipient *string
	splits    stringList
	items     stringList
}

func newExpenseFlags(fs *flag.FlagSet) *expenseFlags {
	ef := &expenseFlags{fs: fs}
	ef.title = fs.String("title", "", "Expense title")
	ef.amount = fs.Float64("amount", 0, "Total amount")
	ef.category = fs.String("category", "", "Lodging, Food, Fun or Transport")
	ef.date = fs.String("date", "", "Date, YYYY-MM-DD or ISO-8601 (default: now)")
	ef.recipient = fs.String("recipient", "", "Email to notify (optional)")
	fs.Var(&ef.splits, "split", "Split as name:initials[:amount]; repeatable")
	fs.Var(&ef.items, "item", "Line item as name:price[:quantity]; repeatable")
	return ef
}

func (ef *expenseFlags) set(name string) bool {
	found := false
	ef.fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// apply copies the flags that were given onto e.
func (ef *expenseFlags) apply(e *api.ExpenseCreate) error {
	if ef.set("title") {
		e.Title = *ef.title
	}
	if ef.set("amount") {
		e.Amount = *ef.amount
	}
	if ef.set("category") {
		c, err := api.ParseCategory(*ef.category)
		if err != nil {
			return usageErrorf("%v", err)
		}
		e.Category = c
	}
	if ef.set("date") {
		t, err := parseDateArg(*ef.date)
		if err != nil {
			return usageErrorf("%v", err)
		}
		e.Date = api.NewTime(t)
	}
	if ef.set("recipient") {
		e.RecipientEmail = ef.recipient
	}
	if len(ef.splits) > 0 {
		splits, err := parseSplits(ef.splits)
		if err != nil {
			return err
		}
		e.Splits = splits
	}
	if len(ef.items) > 0 {
		items, err := parseItems(ef.items)
		if err != nil {
			return err
		}
		e.Items = items
	}
	return nil
}

func parseDateArg(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, time.Local); err == nil {
		return t, nil
	}
	return api.ParseDate(s)
}

func parseSplits(values []string) ([]api.SplitCreate, error) {
	splits := make([]api.SplitCreate, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, usageErrorf("invalid split %q, want name:initials[:amount]", v)
		}
		split := api.SplitCreate{Name: parts[0], Initials: parts[1]}
		if len(parts) == 3 {
			amount, err := strconv.ParseFloat(parts[2], 64)
			if err != nil {
				return nil, usageErrorf("invalid split amount in %q", v)
			}
			split.Amount = &amount
		}
		splits = append(splits, split)
	}
	return splits, nil
}

func parseItems(values []string) ([]api.ExpenseItemCreate, error) {
	items := make([]api.ExpenseItemCreate, 0, len(values))
	for _, v := range values {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, usageErrorf("invalid item %q, want name:price[:quantity]", v)
		}
		price, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, usageErrorf("invalid item price in %q", v)
		}
		item := api.ExpenseItemCreate{Name: parts[0], Price: price, Quantity: 1}
		if len(parts) == 3 {
			qty, err := strconv.Atoi(parts[2])
			if err != nil || qty < 1 {
				return nil, usageErrorf("invalid item quantity in %q", v)
			}
			item.Quantity = qty
		}
		items = append(items, item)
	}
	return items, nil
}

func cmdAddExpense(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("add-expense")
	ef := newExpenseFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *ef.title == "" || *ef.category == "" || !ef.set("amount") {
		return usageErrorf("add-expense needs -title, -amount and -category")
	}

	e := api.ExpenseCreate{Date: api.NewTime(time.Now())}
	if err := ef.apply(&e); err != nil {
		return err
	}

	a.display.Working("Saving expense")
	saved, err := a.client.CreateExpense(ctx, e)
	if err != nil {
		return err
	}
	a.display.ExpenseSaved(saved)
	return nil
}

func cmdEditExpense(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("edit-expense")
	ef := newExpenseFlags(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, "expense")
	if err != nil {
		return err
	}

	a.display.Working("Loading expense")
	current, err := a.client.Expense(ctx, id)
	if err != nil {
		return err
	}

	e := expenseToCreate(current)
	if err := ef.apply(&e); err != nil {
		return err
	}

	a.display.Working("Saving expense")
	saved, err := a.client.UpdateExpense(ctx, id, e)
	if err != nil {
		return err
	}
	a.display.ExpenseSaved(saved)
	return nil
}

// expenseToCreate turns a fetched expense back into a replace body.
func expenseToCreate(e api.Expense) api.ExpenseCreate {
	out := api.ExpenseCreate{
		Title:          e.Title,
		Amount:         e.Amount,
		Date:           e.Date,
		Category:       e.Category,
		ReceiptData:    e.ReceiptData,
		RecipientEmail: e.RecipientEmail,
		Splits:         make([]api.SplitCreate, 0, len(e.Splits)),
		Items:          make([]api.ExpenseItemCreate, 0, len(e.Items)),
	}
	for _, s := range e.Splits {
		out.Splits = append(out.Splits, api.SplitCreate{Name: s.Name, Initials: s.Initials, Amount: s.Amount})
	}
	for _, it := range e.Items {
		out.Items = append(out.Items, api.ExpenseItemCreate{
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			ImageData: it.ImageData,
		})
	}
	return out
}

func cmdDeleteExpense(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("delete-expense")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, "expense")
	if err != nil {
		return err
	}

	a.display.Working("Deleting expense")
	if err := a.client.DeleteExpense(ctx, id); err != nil {
		return err
	}
	a.display.Deleted("expense", id.String())
	return nil
}

func cmdItems(ctx context.Context, a *app, _ []string) error {
	a.display.Working("Loading saved items")
	items, err := a.client.SavedItems(ctx)
	if err != nil {
		return err
	}
	a.display.SavedItems(items)
	return nil
}

func cmdAddItem(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("add-item")
	name := fs.String("name", "", "Item name")
	price := fs.Float64("price", 0, "Default price")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *name == "" {
		return usageErrorf("add-item needs -name")
	}

	a.display.Working("Saving item")
	item, err := a.client.CreateSavedItem(ctx, api.SavedItemCreate{Name: *name, DefaultPrice: *price})
	if err != nil {
		return err
	}
	a.display.SavedItemSaved(item)
	return nil
}

func cmdDeleteItem(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("delete-item")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := idArg(fs, "item")
	if err != nil {
		return err
	}

	a.display.Working("Deleting item")
	if err := a.client.DeleteSavedItem(ctx, id); err != nil {
		return err
	}
	a.display.Deleted("item", id.String())
	return nil
}

// cmdSummary loads the three resources concurrently. When the access token
// has expired all three hit 401 together and share one refresh.
func cmdSummary(ctx context.Context, a *app, _ []string) error {
	a.display.Working("Loading summary")

	var (
		user     api.User
		expenses []api.Expense
		items    []api.SavedItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = a.client.CurrentUser(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = a.client.Expenses(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		items, err = a.client.SavedItems(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.display.Summary(user, expenses, items)
	return nil
}

// cmdWatch shows the expense list and reloads it when connectivity returns
// after a failed or empty load. It runs until ctx is cancelled.
func cmdWatch(ctx context.Context, a *app, args []string) error {
	fs := a.flagSet("watch")
	interval := fs.Duration("interval", defaultCheckInterval, "Reachability check interval")
	filter := newListFilter(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := filter.validate(); err != nil {
		return err
	}

	monitor, err := reachability.NewMonitor(a.cfg.ServerURL, reachability.Options{
		Interval: *interval,
		Dial:     a.dial,
		Logger:   a.logger,
	})
	if err != nil {
		return err
	}

	var needsReload atomic.Bool
	load := func(ctx context.Context) error {
		a.display.Working("Loading expenses")
		list, err := a.client.Expenses(ctx)
		if err != nil {
			needsReload.Store(true)
			if api.IsSessionExpired(err) {
				return err
			}
			a.display.Fatal(err)
			return err
		}
		needsReload.Store(len(list) == 0)
		a.display.Expenses(filter.apply(list))
		return nil
	}

	if err := load(ctx); err != nil && api.IsSessionExpired(err) {
		return err
	}

	changes, unsubscribe := monitor.Subscribe()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case up, ok := <-changes:
				if !ok {
					return
				}
				a.display.Connectivity(up)
			}
		}
	}()

	reachability.RetryOnReconnect(ctx, monitor, needsReload.Load, load, a.logger)
	wg.Wait()
	return nil
}
