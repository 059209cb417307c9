package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tea "charm.land/bubbletea/v2"

	"github.com/we-expense/expense-cli/credstore"
	"github.com/we-expense/expense-cli/tui"
)

var (
	cfg               *Config
	configInitialized bool
)

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Usage = usage
	flag.Parse()

	var err error
	cfg, err = resolveConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(cfg.ServerURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: expense-cli [flags] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-16s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Flags:")
	flag.PrintDefaults()
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// newLogger builds the process logger. In TUI mode logs would corrupt the
// screen, so they are discarded unless a log file is configured.
func newLogger(c *Config, tty bool) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})), f, nil
	}
	if tty {
		return slog.New(slog.DiscardHandler), io.NopCloser(nil), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), io.NopCloser(nil), nil
}

// newStore opens the configured credential backend.
func newStore(c *Config, logger *slog.Logger) (credstore.Store, error) {
	switch c.CredentialStore {
	case storeKeyring:
		service := credstore.DefaultKeyringService
		if c.Profile != defaultProfile {
			service += "." + c.Profile
		}
		return credstore.NewKeyringStore(service), nil
	case storeMemory:
		return credstore.NewMemoryStore(), nil
	default:
		return credstore.NewFileStore(c.TokenFile, c.Profile, logger)
	}
}

func main() {
	initConfig()

	tty := isTTY()
	logger, logCloser, err := newLogger(cfg, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		runErr := run(d, logger, args)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(exitCode(runErr))
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stdout, os.Stderr)
		if err := run(d, logger, args); err != nil {
			os.Exit(exitCode(err))
		}
	}
}

func exitCode(err error) int {
	if errors.Is(err, errUsage) {
		return 2
	}
	return 1
}

func run(d tui.Displayer, logger *slog.Logger, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.Close()

	d.Banner(cfg.ServerURL)
	if err := a.dispatch(ctx, args); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			return err
		}
		d.Fatal(err)
		return err
	}
	d.Done()
	return nil
}
