package tui

import (
	"fmt"
	"strings"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/we-expense/expense-cli/api"
)

// state represents the current phase of a command.
type state int

const (
	stateInit    state = iota
	stateWorking       // request in flight
	stateResult        // result panel visible
	stateDone          // command finished
	stateError         // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// maxStatusLines bounds the status log for long-running commands.
const maxStatusLines = 12

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	server    string
	task      string
	connected bool

	resultTitle string
	resultBody  string
	errMsg      string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleResultBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:     stateInit,
		spinner:   s,
		connected: true,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── command messages ────────────────────────────────────────────────────

	case MsgBanner:
		m.server = msg.Server
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, "Found stored session")
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusWarn, "Not signed in. Run: expense-cli login")
		return m, nil

	case MsgWorking:
		m.task = msg.Task
		if m.state != stateResult {
			m.state = stateWorking
		}
		m.addStatus(statusInfo, msg.Task)
		return m, nil

	case MsgSignedIn:
		m.addStatus(statusOK, "Signed in as "+msg.Email)
		return m, nil

	case MsgSignedOut:
		m.addStatus(statusOK, "Signed out")
		return m, nil

	case MsgRegistered:
		m.addStatus(statusOK, "Account created for "+msg.User.Email)
		return m, nil

	case MsgAccessTokenRejected:
		m.addStatus(statusWarn, fmt.Sprintf("Access token rejected (401) on %s, refreshing...", msg.Endpoint))
		return m, nil

	case MsgTokenRefreshedRetrying:
		m.addStatus(statusOK, fmt.Sprintf("Token refreshed, retrying %s", msg.Endpoint))
		return m, nil

	case MsgSessionExpired:
		m.addStatus(statusWarn, "Session expired, please sign in again")
		return m, nil

	case MsgConnectivity:
		m.connected = msg.Connected
		if msg.Connected {
			m.addStatus(statusOK, "Network connected")
		} else {
			m.addStatus(statusWarn, "Network disconnected")
		}
		return m, nil

	case MsgResult:
		m.resultTitle = msg.Title
		m.resultBody = msg.Body
		m.task = ""
		m.state = stateResult
		return m, nil

	case MsgNotice:
		kind := statusOK
		if msg.Warn {
			kind = statusWarn
		}
		m.addStatus(kind, msg.Text)
		return m, nil

	case MsgDone:
		if m.state != stateResult {
			m.state = stateDone
		}
		m.task = ""
		return m, nil

	case MsgFatal:
		m.errMsg = api.Message(msg.Err)
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	var b strings.Builder
	b.WriteString(m.viewHeader())

	switch m.state {
	case stateError:
		b.WriteString(m.viewError())
	case stateResult:
		b.WriteString(m.viewResult())
	case stateDone:
	default:
		b.WriteString(m.viewWorking())
	}

	b.WriteString(m.viewStatusLog())
	return tea.NewView(b.String())
}

func (m Model) viewHeader() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  We-Expense  "))
	if m.server != "" {
		b.WriteString(" ")
		b.WriteString(styleDim.Render(m.server))
	}
	if !m.connected {
		b.WriteString(" ")
		b.WriteString(styleWarn.Render("offline"))
	}
	b.WriteString("\n\n")
	return b.String()
}

// viewWorking is shown while a request is in flight.
func (m Model) viewWorking() string {
	task := m.task
	if task == "" {
		task = "Initializing"
	}
	return m.spinner.View() + " " + task + "...\n"
}

// viewResult renders the latest result in a box.
func (m Model) viewResult() string {
	var b strings.Builder
	if m.resultTitle != "" {
		b.WriteString(styleBold.Render(m.resultTitle))
		b.WriteString("\n")
	}
	b.WriteString(styleResultBox.Render(m.resultBody))
	b.WriteString("\n")
	if m.task != "" {
		b.WriteString(m.spinner.View() + " " + m.task + "...\n")
	}
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder
	b.WriteString(styleErr.Render("  ✗ Command failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past
// maxStatusLines.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if over := len(m.statusLines) - maxStatusLines; over > 0 {
		m.statusLines = m.statusLines[over:]
	}
}
