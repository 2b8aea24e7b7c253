package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/otel"
)

// DefaultPollInterval is how often the dashboard re-reads status.
const DefaultPollInterval = 2 * time.Second

// Commands are the side effects the dashboard can request. Any may be nil.
type Commands struct {
	LoadStatus func() tea.Cmd
	Advance    func() tea.Cmd
	Refresh    func() tea.Cmd
	ClearCache func() tea.Cmd
}

// App is the root Bubble Tea model.
// App does NOT hold the coordinator. It receives snapshots via messages.
type App struct {
	cmds     Commands
	ring     *otel.RingBuffer
	interval time.Duration
	bar      progress.Model

	status    coord.Status
	hasStatus bool
	polled    time.Time
	err       error
	width     int
	height    int
	ready     bool
	loading   bool
	showDebug bool
}

// NewApp creates the dashboard. ring may be nil, which disables the event overlay.
func NewApp(cmds Commands, ring *otel.RingBuffer, interval time.Duration) App {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return App{
		cmds:     cmds,
		ring:     ring,
		interval: interval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

func (a App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg { return StatusTick{} })
}

func (a App) load() tea.Cmd {
	if a.cmds.LoadStatus == nil {
		return nil
	}
	return a.cmds.LoadStatus()
}

// Init loads the first snapshot and starts polling.
func (a App) Init() tea.Cmd {
	if a.cmds.LoadStatus == nil {
		return nil
	}
	return tea.Batch(a.load(), a.tick())
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		return a, nil

	case StatusLoaded:
		a.loading = false
		if msg.Err != nil {
			a.err = msg.Err
			return a, nil
		}
		a.status = msg.Status
		a.hasStatus = true
		a.polled = time.Now()
		return a, nil

	case StatusTick:
		return a, tea.Batch(a.load(), a.tick())

	case HealthChanged, SlideAdvanced:
		return a, a.load()

	case CacheCleared:
		a.loading = false
		if msg.Err != nil {
			a.err = msg.Err
			return a, nil
		}
		return a, a.load()
	}

	return a, nil
}

// handleKeyMsg processes keyboard input.
func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.err != nil {
		a.err = nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "D":
		if a.ring != nil {
			a.showDebug = !a.showDebug
		}
		return a, nil

	case "n", "right":
		if a.cmds.Advance != nil {
			return a, a.cmds.Advance()
		}
		return a, nil

	case "r":
		if a.cmds.Refresh != nil {
			a.loading = true
			return a, a.cmds.Refresh()
		}
		return a, nil

	case "c":
		if a.cmds.ClearCache != nil {
			a.loading = true
			return a, a.cmds.ClearCache()
		}
		return a, nil
	}

	return a, nil
}

// View renders the UI.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}
	if a.showDebug {
		return debugOverlay(a.ring, a.width, a.height-1) + "\n" + debugStatusBar(a.width)
	}

	body := "Waiting for status..."
	if a.hasStatus {
		body = renderDashboard(a.status, a.bar, a.width)
	}
	errorBar := ""
	if a.err != nil {
		errorBar = "\n" + ErrorStyle.Width(a.width).Render("Error: "+a.err.Error()+" (press any key to dismiss)")
	}
	return body + errorBar + "\n" + renderStatusBar(a.width, a.polled, a.loading)
}

// Status returns the last snapshot (for testing).
func (a App) Status() coord.Status {
	return a.status
}

// ShowingEvents reports whether the event overlay is open (for testing).
func (a App) ShowingEvents() bool {
	return a.showDebug
}
