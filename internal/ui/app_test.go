package ui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abelbrown/photoframe/internal/coord"
	"github.com/abelbrown/photoframe/internal/media"
	"github.com/abelbrown/photoframe/internal/offline"
	"github.com/abelbrown/photoframe/internal/store"
)

// mockCmds tracks which command functions were called.
type mockCmds struct {
	loads    int
	advances int
	refresh  int
	clears   int
	status   coord.Status
}

func (m *mockCmds) commands() Commands {
	return Commands{
		LoadStatus: func() tea.Cmd {
			m.loads++
			st := m.status
			return func() tea.Msg { return StatusLoaded{Status: st} }
		},
		Advance: func() tea.Cmd {
			m.advances++
			return func() tea.Msg { return SlideAdvanced{OK: true} }
		},
		Refresh: func() tea.Cmd {
			m.refresh++
			return nil
		},
		ClearCache: func() tea.Cmd {
			m.clears++
			return func() tea.Msg { return CacheCleared{} }
		},
	}
}

func sampleStatus() coord.Status {
	cur := media.Item{ID: "p1", SourceID: "home", Metadata: media.Metadata{FileName: "beach.jpg", City: "Lisbon", Country: "Portugal"}}
	return coord.Status{
		Status:    offline.Status{Offline: true, OfflineSources: []string{"Home"}, NetworkOnline: true},
		Current:   &cur,
		Index:     0,
		ItemCount: 12,
		Window:    []string{"p1", "p2", "p3"},
		Sources: []coord.SourceStatus{
			{ID: "home", Name: "Home", Enabled: true, Online: false, ConsecutiveFailures: 3, LastError: "connection refused", Items: 12},
			{ID: "cabin", Name: "Cabin", Enabled: false},
		},
		Cache: store.Stats{TotalBytes: 5 << 20, EntryCount: 4, CapacityBytes: 10 << 20},
	}
}

func send(t *testing.T, m tea.Model, msg tea.Msg) (App, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(App), cmd
}

func TestAppInit(t *testing.T) {
	mock := &mockCmds{}
	app := NewApp(mock.commands(), nil, time.Second)

	if cmd := app.Init(); cmd == nil {
		t.Fatal("Init should return a command")
	}
	if mock.loads != 1 {
		t.Errorf("Init should load status once, got %d", mock.loads)
	}
}

func TestAppInitNilLoadStatus(t *testing.T) {
	app := NewApp(Commands{}, nil, 0)
	if cmd := app.Init(); cmd != nil {
		t.Error("Init should return nil without a loader")
	}
}

func TestAppStatusLoaded(t *testing.T) {
	app := NewApp(Commands{}, nil, 0)
	app, _ = send(t, app, tea.WindowSizeMsg{Width: 100, Height: 40})
	app, _ = send(t, app, StatusLoaded{Status: sampleStatus()})

	if app.Status().ItemCount != 12 {
		t.Errorf("status not stored")
	}
	view := app.View()
	for _, want := range []string{"OFFLINE: Home", "beach.jpg", "Lisbon, Portugal", "5.2 MB / 10 MB", "connection refused", "disabled", "p1 p2 p3"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestAppStatusError(t *testing.T) {
	app := NewApp(Commands{}, nil, 0)
	app, _ = send(t, app, tea.WindowSizeMsg{Width: 80, Height: 24})
	app, _ = send(t, app, StatusLoaded{Err: errors.New("db closed")})

	if !strings.Contains(app.View(), "db closed") {
		t.Error("error should be shown")
	}
	app, _ = send(t, app, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if strings.Contains(app.View(), "db closed") {
		t.Error("key press should dismiss error")
	}
}

func TestAppKeys(t *testing.T) {
	mock := &mockCmds{}
	app := NewApp(mock.commands(), nil, 0)

	app, cmd := send(t, app, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	if mock.advances != 1 || cmd == nil {
		t.Error("n should advance")
	}
	app, _ = send(t, app, cmd())
	if mock.loads != 1 {
		t.Error("advance should reload status")
	}

	app, _ = send(t, app, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	if mock.refresh != 1 {
		t.Error("r should request a refresh")
	}

	app, cmd = send(t, app, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if mock.clears != 1 {
		t.Error("c should clear the cache")
	}
	send(t, app, cmd())
	if mock.loads != 2 {
		t.Error("clearing should reload status")
	}

	_, cmd = send(t, app, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should return a command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestAppHealthChangeReloads(t *testing.T) {
	mock := &mockCmds{}
	app := NewApp(mock.commands(), nil, 0)
	send(t, app, HealthChanged{SourceID: "home", Online: false})
	if mock.loads != 1 {
		t.Error("health edge should reload status")
	}
}

func TestAppViewBeforeReady(t *testing.T) {
	app := NewApp(Commands{}, nil, 0)
	if app.View() != "Loading..." {
		t.Error("expected loading text before first resize")
	}
}

func TestRenderDashboardOnline(t *testing.T) {
	app := NewApp(Commands{}, nil, 0)
	st := coord.Status{Status: offline.Status{OfflineSources: []string{}, NetworkOnline: true}}
	out := renderDashboard(st, app.bar, 80)
	if !strings.Contains(out, "online") || strings.Contains(out, "OFFLINE") {
		t.Errorf("unexpected dashboard:\n%s", out)
	}
	if !strings.Contains(out, "no items") || !strings.Contains(out, "none configured") {
		t.Errorf("empty state missing:\n%s", out)
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"longer text", 5, "long…"},
		{"héllo wörld", 4, "hél…"},
	}
	for _, tt := range tests {
		if got := truncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
