// Package progress renders the indexer's progress notifications as a
// terminal view.
package progress

import (
	"context"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/keys"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/sync"
	"github.com/nhle/mailindex/internal/theme"
)

const (
	// statsInterval is how often the datastore counts are refreshed.
	statsInterval = 2 * time.Second

	// maxRecent is the number of finished folders listed.
	maxRecent = 5
)

// Indexer is the part of the indexer the view drives.
type Indexer interface {
	AddListener(fn indexer.ListenerFunc) indexer.ListenerID
	RemoveListener(id indexer.ListenerID)
	IndexEverything(ctx context.Context) error
	QueueLen() int
}

// StatsFunc reads the datastore counts.
type StatsFunc func(ctx context.Context) (*model.IndexStats, error)

// ProgressMsg carries the latest progress notification.
type ProgressMsg indexer.Progress

type statsMsg struct {
	stats *model.IndexStats
	err   error
}

type statsTickMsg struct{}

type refreshedMsg struct {
	err error
}

// feed coalesces progress notifications so that a slow terminal never
// blocks the indexer. Only the latest notification is kept.
type feed struct {
	mu     gosync.Mutex
	latest indexer.Progress
	ready  chan struct{}
}

func newFeed() *feed {
	return &feed{ready: make(chan struct{}, 1)}
}

func (f *feed) publish(p indexer.Progress) {
	f.mu.Lock()
	f.latest = p
	f.mu.Unlock()

	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *feed) wait() tea.Cmd {
	return func() tea.Msg {
		<-f.ready
		f.mu.Lock()
		defer f.mu.Unlock()
		return ProgressMsg(f.latest)
	}
}

// Model is the progress view.
type Model struct {
	ix     Indexer
	stats  StatsFunc
	poller *sync.Poller

	feed       *feed
	listenerID indexer.ListenerID

	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model
	bar     progress.Model

	width  int
	height int

	current  indexer.Progress
	recent   []string
	counts   *model.IndexStats
	err      error
	pollErr  string
	showHelp bool
}

// Option configures a Model.
type Option func(*Model)

// WithPoller shows the poller's results and lets refresh trigger it.
func WithPoller(p *sync.Poller) Option {
	return func(m *Model) { m.poller = p }
}

// New returns a view subscribed to ix. Call Close once the program exits.
func New(ix Indexer, stats StatsFunc, opts ...Option) *Model {
	m := &Model{
		ix:      ix,
		stats:   stats,
		feed:    newFeed(),
		keys:    keys.DefaultKeyMap(),
		help:    help.New(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(lipgloss.NewStyle().Foreground(theme.ColorYellow))),
		bar:     progress.New(progress.WithDefaultGradient()),
		current: indexer.Progress{Status: indexer.StatusIdle},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.listenerID = ix.AddListener(m.feed.publish)
	return m
}

// Close unsubscribes from the indexer.
func (m *Model) Close() {
	m.ix.RemoveListener(m.listenerID)
}

// Init returns the initial commands.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, m.feed.wait(), m.fetchStats()}
	if m.poller != nil {
		cmds = append(cmds, m.poller.WaitForResult())
	}
	return tea.Batch(cmds...)
}

// Update handles messages for the progress view.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.bar.Width = max(10, msg.Width-24)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		}
		return m, nil

	case ProgressMsg:
		m.apply(indexer.Progress(msg))
		return m, m.feed.wait()

	case statsMsg:
		m.counts, m.err = msg.stats, msg.err
		return m, tea.Tick(statsInterval, func(time.Time) tea.Msg { return statsTickMsg{} })

	case statsTickMsg:
		return m, m.fetchStats()

	case refreshedMsg:
		m.err = msg.err
		return m, nil

	case sync.PollResultMsg:
		switch {
		case msg.AuthError != nil:
			m.pollErr = msg.AuthError.Message
		case msg.Error != nil:
			m.pollErr = msg.Error.Error()
		default:
			m.pollErr = ""
		}
		return m, m.poller.WaitForResult()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// apply records p, remembering the folder that was just finished.
func (m *Model) apply(p indexer.Progress) {
	if m.current.Folder != "" && m.current.Folder != p.Folder {
		m.recent = append([]string{m.current.Folder}, m.recent...)
		if len(m.recent) > maxRecent {
			m.recent = m.recent[:maxRecent]
		}
	}
	m.current = p
}

func (m *Model) fetchStats() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), statsInterval)
		defer cancel()
		stats, err := m.stats(ctx)
		return statsMsg{stats: stats, err: err}
	}
}

func (m *Model) refresh() tea.Cmd {
	if m.poller != nil {
		m.poller.Refresh()
		return nil
	}
	return func() tea.Msg {
		return refreshedMsg{err: m.ix.IndexEverything(context.Background())}
	}
}

// state is the word shown in the header.
func (m *Model) state() string {
	switch {
	case m.err != nil || m.pollErr != "":
		return "error"
	case m.current.Idle():
		return "idle"
	default:
		return "indexing"
	}
}

// View renders the progress view.
func (m *Model) View() string {
	f := frame{width: m.width}

	m.help.ShowAll = m.showHelp

	return f.render(
		f.header("mailindex", m.state()),
		m.content(),
		f.statusBar(m.help.View(m.keys)),
	)
}

func (m *Model) content() string {
	var lines []string

	if m.current.Idle() {
		lines = append(lines, row("Status", indexer.StatusIdle))
	} else {
		lines = append(lines,
			row("Status", m.spinner.View()+" "+m.current.Status),
			row("Folder", fmt.Sprintf("%d of %d", m.current.FolderIndex, m.current.FolderTotal)),
			row("Messages", fmt.Sprintf("%d of %d", m.current.MessageIndex, m.current.MessageTotal)),
			row("", m.bar.ViewAs(percent(m.current.MessageIndex, m.current.MessageTotal))),
		)
	}
	lines = append(lines, row("Queued", fmt.Sprintf("%d", m.ix.QueueLen())))

	if m.counts != nil {
		lines = append(lines, "",
			row("Conversations", fmt.Sprintf("%d", m.counts.Conversations)),
			row("Messages", fmt.Sprintf("%d", m.counts.Messages)),
			row("Ghosts", fmt.Sprintf("%d", m.counts.Ghosts)),
			row("Folders", fmt.Sprintf("%d", m.counts.Folders)),
		)
	}

	if len(m.recent) > 0 {
		lines = append(lines, "", row("Recently done", strings.Join(m.recent, ", ")))
	}

	if m.err != nil {
		lines = append(lines, "", theme.ErrorStyle.Render(m.err.Error()))
	}
	if m.pollErr != "" {
		lines = append(lines, "", theme.ErrorStyle.Render(m.pollErr))
	}

	panel := theme.PanelStyle
	if m.width > 4 {
		panel = panel.Width(m.width - 2)
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}
