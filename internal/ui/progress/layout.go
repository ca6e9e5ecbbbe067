package progress

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailindex/internal/theme"
)

// frame lays the view out as a header bar, a content panel and a status
// bar spanning the terminal width.
type frame struct {
	width int
}

// header renders the title on the left and the indexer state on the right.
func (f frame) header(title, state string) string {
	left := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Render(theme.IndexerStatusStyle(state).Inline(true).Render(state))
	return join(theme.HeaderStyle, f.width, left, right)
}

// statusBar renders the key hints.
func (f frame) statusBar(hints string) string {
	return join(theme.StatusBarStyle, f.width, theme.StatusBarStyle.Render(hints), "")
}

// render stacks header, content and status bar.
func (f frame) render(header, content, statusBar string) string {
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}

// join places left and right at the edges of a bar of the given width,
// filling the gap with the bar's background.
func join(bar lipgloss.Style, width int, left, right string) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(bar.GetBackground()).
		Render("")
	return lipgloss.JoinHorizontal(lipgloss.Top, left, filler, right)
}

// row renders one label/value line of the content panel.
func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, theme.LabelStyle.Render(label), value)
}
