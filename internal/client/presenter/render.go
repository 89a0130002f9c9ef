package presenter

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"breedscope.app/internal/client/jobstate"
	"breedscope.app/internal/core/domain"
)

const barWidth = 30

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	filledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	emptyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	resultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	alertStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// Renderer writes one line per visible change of the view.
type Renderer struct {
	mu      sync.Mutex
	w       io.Writer
	resolve Resolver
	last    View
	started bool
}

func NewRenderer(w io.Writer, resolve Resolver) *Renderer {
	return &Renderer{w: w, resolve: resolve}
}

// Observe is a jobstate.Observer that renders every transition.
func (r *Renderer) Observe(s jobstate.Snapshot) {
	r.Render(Derive(s, r.resolve))
}

func (r *Renderer) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started && v == r.last {
		return
	}
	r.started = true
	r.last = v
	if line := Line(v); line != "" {
		fmt.Fprintln(r.w, line)
	}
}

// Line is the text form of v; empty for KindNone.
func Line(v View) string {
	switch v.Kind {
	case KindSpinner:
		return dimStyle.Render("… submitting explanation job")
	case KindProgress:
		return fmt.Sprintf("%s %s %3d%%", titleStyle.Render("LIME"), Bar(v.Progress, barWidth), v.Progress)
	case KindResult:
		return fmt.Sprintf("%s %s %3d%%\n%s %s", titleStyle.Render("LIME"), Bar(100, barWidth), 100,
			resultStyle.Render("Explanation ready:"), v.ImageURL)
	case KindAlert:
		return alertStyle.Render("✗ Analysis failed: " + v.Message)
	case KindWarning:
		return warningStyle.Render("! " + v.Message)
	default:
		return ""
	}
}

// Bar draws a fixed-width progress bar for p in [0,100].
func Bar(p, width int) string {
	p = max(0, min(100, p))
	filled := p * width / 100
	return filledStyle.Render(strings.Repeat("█", filled)) + emptyStyle.Render(strings.Repeat("░", width-filled))
}

// Prediction formats a classification result with its ranking.
func Prediction(p *domain.Prediction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%.2f%%)\n", titleStyle.Render("Breed:"), resultStyle.Render(p.Breed), p.Confidence)
	for i, s := range p.Analysis {
		fmt.Fprintf(&b, "  %d. %-32s %s %6.2f%%\n", i+1, s.Breed, Bar(int(s.Confidence+0.5), 20), s.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}

// History formats history entries as a table.
func History(entries []domain.HistoryEntry) string {
	if len(entries) == 0 {
		return dimStyle.Render("No history yet.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(fmt.Sprintf("%-19s  %-36s  %-28s  %s", "TIME", "FILE", "BREED", "CONF")))
	for _, e := range entries {
		fmt.Fprintf(&b, "%-19s  %-36s  %-28s  %6.2f%%\n", e.Timestamp, e.Filename, e.Breed, e.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}
