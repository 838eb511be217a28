// Package report renders a finished run: the JSON aggregate consumed by
// report generators and a styled terminal summary.
package report

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Writer provides styled terminal output. Colors are dropped automatically
// when out is not a terminal.
type Writer struct {
	out io.Writer
	mu  sync.Mutex

	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	infoStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	headerStyle  lipgloss.Style
}

// NewWriter creates a Writer for out.
func NewWriter(out io.Writer) *Writer {
	r := lipgloss.NewRenderer(out)
	return &Writer{
		out: out,

		errorStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		warnStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		successStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		infoStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
		dimStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		boldStyle: r.NewStyle().Bold(true),
		headerStyle: r.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#333333", Dark: "#FFFFFF"}).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.AdaptiveColor{Light: "#CCCCCC", Dark: "#444444"}),
	}
}

// Println writes text with a newline.
func (w *Writer) Println(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format+"\n", args...)
}

// Error prints an error message in red.
func (w *Writer) Error(format string, args ...any) {
	w.styled(w.errorStyle, "error: "+format, args...)
}

// Warn prints a warning message in yellow.
func (w *Writer) Warn(format string, args ...any) {
	w.styled(w.warnStyle, "warning: "+format, args...)
}

// Success prints a success message in green.
func (w *Writer) Success(format string, args ...any) {
	w.styled(w.successStyle, "✓ "+format, args...)
}

// Info prints an info message in blue.
func (w *Writer) Info(format string, args ...any) {
	w.styled(w.infoStyle, format, args...)
}

// Dim prints dimmed/secondary text.
func (w *Writer) Dim(format string, args ...any) {
	w.styled(w.dimStyle, format, args...)
}

// Header prints a section header.
func (w *Writer) Header(title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, w.headerStyle.Render(title))
}

// List prints a bulleted list.
func (w *Writer) List(items []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		fmt.Fprintln(w.out, "  • "+item)
	}
}

// Progress prints a progress bar, overwriting the current line.
func (w *Writer) Progress(current, total int, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	fmt.Fprintf(w.out, "\r%s %3.0f%% %s", renderProgressBar(current, total, 30), pct, message)
}

// ProgressDone finalizes progress output.
func (w *Writer) ProgressDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out)
}

func (w *Writer) styled(style lipgloss.Style, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, style.Render(fmt.Sprintf(format, args...)))
}

func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := min(int(float64(current)/float64(total)*float64(width)), width)
	filled = max(filled, 0)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
