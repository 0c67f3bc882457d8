// Package ui holds terminal styling shared by farmsync commands.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if !IsTerminal() || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Adaptive colors work on both light and dark terminals.
var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#E65100", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether both stdin and stdout are terminals.
func IsInteractive() bool {
	return IsTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }

// Table renders rows as aligned columns under a header.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}
	line(header, &HeaderStyle)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}

// Count formats n with a singular or plural noun, e.g. "1 record".
func Count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
