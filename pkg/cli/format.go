package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the transcript colors.
type Theme struct {
	Primary lipgloss.Color // persona name, table headers
	User    lipgloss.Color // user name
	Dim     lipgloss.Color // inner thoughts, metadata
	Warn    lipgloss.Color // corrections, degraded replies
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	User:    lipgloss.Color("#58a6ff"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#d29922"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Label   lipgloss.Style
	User    lipgloss.Style
	Border  lipgloss.Style
	Thought lipgloss.Style
	Meta    lipgloss.Style
	Warn    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Label:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		User:    lipgloss.NewStyle().Bold(true).Foreground(t.User),
		Border:  lipgloss.NewStyle().Foreground(t.Primary),
		Thought: lipgloss.NewStyle().Italic(true).Foreground(t.Dim),
		Meta:    lipgloss.NewStyle().Foreground(t.Dim),
		Warn:    lipgloss.NewStyle().Foreground(t.Warn),
	}
}

// DefaultStyles are the styles of DefaultTheme.
var DefaultStyles = NewStyles(DefaultTheme)

// Line is one rendered transcript entry.
type Line struct {
	Speaker string
	Text    string

	// Emotion and Thought are shown for persona lines.
	Emotion string
	Thought string

	// Meta is a dim trailer, e.g. model and affection.
	Meta string

	// Warning is shown instead of Meta when set.
	Warning string

	User bool
}

// FormatLine renders l with s.
func FormatLine(s Styles, l Line) string {
	var b strings.Builder
	name := s.Label
	if l.User {
		name = s.User
	}
	b.WriteString(name.Render(l.Speaker))
	if l.Emotion != "" {
		b.WriteString(s.Meta.Render(" (" + l.Emotion + ")"))
	}
	b.WriteString(": ")
	b.WriteString(l.Text)
	if l.Thought != "" {
		b.WriteString("\n  ")
		b.WriteString(s.Thought.Render("· " + l.Thought))
	}
	switch {
	case l.Warning != "":
		b.WriteString("\n  ")
		b.WriteString(s.Warn.Render(l.Warning))
	case l.Meta != "":
		b.WriteString("\n  ")
		b.WriteString(s.Meta.Render(l.Meta))
	}
	return b.String()
}

// FormatDelta renders an affection change with its sign.
func FormatDelta(d int) string {
	if d > 0 {
		return fmt.Sprintf("+%d", d)
	}
	return fmt.Sprint(d)
}

// FormatBar renders v in [0,total] as a bar of width cells.
func FormatBar(v, total, width int) string {
	if total <= 0 || width <= 0 {
		return ""
	}
	v = min(max(v, 0), total)
	filled := v * width / total
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// FormatDuration formats d for humans: 850ms, 1.2s, 2m3.0s.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	secs := float64(ms) / 1000
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	mins := int(secs / 60)
	secs = secs - float64(mins*60)
	return fmt.Sprintf("%dm%.1fs", mins, secs)
}

// FormatAgo renders how long before now t was, or "never" for zero t.
func FormatAgo(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Truncate(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
