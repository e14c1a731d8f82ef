package helpers

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/coral-mesh/reqprof/internal/calltree"
)

// TreeStyles colors a rendered call tree.
type TreeStyles struct {
	Header lipgloss.Style
	Name   lipgloss.Style
	Error  lipgloss.Style
	Timing lipgloss.Style
	Log    lipgloss.Style
}

// ColorTreeStyles returns the styles used on terminals.
func ColorTreeStyles() TreeStyles {
	return TreeStyles{
		Header: lipgloss.NewStyle().Bold(true),
		Name:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		Error:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Timing: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Log:    lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
}

// PlainTreeStyles leaves every part unstyled.
func PlainTreeStyles() TreeStyles {
	plain := lipgloss.NewStyle()
	return TreeStyles{Header: plain, Name: plain, Error: plain, Timing: plain, Log: plain}
}

// StylesFor picks colors only when w is a terminal.
func StylesFor(w io.Writer) TreeStyles {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return ColorTreeStyles()
	}
	return PlainTreeStyles()
}

// RenderCallTree renders req as an indented call tree with attributed log
// messages.
func RenderCallTree(req *calltree.Request, styles TreeStyles) string {
	if req == nil {
		return "No profile data available.\n"
	}

	var buf strings.Builder
	header := fmt.Sprintf("%s %s", orDash(req.HTTPMethod), req.URL)
	buf.WriteString(styles.Header.Render(header))
	fmt.Fprintf(&buf, "  status=%d elapsed=%s server=%s captured=%s\n",
		req.StatusCode,
		FormatDuration(ms(req.ElapsedMs)),
		orDash(req.Server),
		req.CapturedOnUTC.UTC().Format(time.RFC3339),
	)
	fmt.Fprintf(&buf, "id=%s client=%s ajax=%t\n", req.ID, orDash(req.ClientIP), req.Ajax)

	if len(req.Methods) == 0 {
		buf.WriteString("(no intercepted methods)\n")
	}
	for i, m := range req.Methods {
		renderMethod(&buf, m, "", i == len(req.Methods)-1, styles)
	}

	for _, msg := range req.ProfilerErrors {
		buf.WriteString(styles.Error.Render("profiler error: " + msg))
		buf.WriteString("\n")
	}

	buf.WriteString("\n" + renderTreeLegend())
	return buf.String()
}

func renderMethod(buf *strings.Builder, m *calltree.Method, prefix string, isLast bool, styles TreeStyles) {
	connector := "├─"
	childPrefix := prefix + "│ "
	if isLast {
		connector = "└─"
		childPrefix = prefix + "  "
	}

	name := styles.Name.Render(m.Name)
	if m.ErrorInMethod {
		name = styles.Error.Render(m.Name + " ✗")
	}
	timing := styles.Timing.Render(fmt.Sprintf("(%s at +%s)",
		FormatDuration(ms(m.ElapsedMs)), FormatDuration(ms(m.StartedAtMs))))
	fmt.Fprintf(buf, "%s%s %s %s\n", prefix, connector, name, timing)

	logPrefix := childPrefix + "  "
	if len(m.Methods) > 0 {
		logPrefix = childPrefix + "│ "
	}
	for _, msg := range m.LogMessages {
		line := fmt.Sprintf("[%s +%s] %s", msg.Level, FormatDuration(ms(msg.ElapsedMs)), msg.Message)
		style := styles.Log
		if msg.Level == "error" || msg.Level == "fatal" || msg.Level == "panic" {
			style = styles.Error
		}
		fmt.Fprintf(buf, "%s%s\n", logPrefix, style.Render(line))
	}

	for i, child := range m.Methods {
		renderMethod(buf, child, childPrefix, i == len(m.Methods)-1, styles)
	}
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	} else if d < time.Millisecond {
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	} else if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func renderTreeLegend() string {
	return `Legend:
  ├─ = intermediate call    │  = continuation
  └─ = last call            ✗  = logged an error
  (elapsed at +offset from request start)
`
}
