package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucaos/voicelive/internal/presentation"
	"github.com/lucaos/voicelive/pkg/types"
)

var _ presentation.Listener = (*console)(nil)

// console prints transcripts and status lines for a human at the terminal.
// Amplitude readings are ignored. Styling is dropped when out is not a
// terminal.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	styles consoleStyles

	// last is the source of the previous transcript fragment, so consecutive
	// fragments from the same speaker continue on one line.
	last types.Source
}

type consoleStyles struct {
	user, model, status lipgloss.Style
}

func newConsole(out io.Writer) *console {
	r := lipgloss.NewRenderer(out)
	return &console{
		out: out,
		styles: consoleStyles{
			user:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
			model:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("#58a6ff")),
			status: r.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		},
	}
}

func (c *console) OnAmplitude(float64, types.Source) {}

func (c *console) OnVADChange(bool) {}

func (c *console) OnTranscript(text string, source types.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if source != c.last {
		if c.last != "" {
			fmt.Fprintln(c.out)
		}
		fmt.Fprintf(c.out, "%s ", c.label(source))
		c.last = source
	}
	fmt.Fprint(c.out, text)
}

func (c *console) OnStatusUpdate(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	fmt.Fprintf(c.out, "  %s\n", c.styles.status.Render("["+msg+"]"))
}

func (c *console) OnConnectionChange(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
	if connected {
		fmt.Fprintln(c.out, "  "+c.styles.status.Render("● connected"))
	} else {
		fmt.Fprintln(c.out, "  "+c.styles.status.Render("○ disconnected"))
	}
}

func (c *console) breakLine() {
	if c.last != "" {
		fmt.Fprintln(c.out)
		c.last = ""
	}
}

func (c *console) label(s types.Source) string {
	switch s {
	case types.SourceUser:
		return c.styles.user.Render("you:")
	case types.SourceModel:
		return c.styles.model.Render("model:")
	default:
		return string(s) + ":"
	}
}
