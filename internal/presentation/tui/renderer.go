package tui

import (
	"os"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// NewRenderer returns a markdown renderer for output written to f, wrapped
// to the terminal width. When f is not a terminal the markdown passes
// through untouched.
func NewRenderer(f *os.File) func(string) (string, error) {
	plain := func(markdown string) (string, error) { return markdown, nil }

	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return plain
	}

	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width, _, err := term.GetSize(fd); err == nil && width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return plain
	}
	return r.Render
}
