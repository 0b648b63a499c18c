package cmd

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// terminalWidth returns the current terminal column count, or fallback if
// stdout isn't a terminal (piped output, CI logs).
func terminalWidth(fallback int) int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return fallback
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w <= 0 {
		return fallback
	}
	return w
}

// printProgress writes one build-progress line, truncated to the terminal
// width so long pipeline ids/names don't wrap mid-line on a narrow
// terminal.
func printProgress(line string) {
	width := terminalWidth(0)
	if width > 0 && len(line) > width {
		line = line[:width-1] + "…"
	}
	fmt.Println(line)
}
