package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/lernpfad/internal/status"
	"github.com/kalambet/lernpfad/internal/storage"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

const progressBarWidth = 24

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

// progressLine renders one line such as
// "[######------------------]  25%  Analysing content (1m05s, ~3 min left)".
func progressLine(p status.Projection) string {
	cur := min(max(p.Progress.Current, 0), 100)
	filled := cur * progressBarWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat("-", progressBarWidth-filled)

	color := colorCyan
	switch p.Status {
	case storage.StatusCompleted:
		color = colorGreen
	case storage.StatusFailed:
		color = colorRed
	}

	elapsed := fmt.Sprintf("%dm%02ds", p.Progress.ElapsedTime.Minutes, p.Progress.ElapsedTime.Seconds)
	detail := elapsed
	if rem := p.Progress.EstimatedRemainingMinutes; rem != nil && !p.Terminal() {
		detail += fmt.Sprintf(", ~%d min left", *rem)
	}
	return fmt.Sprintf("%s %3d%%  %s (%s)", colorize(color, "["+bar+"]"), cur, p.Progress.Step, detail)
}

// truncate shortens s to n runes, appending "..." when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
