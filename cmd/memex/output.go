package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	successColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
	warnColor    = color.New(color.FgYellow)
	stepColor    = color.New(color.FgCyan)
	labelColor   = color.New(color.Bold)
	dimColor     = color.New(color.Faint)
)

func printSuccess(format string, args ...any) {
	successColor.Fprintln(os.Stderr, "✓ "+fmt.Sprintf(format, args...))
}

func printError(format string, args ...any) {
	errorColor.Fprintln(os.Stderr, "✗ "+fmt.Sprintf(format, args...))
}

func printWarning(format string, args ...any) {
	warnColor.Fprintln(os.Stderr, "⚠ "+fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	stepColor.Fprintln(os.Stderr, "→ "+fmt.Sprintf(format, args...))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", labelColor.Sprint(label+":"), fmt.Sprintf(format, args...))
}
