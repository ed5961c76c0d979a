// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui provides consistent terminal output helpers for the hie CLI.
//
// All color output respects the NO_COLOR convention and degrades to plain
// text when stdout is not a terminal. Functions come in two flavors:
// printers (Header, Info, Success, Warning) which write to stdout/stderr,
// and formatters (Label, CountText, DimText) which return styled strings
// for callers that compose their own lines.
package ui

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	subColor     = color.New(color.Bold)
	labelColor   = color.New(color.Bold)
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	countColor   = color.New(color.FgCyan)
	dimColor     = color.New(color.Faint)
	cyanColor    = color.New(color.FgCyan)
	greenColor   = color.New(color.FgGreen)
	yellowColor  = color.New(color.FgYellow)
)

// InitColors enables or disables color output globally.
// Colors are disabled when noColor is true, when NO_COLOR is set in the
// environment, or when stdout is not a terminal.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

// Header prints a top-level section heading followed by a blank line.
func Header(text string) {
	fmt.Println()
	headerColor.Println(text)
	fmt.Println()
}

// SubHeader prints a secondary heading.
func SubHeader(text string) {
	fmt.Println()
	subColor.Println(text)
}

// Label returns a bolded label suitable for aligned key/value output.
func Label(text string) string {
	return labelColor.Sprint(text)
}

// Info prints an informational line.
func Info(text string) {
	fmt.Println(text)
}

// Infof prints a formatted informational line.
func Infof(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// Success prints a line prefixed with a green check mark.
func Success(text string) {
	successColor.Print("✓ ")
	fmt.Println(text)
}

// Successf prints a formatted success line.
func Successf(format string, args ...interface{}) {
	Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning line to stderr.
func Warning(text string) {
	warnColor.Fprint(os.Stderr, "⚠ ")
	fmt.Fprintln(os.Stderr, text)
}

// Warningf prints a formatted warning line to stderr.
func Warningf(format string, args ...interface{}) {
	Warning(fmt.Sprintf(format, args...))
}

// Errorf prints a formatted error line to stderr.
func Errorf(format string, args ...interface{}) {
	errorColor.Fprint(os.Stderr, "✗ ")
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// CountText formats a count for stat output.
func CountText(n int) string {
	return countColor.Sprintf("%d", n)
}

// DimText returns de-emphasized text for paths, durations and other detail.
func DimText(text string) string {
	return dimColor.Sprint(text)
}

// Cyan returns the text styled cyan.
func Cyan(text string) string {
	return cyanColor.Sprint(text)
}

// Green returns the text styled green.
func Green(text string) string {
	return greenColor.Sprint(text)
}

// Yellow returns the text styled yellow.
func Yellow(text string) string {
	return yellowColor.Sprint(text)
}

// Red returns the text styled red.
func Red(text string) string {
	return errorColor.Sprint(text)
}

// Dim is an alias for DimText kept for call-site brevity.
func Dim(text string) string {
	return dimColor.Sprint(text)
}
