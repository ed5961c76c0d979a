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

// Package errors provides user-facing error types for the hie CLI.
//
// Every fatal CLI error carries a title (what went wrong), a detail
// (the specifics), and a suggestion (what the user can do about it).
// FatalError renders the error as human-readable text or JSON and exits.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrorType categorizes user-facing errors for JSON consumers.
type ErrorType string

const (
	TypeConfig     ErrorType = "config"
	TypeInput      ErrorType = "input"
	TypeDatabase   ErrorType = "database"
	TypeNetwork    ErrorType = "network"
	TypePermission ErrorType = "permission"
	TypeInternal   ErrorType = "internal"
)

// UserError is an error with enough context to be actionable by a human.
type UserError struct {
	Type       ErrorType `json:"type"`
	Title      string    `json:"title"`
	Detail     string    `json:"detail"`
	Suggestion string    `json:"suggestion,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface.
func (e *UserError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *UserError) Unwrap() error {
	return e.Err
}

func newError(t ErrorType, title, detail, suggestion string, err error) *UserError {
	return &UserError{Type: t, Title: title, Detail: detail, Suggestion: suggestion, Err: err}
}

// NewConfigError reports invalid or missing configuration.
func NewConfigError(title, detail, suggestion string, err error) *UserError {
	return newError(TypeConfig, title, detail, suggestion, err)
}

// NewInputError reports invalid command-line input.
func NewInputError(title, detail, suggestion string, err error) *UserError {
	return newError(TypeInput, title, detail, suggestion, err)
}

// NewDatabaseError reports a warehouse connectivity or query failure.
func NewDatabaseError(title, detail, suggestion string, err error) *UserError {
	return newError(TypeDatabase, title, detail, suggestion, err)
}

// NewNetworkError reports an object-store or network failure.
func NewNetworkError(title, detail, suggestion string, err error) *UserError {
	return newError(TypeNetwork, title, detail, suggestion, err)
}

// NewPermissionError reports a filesystem or credential permission failure.
func NewPermissionError(title, detail, suggestion string, err error) *UserError {
	return newError(TypePermission, title, detail, suggestion, err)
}

// NewInternalError reports a bug or unexpected condition.
func NewInternalError(title, detail, suggestion string, err error) *UserError {
	return newError(TypeInternal, title, detail, suggestion, err)
}

// fatalJSON is the envelope FatalError emits in JSON mode.
type fatalJSON struct {
	Error struct {
		Type       ErrorType `json:"type"`
		Title      string    `json:"title"`
		Detail     string    `json:"detail"`
		Suggestion string    `json:"suggestion,omitempty"`
		Cause      string    `json:"cause,omitempty"`
	} `json:"error"`
}

// FatalError prints the error and exits with code 1.
//
// In JSON mode the error is emitted as a single JSON object on stdout so
// scripted callers can parse it. Otherwise a multi-line human-readable
// block goes to stderr. Non-UserError values are wrapped as internal.
func FatalError(err error, jsonOutput bool) {
	var ue *UserError
	if !errors.As(err, &ue) {
		ue = NewInternalError("Unexpected error", err.Error(), "This is a bug. Please report it", err)
	}

	if jsonOutput {
		var out fatalJSON
		out.Error.Type = ue.Type
		out.Error.Title = ue.Title
		out.Error.Detail = ue.Detail
		out.Error.Suggestion = ue.Suggestion
		if ue.Err != nil {
			out.Error.Cause = ue.Err.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		_ = enc.Encode(out)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", ue.Title)
	if ue.Detail != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
	}
	if ue.Err != nil {
		fmt.Fprintf(os.Stderr, "  Cause: %v\n", ue.Err)
	}
	if ue.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\n  Suggestion: %s\n", ue.Suggestion)
	}
	os.Exit(1)
}
