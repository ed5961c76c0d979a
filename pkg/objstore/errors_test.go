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

package objstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
)

type fakeAPIError struct {
	code  string
	fault smithy.ErrorFault
}

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return e.code }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return e.fault }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"slow down", &fakeAPIError{code: "SlowDown"}, true},
		{"throttling", &fakeAPIError{code: "Throttling"}, true},
		{"service unavailable", &fakeAPIError{code: "ServiceUnavailable"}, true},
		{"no such key", &fakeAPIError{code: "NoSuchKey"}, false},
		{"access denied", &fakeAPIError{code: "AccessDenied"}, false},
		{"unknown server fault", &fakeAPIError{code: "Whatever", fault: smithy.FaultServer}, true},
		{"unknown client fault", &fakeAPIError{code: "Whatever", fault: smithy.FaultClient}, false},
		{"wrapped slow down", fmt.Errorf("page 3: %w", &fakeAPIError{code: "SlowDown"}), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain failure", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrNotFound, true},
		{"wrapped sentinel", fmt.Errorf("head k: %w", ErrNotFound), true},
		{"no such key api error", wrapNotFound("k", &fakeAPIError{code: "NoSuchKey"}), true},
		{"head 404", wrapNotFound("k", &fakeAPIError{code: "NotFound"}), true},
		{"access denied stays", wrapNotFound("k", &fakeAPIError{code: "AccessDenied"}), false},
		{"plain failure", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
