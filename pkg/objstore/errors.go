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
	"net"
	"strings"

	"github.com/aws/smithy-go"
)

// ErrNotFound is returned by Head and OpenStream when the key does not
// resolve to an object. Callers branch on it with errors.Is.
var ErrNotFound = errors.New("object not found")

// terminalCodes are API error codes that retrying cannot fix.
var terminalCodes = map[string]bool{
	"NoSuchKey":             true,
	"NoSuchBucket":          true,
	"NotFound":              true,
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"AccountProblem":        true,
}

// transientCodes are API error codes worth retrying with backoff.
var transientCodes = map[string]bool{
	"Throttling":              true,
	"ThrottlingException":     true,
	"RequestLimitExceeded":    true,
	"SlowDown":                true,
	"ServiceUnavailable":      true,
	"InternalError":           true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
	"ProvisionedThroughputExceededException": true,
}

// IsNotFound reports whether the error means the object does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// IsTransient reports whether the error is worth retrying: throttling,
// 5xx-class API failures, network timeouts, and connection resets.
// Missing objects, denied access and cancelled contexts are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if terminalCodes[code] {
			return false
		}
		if transientCodes[code] {
			return true
		}
		// Server-fault codes not enumerated above are retried; client
		// faults are not.
		return apiErr.ErrorFault() == smithy.FaultServer
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Connection-level failures sometimes surface as plain strings from
	// the HTTP transport.
	msg := err.Error()
	for _, frag := range []string{"connection reset", "connection refused", "broken pipe", "EOF"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// wrapNotFound converts key-missing API errors to ErrNotFound, leaving
// everything else untouched.
func wrapNotFound(key string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
	}
	return err
}
