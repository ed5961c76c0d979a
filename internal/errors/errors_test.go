// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestUserErrorMessage(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewDatabaseError(
		"Cannot connect to warehouse",
		"Connection to postgres://warehouse:5432 failed",
		"Check database.dsn in hie.yaml",
		cause,
	)

	msg := err.Error()
	if !strings.Contains(msg, "Cannot connect to warehouse") {
		t.Errorf("message missing title: %q", msg)
	}
	if !strings.Contains(msg, "connection refused") {
		t.Errorf("message missing cause: %q", msg)
	}
}

func TestUserErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewInternalError("Something broke", "detail", "", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	var ue *UserError
	if !errors.As(err, &ue) {
		t.Fatal("errors.As should match *UserError")
	}
	if ue.Type != TypeInternal {
		t.Errorf("type = %q, want %q", ue.Type, TypeInternal)
	}
}

func TestConstructorTypes(t *testing.T) {
	cases := []struct {
		err  *UserError
		want ErrorType
	}{
		{NewConfigError("t", "d", "s", nil), TypeConfig},
		{NewInputError("t", "d", "s", nil), TypeInput},
		{NewDatabaseError("t", "d", "s", nil), TypeDatabase},
		{NewNetworkError("t", "d", "s", nil), TypeNetwork},
		{NewPermissionError("t", "d", "s", nil), TypePermission},
		{NewInternalError("t", "d", "s", nil), TypeInternal},
	}
	for _, c := range cases {
		if c.err.Type != c.want {
			t.Errorf("constructor produced type %q, want %q", c.err.Type, c.want)
		}
	}
}
