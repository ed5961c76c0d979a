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

package ingestion

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// CoercionConfig carries the staging options that shape typed coercion.
type CoercionConfig struct {
	EnableTypeCoercion bool
	DateFormat         string
	TimestampFormat    string
	DecimalPrecision   int
	TrimStrings        bool
	NullifyEmpty       bool
	Location           *time.Location
}

// DefaultCoercionConfig returns the feed's conventional formats.
func DefaultCoercionConfig() CoercionConfig {
	return CoercionConfig{
		EnableTypeCoercion: true,
		DateFormat:         "2006-01-02",
		TimestampFormat:    "2006-01-02 15:04:05",
		DecimalPrecision:   2,
		TrimStrings:        true,
		NullifyEmpty:       true,
		Location:           time.UTC,
	}
}

// FieldError records one per-field transformation failure. A row with
// any field error in a rejecting category is diverted to the reject
// store instead of staging.
type FieldError struct {
	Column   string `json:"column"`
	Category Kind   `json:"category"`
	Detail   string `json:"detail"`
	Value    string `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Column, e.Category, e.Detail)
}

// RowCoercer applies one extract's transformations to positional
// landing values. It is bound to a spec once per staging run so the
// source-column index is resolved a single time.
type RowCoercer struct {
	spec ExtractSpec
	cfg  CoercionConfig
	idx  map[string]int
}

// NewRowCoercer binds a coercer to an extract spec.
func NewRowCoercer(spec ExtractSpec, cfg CoercionConfig) *RowCoercer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	idx := make(map[string]int, len(spec.Columns))
	for i, c := range spec.Columns {
		idx[c] = i
	}
	return &RowCoercer{spec: spec, cfg: cfg, idx: idx}
}

// Coerce transforms one landing row. The returned values align with
// spec.Transformations order; failed or null fields hold nil. Field
// errors carry the rejection category for each failure.
//
// Order per column: resolve, trim, nullify, required check, typed
// coercion, then validation rules. Rules run only on values that
// coerced successfully.
func (rc *RowCoercer) Coerce(values []string) ([]any, []FieldError) {
	out := make([]any, len(rc.spec.Transformations))
	var errs []FieldError

	for i, tr := range rc.spec.Transformations {
		raw, present := rc.sourceValue(values, tr.Source)
		if rc.cfg.TrimStrings {
			raw = strings.TrimSpace(raw)
		}

		isNull := !present || (rc.cfg.NullifyEmpty && raw == "")
		if isNull {
			if tr.Required {
				errs = append(errs, FieldError{
					Column:   tr.Target,
					Category: KindMissingRequired,
					Detail:   "required value is missing",
				})
			}
			out[i] = nil
			continue
		}

		typed, err := rc.coerceValue(raw, tr.Type)
		if err != nil {
			errs = append(errs, FieldError{
				Column:   tr.Target,
				Category: KindTypeCoercion,
				Detail:   err.Error(),
				Value:    raw,
			})
			out[i] = nil
			continue
		}

		failed := false
		for _, rule := range tr.Rules {
			if ok, detail := rule.Check(raw); !ok {
				errs = append(errs, FieldError{
					Column:   tr.Target,
					Category: KindValidation,
					Detail:   detail,
					Value:    raw,
				})
				failed = true
			}
		}
		if failed {
			out[i] = nil
			continue
		}
		out[i] = typed
	}
	return out, errs
}

// sourceValue resolves a landing column positionally. Rows shorter
// than the declared width read missing positions as null; the loader
// already recorded the structural mismatch.
func (rc *RowCoercer) sourceValue(values []string, source string) (string, bool) {
	i, ok := rc.idx[source]
	if !ok || i >= len(values) {
		return "", false
	}
	return values[i], true
}

func (rc *RowCoercer) coerceValue(raw string, t ColumnType) (any, error) {
	if !rc.cfg.EnableTypeCoercion {
		return raw, nil
	}
	switch t {
	case TypeText:
		return raw, nil

	case TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		return n, nil

	case TypeDecimal:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a decimal", raw)
		}
		// canonical fixed-precision rendering keeps re-runs byte-identical
		shift := math.Pow10(rc.cfg.DecimalPrecision)
		rounded := math.Round(f*shift) / shift
		return strconv.FormatFloat(rounded, 'f', rc.cfg.DecimalPrecision, 64), nil

	case TypeBoolean:
		switch strings.ToLower(raw) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", raw)

	case TypeDate:
		d, err := time.ParseInLocation(rc.cfg.DateFormat, raw, rc.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%q does not match date format %s", raw, rc.cfg.DateFormat)
		}
		return d, nil

	case TypeTimestamp:
		ts, err := time.ParseInLocation(rc.cfg.TimestampFormat, raw, rc.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("%q does not match timestamp format %s", raw, rc.cfg.TimestampFormat)
		}
		return ts, nil
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}
