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
	"bytes"
	"fmt"
	"io"
)

// Feed framing. The extracts use multi-character separators that no
// standard CSV reader understands, so rows are framed by a byte-level
// scanner instead.
const (
	DefaultFieldSeparator = "|~~|"
	DefaultRowSeparator   = "|^^|"
)

// FramerConfig controls the row framer.
type FramerConfig struct {
	FieldSep string
	RowSep   string
	// ChunkSize is the read size per pull from the source stream.
	ChunkSize int
	// MaxRowBytes fails the frame when a single row exceeds it.
	// Zero means unlimited.
	MaxRowBytes int
}

// DefaultFramerConfig returns the feed's framing parameters.
func DefaultFramerConfig() FramerConfig {
	return FramerConfig{
		FieldSep:  DefaultFieldSeparator,
		RowSep:    DefaultRowSeparator,
		ChunkSize: 64 * 1024,
	}
}

// Framer splits a byte stream into rows of string fields. It scans for
// separator sequences across read-chunk boundaries by retaining a
// carry-over tail of max(len(fieldSep), len(rowSep))-1 bytes, and never
// holds more than the current row plus one chunk in memory.
//
// Empty fields are preserved as empty strings; nullification is a
// staging concern. A final row without a trailing row separator is
// still emitted.
type Framer struct {
	r        io.Reader
	fieldSep []byte
	rowSep   []byte
	carry    int
	chunk    []byte

	window  bytes.Buffer // unscanned bytes (carry-over + most recent read)
	field   bytes.Buffer // current field under construction
	fields  []string     // completed fields of the current row
	ready   [][]string   // framed rows not yet handed out
	rowSize int
	maxRow  int

	eof     bool
	readErr error
}

// NewFramer builds a framer over r. Zero-valued config fields fall back
// to DefaultFramerConfig.
func NewFramer(r io.Reader, cfg FramerConfig) *Framer {
	def := DefaultFramerConfig()
	if cfg.FieldSep == "" {
		cfg.FieldSep = def.FieldSep
	}
	if cfg.RowSep == "" {
		cfg.RowSep = def.RowSep
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	carry := len(cfg.FieldSep)
	if len(cfg.RowSep) > carry {
		carry = len(cfg.RowSep)
	}
	return &Framer{
		r:        r,
		fieldSep: []byte(cfg.FieldSep),
		rowSep:   []byte(cfg.RowSep),
		carry:    carry - 1,
		chunk:    make([]byte, cfg.ChunkSize),
		maxRow:   cfg.MaxRowBytes,
	}
}

// Next returns the next framed row. It returns io.EOF once the stream
// is exhausted; any other error is either a source read failure or a
// row-size violation.
func (f *Framer) Next() ([]string, error) {
	for len(f.ready) == 0 {
		if f.readErr != nil {
			return nil, f.readErr
		}
		if f.eof {
			return nil, io.EOF
		}
		if err := f.fill(); err != nil {
			return nil, err
		}
	}
	row := f.ready[0]
	f.ready = f.ready[1:]
	return row, nil
}

// fill reads one chunk and scans it, possibly queueing framed rows.
func (f *Framer) fill() error {
	n, err := f.r.Read(f.chunk)
	if n > 0 {
		f.window.Write(f.chunk[:n])
		if scanErr := f.scan(false); scanErr != nil {
			f.readErr = scanErr
			return scanErr
		}
	}
	if err == io.EOF {
		f.eof = true
		if scanErr := f.scan(true); scanErr != nil {
			f.readErr = scanErr
			return scanErr
		}
		f.flushFinal()
		return nil
	}
	if err != nil {
		f.readErr = fmt.Errorf("read source stream: %w", err)
		return f.readErr
	}
	return nil
}

// scan consumes complete separators from the window. Unless final, it
// leaves the carry-over tail unconsumed so separators split across
// chunk boundaries are seen whole on the next pass.
func (f *Framer) scan(final bool) error {
	data := f.window.Bytes()
	pos := 0
	for {
		iField := bytes.Index(data[pos:], f.fieldSep)
		iRow := bytes.Index(data[pos:], f.rowSep)

		if iField < 0 && iRow < 0 {
			break
		}
		// take whichever separator appears first
		if iRow < 0 || (iField >= 0 && iField < iRow) {
			if err := f.appendField(data[pos : pos+iField]); err != nil {
				return err
			}
			f.endField()
			pos += iField + len(f.fieldSep)
		} else {
			if err := f.appendField(data[pos : pos+iRow]); err != nil {
				return err
			}
			f.endRow()
			pos += iRow + len(f.rowSep)
		}
	}

	// move everything except the carry-over tail into the current field
	keep := f.carry
	if final {
		keep = 0
	}
	rest := data[pos:]
	if len(rest) > keep {
		if err := f.appendField(rest[:len(rest)-keep]); err != nil {
			return err
		}
		rest = rest[len(rest)-keep:]
	}
	tail := make([]byte, len(rest))
	copy(tail, rest)
	f.window.Reset()
	f.window.Write(tail)
	return nil
}

func (f *Framer) appendField(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	f.rowSize += len(b)
	if f.maxRow > 0 && f.rowSize > f.maxRow {
		return fmt.Errorf("row exceeds %d byte cap", f.maxRow)
	}
	f.field.Write(b)
	return nil
}

func (f *Framer) endField() {
	f.fields = append(f.fields, f.field.String())
	f.field.Reset()
}

func (f *Framer) endRow() {
	f.endField()
	row := f.fields
	f.fields = nil
	f.rowSize = 0
	f.ready = append(f.ready, row)
}

// flushFinal emits the trailing row when the stream does not end with
// a row separator.
func (f *Framer) flushFinal() {
	if f.field.Len() > 0 || len(f.fields) > 0 {
		f.endRow()
	}
}
