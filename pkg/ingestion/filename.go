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
	"strings"
	"time"
)

// Feed filename grammar:
//
//	<PerOrgID><PracticeID><ExtractType><DateFrom><DateTo><DateExtracted>.csv
//
// PerOrgID is a fixed 4-digit field; PracticeID is the remaining digits
// before the extract-type token. DateFrom and DateTo are always 12-digit
// YYYYMMDDHHMM stamps. The extracted stamp arrives at either width: the
// full 12-digit form or the compact 10-digit YYMMDDHHMM batch form - the
// feed has emitted both.
const (
	perOrgIDWidth = 4

	stampFormat        = "200601021504"
	compactStampFormat = "0601021504"
	csvSuffix          = ".csv"
)

// FullLoadFunc decides whether a parsed filename describes a full
// snapshot or a delta window. The feed does not mark this explicitly,
// so the discriminator is pluggable.
type FullLoadFunc func(dateFrom, dateTo, dateExtracted time.Time) bool

// WindowFullLoad returns the default discriminator: a file is a full
// load when its from-to window spans at least minWindow.
func WindowFullLoad(minWindow time.Duration) FullLoadFunc {
	return func(dateFrom, dateTo, _ time.Time) bool {
		return dateTo.Sub(dateFrom) >= minWindow
	}
}

// DefaultFullLoadWindow is the window span above which a file is
// treated as a full snapshot rather than a delta.
const DefaultFullLoadWindow = 90 * 24 * time.Hour

// ParsedFilename is the structured decode of one object key.
type ParsedFilename struct {
	Key           string
	PerOrgID      string
	PracticeID    string
	Extract       ExtractType
	DateFrom      time.Time
	DateTo        time.Time
	DateExtracted time.Time
	FullLoad      bool

	// retained so Format reproduces the original key byte for byte
	dir          string
	extractToken string
	suffix       string
	compactStamp bool
}

// BatchID is the batch grouping key: the extracted stamp rendered in
// the compact YYMMDDHHMM form. Files delivered in the same extraction
// cycle share it.
func (p *ParsedFilename) BatchID() string {
	return p.DateExtracted.Format(compactStampFormat)
}

// IsDelta reports the inverse of FullLoad.
func (p *ParsedFilename) IsDelta() bool {
	return !p.FullLoad
}

// Format reassembles the original object key from the parsed fields.
// Parse followed by Format is the identity for every accepted key.
func (p *ParsedFilename) Format() string {
	extracted := p.DateExtracted.Format(stampFormat)
	if p.compactStamp {
		extracted = p.DateExtracted.Format(compactStampFormat)
	}
	return p.dir + p.PerOrgID + p.PracticeID + p.extractToken +
		p.DateFrom.Format(stampFormat) + p.DateTo.Format(stampFormat) +
		extracted + p.suffix
}

// FilenameError is the recoverable parse failure: discovery logs it as
// a warning and skips the object, it never aborts a run.
type FilenameError struct {
	Key    string
	Reason string
}

func (e *FilenameError) Error() string {
	return fmt.Sprintf("unparseable filename %q: %s", e.Key, e.Reason)
}

func nameErr(key, format string, args ...any) *FilenameError {
	return &FilenameError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// FilenameParser decodes object keys against the feed naming convention.
type FilenameParser struct {
	loc      *time.Location
	fullLoad FullLoadFunc
}

// NewFilenameParser builds a parser interpreting date stamps in loc
// (nil means UTC) and classifying full loads with fullLoad (nil means
// WindowFullLoad(DefaultFullLoadWindow)).
func NewFilenameParser(loc *time.Location, fullLoad FullLoadFunc) *FilenameParser {
	if loc == nil {
		loc = time.UTC
	}
	if fullLoad == nil {
		fullLoad = WindowFullLoad(DefaultFullLoadWindow)
	}
	return &FilenameParser{loc: loc, fullLoad: fullLoad}
}

// Parse decodes one object key. Failures return *FilenameError.
func (fp *FilenameParser) Parse(key string) (*ParsedFilename, error) {
	dir := ""
	base := key
	if i := strings.LastIndex(key, "/"); i >= 0 {
		dir = key[:i+1]
		base = key[i+1:]
	}
	if base == "" {
		return nil, nameErr(key, "empty object name")
	}

	if !strings.HasSuffix(strings.ToLower(base), csvSuffix) {
		return nil, nameErr(key, "missing %s suffix", csvSuffix)
	}
	suffix := base[len(base)-len(csvSuffix):]
	stem := base[:len(base)-len(csvSuffix)]

	token, extract, idx := findExtractToken(stem)
	if idx < 0 {
		return nil, nameErr(key, "no recognized extract type")
	}

	prefix := stem[:idx]
	if !allDigits(prefix) {
		return nil, nameErr(key, "non-numeric org/practice prefix %q", prefix)
	}
	if len(prefix) <= perOrgIDWidth {
		return nil, nameErr(key, "org/practice prefix too short (%d digits)", len(prefix))
	}

	rest := stem[idx+len(token):]
	if !allDigits(rest) {
		return nil, nameErr(key, "non-numeric date fields %q", rest)
	}

	var compact bool
	switch len(rest) {
	case 2*len(stampFormat) + len(stampFormat):
		compact = false
	case 2*len(stampFormat) + len(compactStampFormat):
		compact = true
	default:
		return nil, nameErr(key, "date fields have %d digits, want %d or %d",
			len(rest), 3*len(stampFormat), 2*len(stampFormat)+len(compactStampFormat))
	}

	dateFrom, err := time.ParseInLocation(stampFormat, rest[:12], fp.loc)
	if err != nil {
		return nil, nameErr(key, "bad date-from: %v", err)
	}
	dateTo, err := time.ParseInLocation(stampFormat, rest[12:24], fp.loc)
	if err != nil {
		return nil, nameErr(key, "bad date-to: %v", err)
	}
	extractedFormat := stampFormat
	if compact {
		extractedFormat = compactStampFormat
	}
	dateExtracted, err := time.ParseInLocation(extractedFormat, rest[24:], fp.loc)
	if err != nil {
		return nil, nameErr(key, "bad date-extracted: %v", err)
	}

	if dateFrom.After(dateTo) {
		return nil, nameErr(key, "date-from %s after date-to %s",
			dateFrom.Format(stampFormat), dateTo.Format(stampFormat))
	}
	if dateTo.After(dateExtracted) {
		return nil, nameErr(key, "date-to %s after date-extracted %s",
			dateTo.Format(stampFormat), dateExtracted.Format(stampFormat))
	}

	return &ParsedFilename{
		Key:           key,
		PerOrgID:      prefix[:perOrgIDWidth],
		PracticeID:    prefix[perOrgIDWidth:],
		Extract:       extract,
		DateFrom:      dateFrom,
		DateTo:        dateTo,
		DateExtracted: dateExtracted,
		FullLoad:      fp.fullLoad(dateFrom, dateTo, dateExtracted),
		dir:           dir,
		extractToken:  token,
		suffix:        suffix,
		compactStamp:  compact,
	}, nil
}

// findExtractToken locates the extract-type token inside the stem.
// Tokens are tried longest first so "Patients" wins over "Patient".
func findExtractToken(stem string) (string, ExtractType, int) {
	for _, cand := range extractTokens {
		if idx := strings.Index(stem, cand.token); idx > 0 {
			return cand.token, cand.extract, idx
		}
	}
	return "", "", -1
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
