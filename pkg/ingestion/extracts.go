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
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ExtractType identifies one logical feed category. The string value is
// the warehouse table stem: raw.patients, stg.patients, etl.rejects_patients.
type ExtractType string

const (
	ExtractPatients      ExtractType = "patients"
	ExtractProviders     ExtractType = "providers"
	ExtractAppointments  ExtractType = "appointments"
	ExtractImmunisations ExtractType = "immunisations"
	ExtractDiagnoses     ExtractType = "diagnoses"
	ExtractMedications   ExtractType = "medications"
)

// DefaultPriorityExtracts are scheduled first within every batch:
// downstream extracts reference patients and providers, and appointments
// feed most conformance joins.
var DefaultPriorityExtracts = []ExtractType{
	ExtractPatients,
	ExtractProviders,
	ExtractAppointments,
}

// extractTokens maps filename tokens to extract types. Ordered longest
// first so plural forms win over their singular variants.
var extractTokens = []struct {
	token   string
	extract ExtractType
}{
	{"Immunisations", ExtractImmunisations},
	{"Immunisation", ExtractImmunisations},
	{"Appointments", ExtractAppointments},
	{"Medications", ExtractMedications},
	{"Providers", ExtractProviders},
	{"Diagnoses", ExtractDiagnoses},
	{"Patients", ExtractPatients},
	{"Patient", ExtractPatients},
}

// ColumnType enumerates staging coercion targets.
type ColumnType string

const (
	TypeText      ColumnType = "text"
	TypeInteger   ColumnType = "integer"
	TypeDecimal   ColumnType = "decimal"
	TypeBoolean   ColumnType = "boolean"
	TypeDate      ColumnType = "date"
	TypeTimestamp ColumnType = "timestamp"
)

var knownColumnTypes = map[ColumnType]bool{
	TypeText: true, TypeInteger: true, TypeDecimal: true,
	TypeBoolean: true, TypeDate: true, TypeTimestamp: true,
}

// RuleKind enumerates the validation rules the transformer can run.
type RuleKind string

const (
	RuleRegex     RuleKind = "regex"
	RuleRange     RuleKind = "range"
	RuleMaxLength RuleKind = "max_length"
	RuleAllowed   RuleKind = "allowed"
)

// Rule is a typed validation declaration. Rules run after coercion
// succeeds and only on non-null values; each failure records a
// rejection with category "validation".
type Rule struct {
	Kind    RuleKind
	Name    string
	Min     float64
	Max     float64
	MaxLen  int
	Allowed []string

	pattern *regexp.Regexp
}

// RegexRule validates the value against a precompiled pattern.
func RegexRule(name string, pattern *regexp.Regexp) Rule {
	return Rule{Kind: RuleRegex, Name: name, pattern: pattern}
}

// RangeRule validates that the value parses numeric within [min, max].
func RangeRule(name string, min, max float64) Rule {
	return Rule{Kind: RuleRange, Name: name, Min: min, Max: max}
}

// MaxLengthRule validates the value's rune length.
func MaxLengthRule(name string, maxLen int) Rule {
	return Rule{Kind: RuleMaxLength, Name: name, MaxLen: maxLen}
}

// AllowedRule validates membership in a closed value set.
func AllowedRule(name string, values ...string) Rule {
	return Rule{Kind: RuleAllowed, Name: name, Allowed: values}
}

// Check runs the rule against a non-null source value. It returns false
// with a human-readable detail on failure.
func (r Rule) Check(value string) (bool, string) {
	switch r.Kind {
	case RuleRegex:
		if !r.pattern.MatchString(value) {
			return false, fmt.Sprintf("%s: %q does not match required format", r.Name, value)
		}
	case RuleRange:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, fmt.Sprintf("%s: %q is not numeric", r.Name, value)
		}
		if f < r.Min || f > r.Max {
			return false, fmt.Sprintf("%s: %v outside [%v, %v]", r.Name, f, r.Min, r.Max)
		}
	case RuleMaxLength:
		if utf8.RuneCountInString(value) > r.MaxLen {
			return false, fmt.Sprintf("%s: length %d exceeds %d", r.Name, utf8.RuneCountInString(value), r.MaxLen)
		}
	case RuleAllowed:
		for _, v := range r.Allowed {
			if value == v {
				return true, ""
			}
		}
		return false, fmt.Sprintf("%s: %q not in allowed set", r.Name, value)
	}
	return true, ""
}

// Validation patterns. The NHI pattern accepts both the historic
// AAANNNN format and the current AAANNAN format; the alphabet excludes
// I and O.
var (
	nhiPattern   = regexp.MustCompile(`^[A-HJ-NP-Z]{3}([0-9]{4}|[0-9]{2}[A-HJ-NP-Z][0-9])$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

// Transformation maps one landing column into one typed staging column.
type Transformation struct {
	Source   string
	Target   string
	Type     ColumnType
	Required bool
	Rules    []Rule
}

// ExtractSpec is the declarative handler for one extract type: where
// its rows land, how they stage, and what uniquely identifies a record.
// Adding an extract means adding a table entry here plus its DDL.
type ExtractSpec struct {
	Extract      ExtractType
	LandingTable string
	StagingTable string
	RejectTable  string

	// Columns is the ordered positional mapping from source fields to
	// landing columns. The framer asserts each row has exactly this
	// many fields.
	Columns []string

	// NaturalKeys are staging columns forming the upsert conflict
	// target, always (primary id, practice_id, per_org_id).
	NaturalKeys []string

	Transformations []Transformation
}

// FieldCount is the declared source field count for this extract.
func (s ExtractSpec) FieldCount() int {
	return len(s.Columns)
}

// LandingLineageColumns are appended to every raw.<extract> row by the
// loader; handlers never declare them. The file_ prefix distinguishes
// filename-derived identity from the feed's own per_org_id data column.
var LandingLineageColumns = []string{
	"object_key",
	"object_version_id",
	"content_hash",
	"date_extracted",
	"extract_type",
	"file_per_org_id",
	"file_practice_id",
	"load_run_id",
	"load_run_file_id",
	"loaded_at",
	"superseded",
	"superseded_at",
	"superseded_by_file_id",
}

// StagingLineageColumns are carried onto every stg.<extract> row by the
// transformer so each staged record resolves to its LoadRunFile.
var StagingLineageColumns = []string{
	"load_run_id",
	"load_run_file_id",
	"object_version_id",
	"content_hash",
	"date_extracted",
}

// extractRegistry holds every recognized extract in priority-then-
// registry order.
var extractRegistry = []ExtractSpec{
	{
		Extract:      ExtractPatients,
		LandingTable: "patients",
		StagingTable: "patients",
		RejectTable:  "rejects_patients",
		Columns: []string{
			"patient_id", "nhi_number", "practice_id", "per_org_id",
			"first_name", "last_name", "date_of_birth", "gender",
			"email", "phone", "address_line1", "suburb", "city", "postcode",
			"enrolment_date", "enrolment_status", "is_active", "loaded_date_time",
		},
		NaturalKeys: []string{"patient_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "patient_id", Target: "patient_id", Type: TypeInteger, Required: true},
			{Source: "nhi_number", Target: "nhi_number", Type: TypeText, Rules: []Rule{RegexRule("nhi_format", nhiPattern)}},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "first_name", Target: "first_name", Type: TypeText, Rules: []Rule{MaxLengthRule("name_length", 100)}},
			{Source: "last_name", Target: "last_name", Type: TypeText, Rules: []Rule{MaxLengthRule("name_length", 100)}},
			{Source: "date_of_birth", Target: "date_of_birth", Type: TypeDate},
			{Source: "gender", Target: "gender", Type: TypeText},
			{Source: "email", Target: "email", Type: TypeText, Rules: []Rule{RegexRule("email_format", emailPattern)}},
			{Source: "phone", Target: "phone", Type: TypeText},
			{Source: "address_line1", Target: "address_line1", Type: TypeText},
			{Source: "suburb", Target: "suburb", Type: TypeText},
			{Source: "city", Target: "city", Type: TypeText},
			{Source: "postcode", Target: "postcode", Type: TypeText, Rules: []Rule{MaxLengthRule("postcode_length", 10)}},
			{Source: "enrolment_date", Target: "enrolment_date", Type: TypeDate},
			{Source: "enrolment_status", Target: "enrolment_status", Type: TypeText},
			{Source: "is_active", Target: "is_active", Type: TypeBoolean},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
	{
		Extract:      ExtractProviders,
		LandingTable: "providers",
		StagingTable: "providers",
		RejectTable:  "rejects_providers",
		Columns: []string{
			"provider_id", "practice_id", "per_org_id", "first_name", "last_name",
			"provider_code", "registration_number", "specialty", "is_active",
			"start_date", "end_date", "loaded_date_time",
		},
		NaturalKeys: []string{"provider_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "provider_id", Target: "provider_id", Type: TypeInteger, Required: true},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "first_name", Target: "first_name", Type: TypeText, Rules: []Rule{MaxLengthRule("name_length", 100)}},
			{Source: "last_name", Target: "last_name", Type: TypeText, Rules: []Rule{MaxLengthRule("name_length", 100)}},
			{Source: "provider_code", Target: "provider_code", Type: TypeText},
			{Source: "registration_number", Target: "registration_number", Type: TypeText},
			{Source: "specialty", Target: "specialty", Type: TypeText},
			{Source: "is_active", Target: "is_active", Type: TypeBoolean},
			{Source: "start_date", Target: "start_date", Type: TypeDate},
			{Source: "end_date", Target: "end_date", Type: TypeDate},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
	{
		Extract:      ExtractAppointments,
		LandingTable: "appointments",
		StagingTable: "appointments",
		RejectTable:  "rejects_appointments",
		Columns: []string{
			"appointment_id", "patient_id", "provider_id", "practice_id", "per_org_id",
			"appointment_time", "duration_minutes", "appointment_type", "status",
			"reason", "booked_at", "arrived_at", "is_cancelled", "loaded_date_time",
		},
		NaturalKeys: []string{"appointment_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "appointment_id", Target: "appointment_id", Type: TypeInteger, Required: true},
			{Source: "patient_id", Target: "patient_id", Type: TypeInteger, Required: true},
			{Source: "provider_id", Target: "provider_id", Type: TypeInteger},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "appointment_time", Target: "appointment_time", Type: TypeTimestamp, Required: true},
			{Source: "duration_minutes", Target: "duration_minutes", Type: TypeInteger, Rules: []Rule{RangeRule("duration_range", 0, 1440)}},
			{Source: "appointment_type", Target: "appointment_type", Type: TypeText},
			{Source: "status", Target: "status", Type: TypeText},
			{Source: "reason", Target: "reason", Type: TypeText},
			{Source: "booked_at", Target: "booked_at", Type: TypeTimestamp},
			{Source: "arrived_at", Target: "arrived_at", Type: TypeTimestamp},
			{Source: "is_cancelled", Target: "is_cancelled", Type: TypeBoolean},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
	{
		Extract:      ExtractImmunisations,
		LandingTable: "immunisations",
		StagingTable: "immunisations",
		RejectTable:  "rejects_immunisations",
		Columns: []string{
			"immunisation_id", "patient_id", "provider_id", "practice_id", "per_org_id",
			"vaccine_code", "vaccine_name", "dose_number", "administered_at",
			"site", "route", "batch_number", "expiry_date", "status", "loaded_date_time",
		},
		NaturalKeys: []string{"immunisation_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "immunisation_id", Target: "immunisation_id", Type: TypeInteger, Required: true},
			{Source: "patient_id", Target: "patient_id", Type: TypeInteger, Required: true},
			{Source: "provider_id", Target: "provider_id", Type: TypeInteger},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "vaccine_code", Target: "vaccine_code", Type: TypeText, Required: true},
			{Source: "vaccine_name", Target: "vaccine_name", Type: TypeText},
			{Source: "dose_number", Target: "dose_number", Type: TypeInteger, Rules: []Rule{RangeRule("dose_range", 1, 20)}},
			{Source: "administered_at", Target: "administered_at", Type: TypeTimestamp, Required: true},
			{Source: "site", Target: "site", Type: TypeText},
			{Source: "route", Target: "route", Type: TypeText},
			{Source: "batch_number", Target: "batch_number", Type: TypeText},
			{Source: "expiry_date", Target: "expiry_date", Type: TypeDate},
			{Source: "status", Target: "status", Type: TypeText},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
	{
		Extract:      ExtractDiagnoses,
		LandingTable: "diagnoses",
		StagingTable: "diagnoses",
		RejectTable:  "rejects_diagnoses",
		Columns: []string{
			"diagnosis_id", "patient_id", "provider_id", "practice_id", "per_org_id",
			"diagnosis_code", "coding_system", "description", "onset_date",
			"resolved_date", "is_active", "is_long_term", "loaded_date_time",
		},
		NaturalKeys: []string{"diagnosis_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "diagnosis_id", Target: "diagnosis_id", Type: TypeInteger, Required: true},
			{Source: "patient_id", Target: "patient_id", Type: TypeInteger, Required: true},
			{Source: "provider_id", Target: "provider_id", Type: TypeInteger},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "diagnosis_code", Target: "diagnosis_code", Type: TypeText, Required: true},
			{Source: "coding_system", Target: "coding_system", Type: TypeText, Rules: []Rule{AllowedRule("coding_system", "READ", "SNOMED", "ICD10")}},
			{Source: "description", Target: "description", Type: TypeText},
			{Source: "onset_date", Target: "onset_date", Type: TypeDate},
			{Source: "resolved_date", Target: "resolved_date", Type: TypeDate},
			{Source: "is_active", Target: "is_active", Type: TypeBoolean},
			{Source: "is_long_term", Target: "is_long_term", Type: TypeBoolean},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
	{
		Extract:      ExtractMedications,
		LandingTable: "medications",
		StagingTable: "medications",
		RejectTable:  "rejects_medications",
		Columns: []string{
			"medication_id", "patient_id", "provider_id", "practice_id", "per_org_id",
			"drug_code", "drug_name", "dose", "units", "frequency",
			"start_date", "end_date", "is_long_term", "is_repeat", "loaded_date_time",
		},
		NaturalKeys: []string{"medication_id", "practice_id", "per_org_id"},
		Transformations: []Transformation{
			{Source: "medication_id", Target: "medication_id", Type: TypeInteger, Required: true},
			{Source: "patient_id", Target: "patient_id", Type: TypeInteger, Required: true},
			{Source: "provider_id", Target: "provider_id", Type: TypeInteger},
			{Source: "practice_id", Target: "practice_id", Type: TypeText, Required: true},
			{Source: "per_org_id", Target: "per_org_id", Type: TypeText, Required: true},
			{Source: "drug_code", Target: "drug_code", Type: TypeText, Required: true},
			{Source: "drug_name", Target: "drug_name", Type: TypeText},
			{Source: "dose", Target: "dose", Type: TypeDecimal},
			{Source: "units", Target: "units", Type: TypeText},
			{Source: "frequency", Target: "frequency", Type: TypeText},
			{Source: "start_date", Target: "start_date", Type: TypeDate},
			{Source: "end_date", Target: "end_date", Type: TypeDate},
			{Source: "is_long_term", Target: "is_long_term", Type: TypeBoolean},
			{Source: "is_repeat", Target: "is_repeat", Type: TypeBoolean},
			{Source: "loaded_date_time", Target: "loaded_date_time", Type: TypeTimestamp, Required: true},
		},
	},
}

// SpecFor returns the handler for an extract type.
func SpecFor(et ExtractType) (ExtractSpec, bool) {
	for _, s := range extractRegistry {
		if s.Extract == et {
			return s, true
		}
	}
	return ExtractSpec{}, false
}

// AllSpecs returns every registered extract in registry order.
func AllSpecs() []ExtractSpec {
	out := make([]ExtractSpec, len(extractRegistry))
	copy(out, extractRegistry)
	return out
}

// AllExtractTypes returns the recognized extract types in registry order.
func AllExtractTypes() []ExtractType {
	out := make([]ExtractType, 0, len(extractRegistry))
	for _, s := range extractRegistry {
		out = append(out, s.Extract)
	}
	return out
}

var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateSpecs checks the registry for internal consistency. It runs
// at startup so declaration mistakes surface before any run is created,
// never midway through a transformation.
func ValidateSpecs() error {
	if len(extractRegistry) == 0 {
		return fmt.Errorf("extract registry is empty")
	}
	seen := make(map[ExtractType]bool)
	for _, s := range extractRegistry {
		if seen[s.Extract] {
			return fmt.Errorf("extract %q declared twice", s.Extract)
		}
		seen[s.Extract] = true

		for _, tbl := range []string{s.LandingTable, s.StagingTable, s.RejectTable} {
			if !identPattern.MatchString(tbl) {
				return fmt.Errorf("extract %q: invalid table name %q", s.Extract, tbl)
			}
		}
		if len(s.Columns) == 0 {
			return fmt.Errorf("extract %q: no landing columns declared", s.Extract)
		}

		cols := make(map[string]bool, len(s.Columns))
		for _, c := range s.Columns {
			if !identPattern.MatchString(c) {
				return fmt.Errorf("extract %q: invalid column name %q", s.Extract, c)
			}
			if cols[c] {
				return fmt.Errorf("extract %q: duplicate landing column %q", s.Extract, c)
			}
			cols[c] = true
		}
		for _, lineage := range LandingLineageColumns {
			if cols[lineage] {
				return fmt.Errorf("extract %q: column %q collides with a lineage column", s.Extract, lineage)
			}
		}

		if len(s.Transformations) == 0 {
			return fmt.Errorf("extract %q: no transformations declared", s.Extract)
		}
		targets := make(map[string]bool, len(s.Transformations))
		for _, tr := range s.Transformations {
			if !cols[tr.Source] {
				return fmt.Errorf("extract %q: transformation source %q is not a landing column", s.Extract, tr.Source)
			}
			if !identPattern.MatchString(tr.Target) {
				return fmt.Errorf("extract %q: invalid target column %q", s.Extract, tr.Target)
			}
			if targets[tr.Target] {
				return fmt.Errorf("extract %q: duplicate target column %q", s.Extract, tr.Target)
			}
			targets[tr.Target] = true
			if !knownColumnTypes[tr.Type] {
				return fmt.Errorf("extract %q: column %q has unknown type %q", s.Extract, tr.Target, tr.Type)
			}
			for _, r := range tr.Rules {
				if err := validateRule(r); err != nil {
					return fmt.Errorf("extract %q: column %q: %w", s.Extract, tr.Target, err)
				}
			}
		}
		for _, lineage := range StagingLineageColumns {
			if targets[lineage] {
				return fmt.Errorf("extract %q: target %q collides with a staging lineage column", s.Extract, lineage)
			}
		}

		if len(s.NaturalKeys) == 0 {
			return fmt.Errorf("extract %q: no natural keys declared", s.Extract)
		}
		for _, k := range s.NaturalKeys {
			if !targets[k] {
				return fmt.Errorf("extract %q: natural key %q is not a transformation target", s.Extract, k)
			}
		}
		if !containsAll(s.NaturalKeys, "practice_id", "per_org_id") {
			return fmt.Errorf("extract %q: natural keys must include practice_id and per_org_id", s.Extract)
		}
	}
	return nil
}

func validateRule(r Rule) error {
	switch r.Kind {
	case RuleRegex:
		if r.pattern == nil {
			return fmt.Errorf("rule %q: regex rule without a pattern", r.Name)
		}
	case RuleRange:
		if r.Min > r.Max {
			return fmt.Errorf("rule %q: range min %v exceeds max %v", r.Name, r.Min, r.Max)
		}
	case RuleMaxLength:
		if r.MaxLen <= 0 {
			return fmt.Errorf("rule %q: max length must be positive", r.Name)
		}
	case RuleAllowed:
		if len(r.Allowed) == 0 {
			return fmt.Errorf("rule %q: empty allowed set", r.Name)
		}
	default:
		return fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

func containsAll(haystack []string, needles ...string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

// ParseExtractType resolves a user-supplied name (CLI flag, config
// entry) to an extract type, accepting the feed token variants.
func ParseExtractType(name string) (ExtractType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, s := range extractRegistry {
		if string(s.Extract) == n {
			return s.Extract, nil
		}
	}
	for _, cand := range extractTokens {
		if strings.ToLower(cand.token) == n {
			return cand.extract, nil
		}
	}
	return "", fmt.Errorf("unknown extract type %q", name)
}
