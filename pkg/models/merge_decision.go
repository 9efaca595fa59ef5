package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Decision is the outcome recorded for an ordered contact pair
type Decision string

const (
	DecisionMerge  Decision = "MERGE"
	DecisionReject Decision = "REJECT"
)

// Fields a merge may choose a surviving value for
const (
	FieldDisplayName  = "display_name"
	FieldContactType  = "contact_type"
	FieldDocument     = "document"
	FieldUnitID       = "unit_id"
	FieldDepartmentID = "department_id"
)

// ChosenFields maps a field name to the value that survives into the primary.
// An empty value clears a nullable field.
type ChosenFields map[string]string

func (c *ChosenFields) Scan(src any) error {
	if src == nil {
		*c = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("ChosenFields.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, c)
}

func (c ChosenFields) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// MergeDecision is keyed by the ordered (primary, duplicate) pair
type MergeDecision struct {
	PrimaryID    string       `json:"primary_id" db:"primary_id"`
	DuplicateID  string       `json:"duplicate_id" db:"duplicate_id"`
	Decision     Decision     `json:"decision" db:"decision"`
	ChosenFields ChosenFields `json:"chosen_fields" db:"chosen_fields"`
	DecidedBy    string       `json:"decided_by" db:"decided_by"`
	DecidedAt    time.Time    `json:"decided_at" db:"decided_at"`
}

// DecideRequest is the body of a merge decision
type DecideRequest struct {
	PrimaryID                    string       `json:"primary_id" validate:"required"`
	DuplicateID                  string       `json:"duplicate_id" validate:"required,nefield=PrimaryID"`
	Decision                     Decision     `json:"decision" validate:"required,oneof=MERGE REJECT"`
	ChosenFields                 ChosenFields `json:"chosen_fields,omitempty"`
	ExpectedPrimaryFingerprint   string       `json:"expected_primary_fingerprint,omitempty"`
	ExpectedDuplicateFingerprint string       `json:"expected_duplicate_fingerprint,omitempty"`
	Actor                        string       `json:"-"`
}

// DecisionResult is what a decision produces
type DecisionResult struct {
	Decision  *MergeDecision `json:"decision"`
	Revised   bool           `json:"revised"`
	Primary   *Contact       `json:"primary"`
	Duplicate *Contact       `json:"duplicate"`
}
