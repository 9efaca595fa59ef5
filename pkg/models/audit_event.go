package models

import (
	"encoding/json"
	"time"
)

// Audit entity types
const (
	AuditEntityContact       = "contact"
	AuditEntityMergeDecision = "merge_decision"
)

// Audit actions
const (
	AuditActionContactCreated      = "contact.created"
	AuditActionContactUpdated      = "contact.updated"
	AuditActionContactConsolidated = "contact.consolidated"
	AuditActionContactSuperseded   = "contact.superseded"
	AuditActionContactRepointed    = "contact.repointed"
	AuditActionMergeDecided        = "merge.decided"
	AuditActionMergeRevised        = "merge.revised"
)

// AuditEvent is an append-only ledger entry, chained per entity by hash
type AuditEvent struct {
	Seq        int64           `json:"seq" db:"seq"`
	Actor      string          `json:"actor" db:"actor"`
	Action     string          `json:"action" db:"action"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   string          `json:"entity_id" db:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty" db:"before"`
	After      json.RawMessage `json:"after,omitempty" db:"after"`
	PrevHash   string          `json:"prev_hash" db:"prev_hash"`
	Hash       string          `json:"hash" db:"hash"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// DecisionEntityID is the audit entity id of an ordered decision pair
func DecisionEntityID(primaryID, duplicateID string) string {
	return primaryID + ":" + duplicateID
}
