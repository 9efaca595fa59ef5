package models

import (
	"encoding/json"
	"time"
)

// SourceRecord is an immutable capture of one external payload version
type SourceRecord struct {
	ID          string          `json:"id" db:"id"`
	Source      string          `json:"source" db:"source"`
	SourceKey   string          `json:"source_key" db:"source_key"`
	Version     int             `json:"version" db:"version"`
	ContentHash string          `json:"content_hash" db:"content_hash"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	FetchedAt   time.Time       `json:"fetched_at" db:"fetched_at"`
}

// ContactSource links a contact to a source record that corroborates it
type ContactSource struct {
	ContactID      string    `json:"contact_id" db:"contact_id"`
	SourceRecordID string    `json:"source_record_id" db:"source_record_id"`
	Confidence     float64   `json:"confidence" db:"confidence"`
	LinkedAt       time.Time `json:"linked_at" db:"linked_at"`
}

// IngestionEvent is the envelope every external source delivers
type IngestionEvent struct {
	Source    string          `json:"source" validate:"required,max=100"`
	SourceKey string          `json:"sourceKey" validate:"required,max=255"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
	Nonce     string          `json:"nonce" validate:"required,max=255"`
	Timestamp time.Time       `json:"ts"`
}

// IngestionStatus is the acknowledgment returned for an ingestion event
type IngestionStatus string

const (
	IngestionStatusAccepted  IngestionStatus = "accepted"
	IngestionStatusDuplicate IngestionStatus = "duplicate"
	IngestionStatusUnchanged IngestionStatus = "unchanged"
)

// IngestionAck is the result of ingesting one event
type IngestionAck struct {
	Status         IngestionStatus `json:"status"`
	ContactID      string          `json:"contact_id,omitempty"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	SourceRecordID string          `json:"source_record_id,omitempty"`
	Created        bool            `json:"created,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// WebhookReceipt marks a (source, nonce) as seen
type WebhookReceipt struct {
	Source     string    `json:"source" db:"source"`
	Nonce      string    `json:"nonce" db:"nonce"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}
