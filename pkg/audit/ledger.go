// Package audit appends to the tamper-evident event ledger.
// Events are chained per entity: each hash covers the previous hash and the canonical event body.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// GenesisHash is the prev_hash of an entity's first event
const GenesisHash = "genesis"

// Entry is an event to append
type Entry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     any
	After      any
}

// VerifyResult reports whether an entity's chain recomputes
type VerifyResult struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Events     int    `json:"events"`
	Valid      bool   `json:"valid"`
	BrokenAt   *int64 `json:"broken_at_seq,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type Ledger struct {
	store  store.AuditStore
	logger ectologger.Logger
	now    func() time.Time
}

func NewLedger(st store.AuditStore, logger ectologger.Logger) *Ledger {
	return &Ledger{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record appends entry to its entity's chain. Callers hold the entity's row lock inside a transaction,
// so the chain tail cannot move between LastHash and Append.
func (l *Ledger) Record(ctx context.Context, entry Entry) (*models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Ledger.Record")
	defer span.End()

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"entity_id":   entry.EntityID,
	})

	before, err := snapshot(entry.Before)
	if err != nil {
		log.WithError(err).Error("Failed to encode audit before snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode audit event")
	}
	after, err := snapshot(entry.After)
	if err != nil {
		log.WithError(err).Error("Failed to encode audit after snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to encode audit event")
	}

	prev, err := l.store.LastHash(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return nil, err
	}
	if prev == "" {
		prev = GenesisHash
	}

	event := &models.AuditEvent{
		Actor:      entry.Actor,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Before:     before,
		After:      after,
		PrevHash:   prev,
		// microseconds survive a Postgres timestamptz round trip, so Verify recomputes the same bytes
		CreatedAt: l.now().Truncate(time.Microsecond),
	}
	event.Hash, err = ChainHash(prev, event)
	if err != nil {
		log.WithError(err).Error("Failed to hash audit event")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to hash audit event")
	}

	if err := l.store.Append(ctx, event); err != nil {
		return nil, err
	}

	log.WithField("seq", event.Seq).Debug("Recorded audit event")
	return event, nil
}

// History returns an entity's events newest first. limit <= 0 returns all of them.
func (l *Ledger) History(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Ledger.History")
	defer span.End()

	events, err := l.store.ListByEntity(ctx, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return events, nil
}

// Verify walks an entity's chain from genesis and recomputes every hash
func (l *Ledger) Verify(ctx context.Context, entityType, entityID string) (*VerifyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Ledger.Verify")
	defer span.End()

	events, err := l.store.ListByEntity(ctx, entityType, entityID, 0)
	if err != nil {
		return nil, err
	}
	slices.Reverse(events)

	result := &VerifyResult{EntityType: entityType, EntityID: entityID, Events: len(events), Valid: true}
	prev := GenesisHash
	for i := range events {
		e := &events[i]
		if e.PrevHash != prev {
			result.fail(e.Seq, fmt.Sprintf("prev_hash %s does not match preceding hash %s", e.PrevHash, prev))
			break
		}
		want, err := ChainHash(prev, e)
		if err != nil {
			return nil, err
		}
		if want != e.Hash {
			result.fail(e.Seq, "hash does not match event contents")
			break
		}
		prev = e.Hash
	}

	if !result.Valid {
		l.logger.WithContext(ctx).WithFields(map[string]any{
			"entity_type": entityType,
			"entity_id":   entityID,
			"broken_at":   *result.BrokenAt,
			"reason":      result.Reason,
		}).Warn("Audit chain verification failed")
	}
	return result, nil
}

func (r *VerifyResult) fail(seq int64, reason string) {
	r.Valid = false
	r.BrokenAt = &seq
	r.Reason = reason
}

type chainBody struct {
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  string          `json:"created_at"`
}

// ChainHash is sha256(prev || canonical(event)). Seq and the stored hash are not part of the body.
func ChainHash(prev string, e *models.AuditEvent) (string, error) {
	body, err := fingerprint.Canonical(chainBody{
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Before:     e.Before,
		After:      e.After,
		CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	return fingerprint.HashBytes(append([]byte(prev), body...)), nil
}

// snapshot encodes v as canonical JSON; nil stays nil
func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		return fingerprint.CanonicalJSON(raw)
	}
	return fingerprint.Canonical(v)
}
