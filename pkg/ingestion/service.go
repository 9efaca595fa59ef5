// Package ingestion captures source payloads and upserts the canonical contacts they describe.
// Webhooks and the Kafka consumer both deliver through Service.Ingest.
package ingestion

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/contacts"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// SourceConfidence is the link confidence of a contact to a record it was built from
const SourceConfidence = 1.0

type Service struct {
	store    *store.Store
	guard    *Guard
	contacts *contacts.Service
	maxHops  int
	logger   ectologger.Logger
	now      func() time.Time
}

func NewService(st *store.Store, guard *Guard, contactService *contacts.Service, maxHops int, logger ectologger.Logger) *Service {
	return &Service{
		store:    st,
		guard:    guard,
		contacts: contactService,
		maxHops:  maxHops,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SourceActor is the audit actor of writes made on behalf of a source
func SourceActor(source string) string {
	return "source:" + source
}

// Ingest captures one event and upserts its contact. Replays of a (source, nonce) are acknowledged as
// duplicates and an unchanged payload is acknowledged without touching the contact.
// A malformed event is an apperror.ValidationError; everything else is an infrastructure failure worth retrying.
func (s *Service) Ingest(ctx context.Context, event models.IngestionEvent) (*models.IngestionAck, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Service.Ingest")
	defer span.End()

	start := time.Now()
	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"source":     event.Source,
		"source_key": event.SourceKey,
		"nonce":      event.Nonce,
	})

	ack, err := s.ingest(ctx, event)
	status := "failed"
	switch {
	case err == nil:
		status = string(ack.Status)
	case apperror.IsValidation(err):
		status = "invalid"
	}
	metrics.RecordIngestion(event.Source, status, time.Since(start).Seconds())

	if err != nil {
		if apperror.IsValidation(err) {
			log.WithError(err).Info("Rejected ingestion event")
		} else {
			log.WithError(err).Error("Failed to ingest event")
		}
		return nil, err
	}

	log.WithFields(map[string]any{
		"status":     ack.Status,
		"contact_id": ack.ContactID,
		"created":    ack.Created,
	}).Info("Ingested event")
	return ack, nil
}

func (s *Service) ingest(ctx context.Context, event models.IngestionEvent) (*models.IngestionAck, error) {
	if _, err := utils.Validate(event); err != nil {
		return nil, err
	}
	input, err := schema.DecodeContact(event.Payload)
	if err != nil {
		return nil, err
	}
	contentHash, err := fingerprint.ContentHash(event.Payload)
	if err != nil {
		return nil, apperror.NewValidationErrorf("payload", "", "payload cannot be canonicalized: %s", err.Error())
	}
	normalized, warnings := normalizers.NormalizeContact(input, s.contacts.Region())

	if s.guard.Seen(ctx, event.Source, event.Nonce) {
		return &models.IngestionAck{Status: models.IngestionStatusDuplicate}, nil
	}

	now := s.now()
	sourceAt := now
	if !event.Timestamp.IsZero() {
		sourceAt = event.Timestamp.UTC()
	}
	actor := SourceActor(event.Source)

	ack := &models.IngestionAck{Warnings: warningMessages(warnings)}
	var write *contacts.WriteResult
	err = s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.guard.Record(ctx, event.Source, event.Nonce); err != nil {
			return err
		}

		latest, err := s.store.Sources.Latest(ctx, event.Source, event.SourceKey)
		if err != nil {
			return err
		}
		linked, err := s.store.Sources.LinkedContact(ctx, event.Source, event.SourceKey)
		if err != nil {
			return err
		}
		var root string
		if linked != nil {
			// earlier versions may point at a contact that has since been merged away
			if root, err = merging.ResolveRoot(ctx, s.store.Contacts, *linked, s.maxHops); err != nil {
				return err
			}
		}

		if latest != nil && linked != nil && latest.ContentHash == contentHash {
			current, err := s.store.Contacts.Get(ctx, root)
			if err != nil {
				return err
			}
			ack.Status = models.IngestionStatusUnchanged
			ack.ContactID = current.ID
			ack.Fingerprint = current.Fingerprint
			ack.SourceRecordID = latest.ID
			return nil
		}

		record := &models.SourceRecord{
			Source:      event.Source,
			SourceKey:   event.SourceKey,
			Version:     1,
			ContentHash: contentHash,
			Payload:     event.Payload,
			FetchedAt:   now,
		}
		if latest != nil {
			record.Version = latest.Version + 1
		}
		if err := s.store.Sources.Insert(ctx, record); err != nil {
			return err
		}

		if linked == nil {
			contact, err := s.contacts.Insert(ctx, normalized, actor, &sourceAt)
			if err != nil {
				return err
			}
			write = &contacts.WriteResult{Contact: contact, Created: true, Changed: true, Warnings: warnings}
		} else {
			locked, err := s.store.Contacts.GetForUpdate(ctx, root)
			if err != nil {
				return err
			}
			if write, err = s.contacts.ApplySource(ctx, locked[root], normalized, actor, &sourceAt); err != nil {
				return err
			}
			write.Warnings = warnings
			if !write.Changed {
				if write.Contact, err = s.contacts.Touch(ctx, write.Contact, sourceAt); err != nil {
					return err
				}
			}
		}

		if err := s.store.Sources.Link(ctx, models.ContactSource{
			ContactID:      write.Contact.ID,
			SourceRecordID: record.ID,
			Confidence:     SourceConfidence,
			LinkedAt:       now,
		}); err != nil {
			return err
		}

		ack.Status = models.IngestionStatusAccepted
		ack.ContactID = write.Contact.ID
		ack.Fingerprint = write.Contact.Fingerprint
		ack.SourceRecordID = record.ID
		ack.Created = write.Created
		return nil
	})
	if err != nil {
		if apperror.IsDuplicateEvent(err) {
			s.guard.Committed(ctx, event.Source, event.Nonce)
			return &models.IngestionAck{Status: models.IngestionStatusDuplicate}, nil
		}
		return nil, err
	}

	s.guard.Committed(ctx, event.Source, event.Nonce)
	if write != nil {
		s.contacts.AfterCommit(ctx, write)
	}
	return ack, nil
}

func warningMessages(warnings []*apperror.ValidationError) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, 0, len(warnings))
	for _, w := range warnings {
		out = append(out, w.Error())
	}
	return out
}
