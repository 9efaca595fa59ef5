package graph

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Writer executes statements in a single write transaction
type Writer interface {
	Write(ctx context.Context, statements ...Statement) error
}

// Projection mirrors committed contacts as (:Contact) nodes and merges as [:DUPLICATE_OF] edges.
// The relational store stays authoritative; a failed projection is logged and skipped.
type Projection struct {
	writer Writer
	logger ectologger.Logger
}

func NewProjection(writer Writer, logger ectologger.Logger) *Projection {
	return &Projection{
		writer: writer,
		logger: logger,
	}
}

const upsertContactCypher = `
		MERGE (c:Contact {id: $id})
		SET c += $props
	`

// UpsertContact builds the statement that creates or refreshes a contact node
func UpsertContact(contact *models.Contact) Statement {
	return Statement{
		Cypher: upsertContactCypher,
		Params: map[string]any{
			"id":    contact.ID,
			"props": contactProps(contact),
		},
	}
}

func (p *Projection) ContactCreated(ctx context.Context, contact *models.Contact) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.ContactCreated")
	defer span.End()

	p.write(ctx, contact.ID, UpsertContact(contact))
}

func (p *Projection) ContactUpdated(ctx context.Context, _, after *models.Contact) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.ContactUpdated")
	defer span.End()

	p.write(ctx, after.ID, UpsertContact(after))
}

// ContactsMerged refreshes both nodes, links the duplicate to the primary and moves
// the duplicate's own duplicates onto the primary.
func (p *Projection) ContactsMerged(ctx context.Context, primary, duplicate *models.Contact, decision *models.MergeDecision) {
	ctx, span := tracing.StartSpan(ctx, "graph.Projection.ContactsMerged")
	defer span.End()

	p.write(ctx, primary.ID,
		UpsertContact(primary),
		UpsertContact(duplicate),
		RepointDuplicates(duplicate.ID, primary.ID),
		LinkDuplicate(duplicate.ID, primary.ID, decision),
	)
}

func (p *Projection) write(ctx context.Context, contactID string, statements ...Statement) {
	if err := p.writer.Write(ctx, statements...); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contactID,
			"statements": len(statements),
		}).Error("Failed to project contact into graph")
		return
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id": contactID,
	}).Debug("Projected contact into graph")
}

func contactProps(c *models.Contact) map[string]any {
	return map[string]any{
		"contact_type":  string(c.Type),
		"display_name":  c.DisplayName,
		"status":        string(c.Status),
		"document":      optional(c.Document),
		"unit_id":       optional(c.UnitID),
		"department_id": optional(c.DepartmentID),
		"fingerprint":   c.Fingerprint,
		"email_count":   len(c.Emails),
		"phone_count":   len(c.Phones),
		"created_at":    c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":    c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// optional maps a nil pointer to a null property, which removes it on SET +=
func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
