package contact

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

// position keeps channels in the order the normalizer produced them
func (r *Repository) insertChannels(ctx context.Context, contact *models.Contact) error {
	q := r.db.Querier(ctx)

	if len(contact.Emails) > 0 {
		ib := database.NewInsertBuilder("contact_emails", "contact_id", "address", "is_primary", "position")
		for i, e := range contact.Emails {
			ib.Values(contact.ID, e.Address, e.IsPrimary, i)
		}
		query, args := ib.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contact.ID).Error("Failed to write contact emails")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write contact emails")
		}
	}

	if len(contact.Phones) > 0 {
		ib := database.NewInsertBuilder("contact_phones", "contact_id", "e164", "national_number", "extension", "phone_type", "is_primary", "position")
		for i, p := range contact.Phones {
			ib.Values(contact.ID, p.E164, p.NationalNumber, p.Extension, p.Type, p.IsPrimary, i)
		}
		query, args := ib.Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("contact_id", contact.ID).Error("Failed to write contact phones")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write contact phones")
		}
	}
	return nil
}

func (r *Repository) deleteChannels(ctx context.Context, contactID string) error {
	for _, table := range []string{"contact_emails", "contact_phones"} {
		db := database.NewDeleteBuilder()
		db.DeleteFrom(table)
		db.Where(db.Equal("contact_id", contactID))

		query, args := db.Build()
		if _, err := r.db.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"contact_id": contactID, "table": table}).Error("Failed to clear contact channels")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write contact channels")
		}
	}
	return nil
}

// loadChannels fills Emails and Phones of every contact with two queries
func (r *Repository) loadChannels(ctx context.Context, contacts []*models.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	ids := make([]string, len(contacts))
	byID := make(map[string]*models.Contact, len(contacts))
	for i, c := range contacts {
		ids[i] = c.ID
		byID[c.ID] = c
		c.Emails = []models.Email{}
		c.Phones = []models.Phone{}
	}

	q := r.db.Querier(ctx)

	eb := database.NewSelectBuilder()
	eb.Select("contact_id", "address", "is_primary")
	eb.From("contact_emails")
	eb.Where(fmt.Sprintf("contact_id = ANY(%s)", eb.Var(pq.Array(ids))))
	eb.OrderBy("contact_id", "position")

	query, args := eb.Build()
	var emails []models.Email
	if err := q.SelectContext(ctx, &emails, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load contact emails")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact emails")
	}
	for _, e := range emails {
		c := byID[e.ContactID]
		e.ContactID = "" // owner id is a storage detail; the domain carries channels inline
		c.Emails = append(c.Emails, e)
	}

	pb := database.NewSelectBuilder()
	pb.Select("contact_id", "e164", "national_number", "extension", "phone_type", "is_primary")
	pb.From("contact_phones")
	pb.Where(fmt.Sprintf("contact_id = ANY(%s)", pb.Var(pq.Array(ids))))
	pb.OrderBy("contact_id", "position")

	query, args = pb.Build()
	var phones []models.Phone
	if err := q.SelectContext(ctx, &phones, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load contact phones")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to get contact phones")
	}
	for _, p := range phones {
		c := byID[p.ContactID]
		p.ContactID = ""
		c.Phones = append(c.Phones, p)
	}
	return nil
}
