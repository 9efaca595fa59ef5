package matching

import (
	"context"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Generator finds contacts that share evidence with a subject. It has no side effects.
type Generator struct {
	contacts store.ContactStore
	cfg      Config
	logger   ectologger.Logger
}

func NewGenerator(contacts store.ContactStore, cfg Config, logger ectologger.Logger) *Generator {
	return &Generator{contacts: contacts, cfg: cfg, logger: logger}
}

// Generate returns the ACTIVE, non-superseded contacts found by any of the document, email, phone or name lookups,
// ordered by id. A subject that is not matchable itself yields nothing.
//
// The lookups run concurrently, so ctx must not carry a transaction.
func (g *Generator) Generate(ctx context.Context, subject *models.Contact) ([]*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.Generator.Generate")
	defer span.End()

	if subject == nil || !subject.IsMatchable() {
		return nil, nil
	}

	var (
		byDocument []string
		byEmail    []string
		byPhone    []string
		byName     []store.NameMatch
	)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		byDocument, err = g.contacts.FindByDocument(egctx, models.StringValue(subject.Document))
		return err
	})
	eg.Go(func() error {
		var err error
		byEmail, err = g.contacts.FindByEmails(egctx, subject.EmailAddresses())
		return err
	})
	eg.Go(func() error {
		var err error
		byPhone, err = g.contacts.FindByNationalNumbers(egctx, subject.NationalNumbers())
		return err
	})
	eg.Go(func() error {
		var err error
		byName, err = g.contacts.FindSimilarNames(egctx, subject.NormalizedName, subject.ID, g.cfg.NameSimilarityFloor, g.cfg.NameCandidateLimit)
		return err
	})
	if err := eg.Wait(); err != nil {
		g.logger.WithContext(ctx).WithError(err).WithField("contact_id", subject.ID).Error("Failed to look up candidates")
		return nil, err
	}

	hits := make(map[string]struct{})
	for _, ids := range [][]string{byDocument, byEmail, byPhone, ectolinq.Map(byName, func(m store.NameMatch) string { return m.ContactID })} {
		for _, id := range ids {
			if id != subject.ID {
				hits[id] = struct{}{}
			}
		}
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loaded, err := g.contacts.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	// a contact may have been merged between the lookup and the load
	matchable := ectolinq.Filter(loaded, func(c *models.Contact) bool { return c.IsMatchable() })
	sort.Slice(matchable, func(i, j int) bool { return matchable[i].ID < matchable[j].ID })

	g.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id":  subject.ID,
		"by_document": len(byDocument),
		"by_email":    len(byEmail),
		"by_phone":    len(byPhone),
		"by_name":     len(byName),
		"candidates":  len(matchable),
	}).Debug("Generated candidates")

	return matchable, nil
}
