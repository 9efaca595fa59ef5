// Package contacts owns writes to canonical contacts: explicit creation, guarded updates and the
// upserts ingestion performs once a source record has been captured.
package contacts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Refresher rescores a contact's candidates after a committed write
type Refresher interface {
	Refresh(ctx context.Context, contactID string) (*matching.RefreshResult, error)
}

// Observer is told about committed contact writes. Observers cannot fail the write.
type Observer interface {
	ContactCreated(ctx context.Context, contact *models.Contact)
	ContactUpdated(ctx context.Context, before, after *models.Contact)
}

// Options configures a Service
type Options struct {
	DefaultRegion string
	MaxHops       int
}

// WriteResult is the outcome of a contact write
type WriteResult struct {
	Contact  *models.Contact
	Before   *models.Contact // nil for a created contact
	Created  bool
	Changed  bool
	Warnings []*apperror.ValidationError
}

type Service struct {
	store     *store.Store
	ledger    *audit.Ledger
	refresher Refresher
	observers []Observer
	opts      Options
	logger    ectologger.Logger
	now       func() time.Time
}

func NewService(st *store.Store, ledger *audit.Ledger, refresher Refresher, opts Options, logger ectologger.Logger) *Service {
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = normalizers.DefaultRegion
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = merging.DefaultMaxHops
	}
	return &Service{
		store:     st,
		ledger:    ledger,
		refresher: refresher,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) AddObserver(observer Observer) {
	s.observers = append(s.observers, observer)
}

// Region is the default phone region used when normalizing
func (s *Service) Region() string {
	return s.opts.DefaultRegion
}

// Get returns a contact by id, superseded or not
func (s *Service) Get(ctx context.Context, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Get")
	defer span.End()

	return s.store.Contacts.Get(ctx, id)
}

// Resolve follows duplicate-of pointers and returns the canonical contact
func (s *Service) Resolve(ctx context.Context, id string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Resolve")
	defer span.End()

	root, err := merging.ResolveRoot(ctx, s.store.Contacts, id, s.opts.MaxHops)
	if err != nil {
		return nil, err
	}
	return s.store.Contacts.Get(ctx, root)
}

// Sources returns the source record links of a contact
func (s *Service) Sources(ctx context.Context, id string) ([]models.ContactSource, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Sources")
	defer span.End()

	if _, err := s.store.Contacts.Get(ctx, id); err != nil {
		return nil, err
	}
	links, err := s.store.Sources.LinksForContact(ctx, id)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []models.ContactSource{}
	}
	return links, nil
}

// Create normalizes input and stores it as a new canonical contact
func (s *Service) Create(ctx context.Context, input models.ContactInput, actor string) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Create")
	defer span.End()

	if _, err := utils.Validate(input); err != nil {
		return nil, err
	}
	normalized, warnings := normalizers.NormalizeContact(input, s.opts.DefaultRegion)

	var result *WriteResult
	err := s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		contact, err := s.Insert(ctx, normalized, actor, nil)
		if err != nil {
			return err
		}
		result = &WriteResult{Contact: contact, Created: true, Changed: true, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.AfterCommit(ctx, result)
	return result, nil
}

// Update applies patch if the contact still has expectedFingerprint. Identical content is a no-op.
func (s *Service) Update(ctx context.Context, id, expectedFingerprint string, patch models.UpdateContactRequest, actor string) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Update")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{"contact_id": id, "actor": actor})

	if strings.TrimSpace(expectedFingerprint) == "" {
		return nil, apperror.NewValidationError("fingerprint", "", "an expected fingerprint is required to update a contact")
	}
	if _, err := utils.Validate(patch); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.Contacts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		current := locked[id]
		if current.IsSuperseded() {
			return apperror.NewConflictError(apperror.ConflictSuperseded, id, "contact "+id+" has been merged into "+*current.DuplicateOf)
		}
		if current.Fingerprint != expectedFingerprint {
			return apperror.NewStaleFingerprintError(id)
		}

		next, warnings, err := s.applyPatch(current, patch)
		if err != nil {
			return err
		}
		result = &WriteResult{Contact: current, Before: current, Warnings: warnings}
		if next.Fingerprint == current.Fingerprint {
			return nil
		}

		if err := s.write(ctx, current, next, actor, models.AuditActionContactUpdated); err != nil {
			return err
		}
		result.Contact = next
		result.Changed = true
		return nil
	})
	if err != nil {
		var conflict *apperror.ConflictError
		if errors.As(err, &conflict) {
			metrics.RecordConflict(string(conflict.Reason))
			log.WithError(err).Info("Contact update conflicted")
		}
		return nil, err
	}

	s.AfterCommit(ctx, result)
	return result, nil
}

// Insert stores a normalized contact and audits it. It joins the caller's transaction.
func (s *Service) Insert(ctx context.Context, normalized normalizers.Contact, actor string, sourceAt *time.Time) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Insert")
	defer span.End()

	if normalized.NormalizedName == "" {
		return nil, apperror.NewValidationError("name", normalized.DisplayName, "name has no letters or digits")
	}

	now := s.now()
	contact := &models.Contact{
		ID:           uuid.New().String(),
		Status:       models.ContactStatusActive,
		LastSourceAt: sourceAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	assign(contact, normalized)
	contact.Fingerprint = fingerprint.Contact(contact)

	err := s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.Contacts.Create(ctx, contact); err != nil {
			return err
		}
		_, err := s.ledger.Record(ctx, audit.Entry{
			Actor:      actor,
			Action:     models.AuditActionContactCreated,
			EntityType: models.AuditEntityContact,
			EntityID:   contact.ID,
			After:      contact,
		})
		return err
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to create contact")
		return nil, err
	}
	return contact, nil
}

// ApplySource folds a source's normalized view into a locked canonical contact.
// Scalar fields the source carries overwrite, absent ones are kept, and channels are added rather than replaced
// so that a contact fed by several sources keeps every channel. It joins the caller's transaction.
func (s *Service) ApplySource(ctx context.Context, current *models.Contact, normalized normalizers.Contact, actor string, sourceAt *time.Time) (*WriteResult, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.ApplySource")
	defer span.End()

	if current.IsSuperseded() {
		return nil, apperror.NewConflictError(apperror.ConflictSuperseded, current.ID, "contact "+current.ID+" is superseded")
	}

	next := current.Clone()
	if normalized.NormalizedName != "" {
		next.DisplayName = normalized.DisplayName
		next.NormalizedName = normalized.NormalizedName
	}
	next.Type = normalized.Type
	if normalized.Document != nil {
		next.Document = normalized.Document
	}
	if normalized.UnitID != nil {
		next.UnitID = normalized.UnitID
	}
	if normalized.DepartmentID != nil {
		next.DepartmentID = normalized.DepartmentID
	}
	merging.MergeChannels(next, &models.Contact{ID: current.ID, Emails: normalized.Emails, Phones: normalized.Phones})
	next.Fingerprint = fingerprint.Contact(next)

	result := &WriteResult{Contact: current, Before: current}
	if next.Fingerprint == current.Fingerprint {
		return result, nil
	}

	if sourceAt != nil && (current.LastSourceAt == nil || sourceAt.After(*current.LastSourceAt)) {
		next.LastSourceAt = sourceAt
	}
	if err := s.write(ctx, current, next, actor, models.AuditActionContactUpdated); err != nil {
		return nil, err
	}
	result.Contact = next
	result.Changed = true
	return result, nil
}

// Touch records source activity on a contact without changing its content
func (s *Service) Touch(ctx context.Context, current *models.Contact, sourceAt time.Time) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contacts.Service.Touch")
	defer span.End()

	if current.LastSourceAt != nil && !sourceAt.After(*current.LastSourceAt) {
		return current, nil
	}
	next := current.Clone()
	next.LastSourceAt = &sourceAt
	if err := s.store.Contacts.Update(ctx, next, current.Fingerprint); err != nil {
		return nil, err
	}
	return next, nil
}

// AfterCommit refreshes candidates and notifies observers for a committed write.
// Failures here are logged; the write already stands.
func (s *Service) AfterCommit(ctx context.Context, result *WriteResult) {
	if result == nil || !result.Changed {
		return
	}
	for _, w := range result.Warnings {
		metrics.ChannelWarningsTotal.WithLabelValues(w.Field).Inc()
	}

	if s.refresher != nil {
		if _, err := s.refresher.Refresh(ctx, result.Contact.ID); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("contact_id", result.Contact.ID).Warn("Failed to refresh merge candidates")
		}
	}
	for _, o := range s.observers {
		if result.Created {
			o.ContactCreated(ctx, result.Contact)
		} else {
			o.ContactUpdated(ctx, result.Before, result.Contact)
		}
	}
}

func (s *Service) write(ctx context.Context, current, next *models.Contact, actor, action string) error {
	next.UpdatedAt = s.now()
	if err := s.store.Contacts.Update(ctx, next, current.Fingerprint); err != nil {
		return err
	}
	_, err := s.ledger.Record(ctx, audit.Entry{
		Actor:      actor,
		Action:     action,
		EntityType: models.AuditEntityContact,
		EntityID:   next.ID,
		Before:     current,
		After:      next,
	})
	return err
}

func (s *Service) applyPatch(current *models.Contact, patch models.UpdateContactRequest) (*models.Contact, []*apperror.ValidationError, error) {
	next := current.Clone()
	if patch.Type != nil {
		next.Type = *patch.Type
	}
	if patch.Name != nil {
		next.DisplayName = normalizers.DisplayName(*patch.Name)
		next.NormalizedName = normalizers.NormalizeName(*patch.Name)
		if next.NormalizedName == "" {
			return nil, nil, apperror.NewValidationError("name", *patch.Name, "name has no letters or digits")
		}
	}
	if patch.Status != nil {
		next.Status = *patch.Status
	}
	if patch.Document != nil {
		next.Document = normalizers.NormalizeDocument(*patch.Document)
	}
	if patch.UnitID != nil {
		next.UnitID = normalizers.OptionalID(*patch.UnitID)
	}
	if patch.DepartmentID != nil {
		next.DepartmentID = normalizers.OptionalID(*patch.DepartmentID)
	}

	var warnings []*apperror.ValidationError
	if patch.Emails != nil || patch.Phones != nil {
		var emails []models.EmailInput
		var phones []models.PhoneInput
		if patch.Emails != nil {
			emails = *patch.Emails
		}
		if patch.Phones != nil {
			phones = *patch.Phones
		}
		normEmails, normPhones, w := normalizers.Channels(emails, phones, s.opts.DefaultRegion)
		warnings = w
		if patch.Emails != nil {
			next.Emails = normEmails
		}
		if patch.Phones != nil {
			next.Phones = normPhones
		}
	}

	next.Fingerprint = fingerprint.Contact(next)
	return next, warnings, nil
}

func assign(c *models.Contact, n normalizers.Contact) {
	c.Type = n.Type
	c.DisplayName = n.DisplayName
	c.NormalizedName = n.NormalizedName
	c.Document = n.Document
	c.UnitID = n.UnitID
	c.DepartmentID = n.DepartmentID
	c.Emails = n.Emails
	c.Phones = n.Phones
}
