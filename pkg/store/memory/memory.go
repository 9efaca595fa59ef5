// Package memory is an in-process arena implementation of the store contracts.
// Contacts live in a map keyed by id and the duplicate-of forest is kept as parent ids on those records.
// Transactions run on a copy of the arena that replaces the live one on commit.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/trigram"
)

type pairKey struct{ a, b string }

type state struct {
	contacts   map[string]*models.Contact
	records    map[string]*models.SourceRecord
	versions   map[pairKey][]string // (source, key) -> record ids, oldest first
	links      map[pairKey]models.ContactSource
	candidates map[pairKey]models.MergeCandidate
	decisions  map[pairKey]models.MergeDecision
	audit      []models.AuditEvent
	receipts   map[pairKey]time.Time
}

func newState() *state {
	return &state{
		contacts:   make(map[string]*models.Contact),
		records:    make(map[string]*models.SourceRecord),
		versions:   make(map[pairKey][]string),
		links:      make(map[pairKey]models.ContactSource),
		candidates: make(map[pairKey]models.MergeCandidate),
		decisions:  make(map[pairKey]models.MergeDecision),
		receipts:   make(map[pairKey]time.Time),
	}
}

// clone copies the maps. Stored values are never mutated in place, so a shallow copy is enough.
func (s *state) clone() *state {
	versions := make(map[pairKey][]string, len(s.versions))
	for k, v := range s.versions {
		versions[k] = slices.Clone(v)
	}
	return &state{
		contacts:   maps.Clone(s.contacts),
		records:    maps.Clone(s.records),
		versions:   versions,
		links:      maps.Clone(s.links),
		candidates: maps.Clone(s.candidates),
		decisions:  maps.Clone(s.decisions),
		audit:      slices.Clone(s.audit),
		receipts:   maps.Clone(s.receipts),
	}
}

type txKey struct{}

type txState struct {
	owner *Store
	st    *state
}

// Store is the arena. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// Bundle returns the arena wired into every store contract
func (s *Store) Bundle() *store.Store {
	return &store.Store{
		Tx:         s,
		Contacts:   &contacts{s},
		Sources:    &sources{s},
		Candidates: &candidates{s},
		Decisions:  &decisions{s},
		Audit:      &audit{s},
		Receipts:   &receipts{s},
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok && tx.owner == s {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, &txState{owner: s, st: work})); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok && tx.owner == s {
		return fn(tx.st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// write applies fn atomically. Outside a transaction it works on a copy so a failing fn leaves no trace.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok && tx.owner == s {
		return fn(tx.st)
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx.Value(txKey{}).(*txState).st)
	})
}

// Root walks the duplicate-of forest from id. It is a test and debugging aid; production code
// resolves through merging.ResolveRoot so the hop bound applies.
func (s *Store) Root(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for {
		c, ok := s.st.contacts[id]
		if !ok || c.DuplicateOf == nil || seen[id] {
			return id
		}
		seen[id] = true
		id = *c.DuplicateOf
	}
}

type contacts struct{ s *Store }

func (r *contacts) Create(ctx context.Context, contact *models.Contact) error {
	return r.s.write(ctx, func(st *state) error {
		if contact.ID == "" {
			contact.ID = uuid.New().String()
		}
		if _, exists := st.contacts[contact.ID]; exists {
			return fmt.Errorf("contact %s already exists", contact.ID)
		}
		st.contacts[contact.ID] = contact.Clone()
		return nil
	})
}

func (r *contacts) Get(ctx context.Context, id string) (*models.Contact, error) {
	var out *models.Contact
	err := r.s.read(ctx, func(st *state) error {
		c, ok := st.contacts[id]
		if !ok {
			return apperror.NewNotFoundError("contact", id)
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

func (r *contacts) GetMany(ctx context.Context, ids []string) ([]*models.Contact, error) {
	var out []*models.Contact
	err := r.s.read(ctx, func(st *state) error {
		for _, id := range ids {
			if c, ok := st.contacts[id]; ok {
				out = append(out, c.Clone())
			}
		}
		return nil
	})
	return out, err
}

func (r *contacts) GetForUpdate(ctx context.Context, ids ...string) (map[string]*models.Contact, error) {
	out := make(map[string]*models.Contact, len(ids))
	err := r.s.read(ctx, func(st *state) error {
		for _, id := range ids {
			c, ok := st.contacts[id]
			if !ok {
				return apperror.NewNotFoundError("contact", id)
			}
			out[id] = c.Clone()
		}
		return nil
	})
	return out, err
}

func (r *contacts) Update(ctx context.Context, contact *models.Contact, expectedFingerprint string) error {
	return r.s.write(ctx, func(st *state) error {
		current, ok := st.contacts[contact.ID]
		if !ok {
			return apperror.NewNotFoundError("contact", contact.ID)
		}
		if current.Fingerprint != expectedFingerprint {
			return apperror.NewStaleFingerprintError(contact.ID)
		}
		st.contacts[contact.ID] = contact.Clone()
		return nil
	})
}

func (r *contacts) ParentOf(ctx context.Context, id string) (*string, error) {
	var parent *string
	err := r.s.read(ctx, func(st *state) error {
		c, ok := st.contacts[id]
		if !ok {
			return apperror.NewNotFoundError("contact", id)
		}
		if c.DuplicateOf != nil {
			p := *c.DuplicateOf
			parent = &p
		}
		return nil
	})
	return parent, err
}

func (r *contacts) RepointDuplicates(ctx context.Context, fromID, toID string, at time.Time) ([]string, error) {
	var ids []string
	err := r.s.write(ctx, func(st *state) error {
		for id, c := range st.contacts {
			if c.DuplicateOf != nil && *c.DuplicateOf == fromID {
				next := c.Clone()
				next.DuplicateOf = &toID
				next.UpdatedAt = at
				st.contacts[id] = next
				ids = append(ids, id)
			}
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (r *contacts) find(ctx context.Context, match func(c *models.Contact) bool) ([]string, error) {
	var ids []string
	err := r.s.read(ctx, func(st *state) error {
		for id, c := range st.contacts {
			if c.IsMatchable() && match(c) {
				ids = append(ids, id)
			}
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

func (r *contacts) FindByDocument(ctx context.Context, document string) ([]string, error) {
	if document == "" {
		return nil, nil
	}
	return r.find(ctx, func(c *models.Contact) bool {
		return c.Document != nil && *c.Document == document
	})
}

func (r *contacts) FindByEmails(ctx context.Context, addresses []string) ([]string, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	return r.find(ctx, func(c *models.Contact) bool {
		for _, e := range c.Emails {
			if slices.Contains(addresses, e.Address) {
				return true
			}
		}
		return false
	})
}

func (r *contacts) FindByNationalNumbers(ctx context.Context, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	return r.find(ctx, func(c *models.Contact) bool {
		for _, p := range c.Phones {
			if slices.Contains(numbers, p.NationalNumber) {
				return true
			}
		}
		return false
	})
}

func (r *contacts) FindSimilarNames(ctx context.Context, normalizedName, excludeID string, floor float64, limit int) ([]store.NameMatch, error) {
	if normalizedName == "" {
		return nil, nil
	}
	var matches []store.NameMatch
	err := r.s.read(ctx, func(st *state) error {
		for id, c := range st.contacts {
			if id == excludeID || !c.IsMatchable() {
				continue
			}
			if sim := trigram.Similarity(normalizedName, c.NormalizedName); sim >= floor {
				matches = append(matches, store.NameMatch{ContactID: id, Similarity: sim})
			}
		}
		return nil
	})
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ContactID < matches[j].ContactID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, err
}

type sources struct{ s *Store }

func (r *sources) Latest(ctx context.Context, source, sourceKey string) (*models.SourceRecord, error) {
	var out *models.SourceRecord
	err := r.s.read(ctx, func(st *state) error {
		ids := st.versions[pairKey{source, sourceKey}]
		if len(ids) == 0 {
			return nil
		}
		rec := *st.records[ids[len(ids)-1]]
		out = &rec
		return nil
	})
	return out, err
}

func (r *sources) Insert(ctx context.Context, record *models.SourceRecord) error {
	return r.s.write(ctx, func(st *state) error {
		key := pairKey{record.Source, record.SourceKey}
		for _, id := range st.versions[key] {
			if st.records[id].Version == record.Version {
				return fmt.Errorf("source record %s/%s version %d already exists", record.Source, record.SourceKey, record.Version)
			}
		}
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		rec := *record
		rec.Payload = slices.Clone(record.Payload)
		st.records[rec.ID] = &rec
		st.versions[key] = append(st.versions[key], rec.ID)
		return nil
	})
}

func (r *sources) Versions(ctx context.Context, source, sourceKey string) ([]models.SourceRecord, error) {
	var out []models.SourceRecord
	err := r.s.read(ctx, func(st *state) error {
		for _, id := range st.versions[pairKey{source, sourceKey}] {
			out = append(out, *st.records[id])
		}
		return nil
	})
	return out, err
}

func (r *sources) Link(ctx context.Context, link models.ContactSource) error {
	return r.s.write(ctx, func(st *state) error {
		key := pairKey{link.ContactID, link.SourceRecordID}
		if existing, ok := st.links[key]; ok && existing.Confidence >= link.Confidence {
			return nil
		}
		st.links[key] = link
		return nil
	})
}

func (r *sources) ReparentLinks(ctx context.Context, fromContactID, toContactID string) (int64, error) {
	var n int64
	err := r.s.write(ctx, func(st *state) error {
		for key, link := range st.links {
			if key.a != fromContactID {
				continue
			}
			delete(st.links, key)
			link.ContactID = toContactID
			target := pairKey{toContactID, link.SourceRecordID}
			if existing, ok := st.links[target]; !ok || existing.Confidence < link.Confidence {
				st.links[target] = link
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r *sources) LinksForContact(ctx context.Context, contactID string) ([]models.ContactSource, error) {
	var out []models.ContactSource
	err := r.s.read(ctx, func(st *state) error {
		for key, link := range st.links {
			if key.a == contactID {
				out = append(out, link)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SourceRecordID < out[j].SourceRecordID })
	return out, err
}

func (r *sources) LinkedContact(ctx context.Context, source, sourceKey string) (*string, error) {
	var out *string
	err := r.s.read(ctx, func(st *state) error {
		ids := st.versions[pairKey{source, sourceKey}]
		// newest version first
		for i := len(ids) - 1; i >= 0; i-- {
			var found []string
			for key := range st.links {
				if key.b == ids[i] {
					found = append(found, key.a)
				}
			}
			if len(found) > 0 {
				sort.Strings(found)
				out = &found[0]
				return nil
			}
		}
		return nil
	})
	return out, err
}

type candidates struct{ s *Store }

func (r *candidates) Upsert(ctx context.Context, candidate *models.MergeCandidate) error {
	return r.s.write(ctx, func(st *state) error {
		a, b := models.CanonicalPair(candidate.ContactAID, candidate.ContactBID)
		candidate.ContactAID, candidate.ContactBID = a, b
		key := pairKey{a, b}
		if existing, ok := st.candidates[key]; ok {
			candidate.CreatedAt = existing.CreatedAt
		}
		st.candidates[key] = *candidate
		return nil
	})
}

func (r *candidates) Get(ctx context.Context, contactA, contactB string) (*models.MergeCandidate, error) {
	var out *models.MergeCandidate
	err := r.s.read(ctx, func(st *state) error {
		a, b := models.CanonicalPair(contactA, contactB)
		if c, ok := st.candidates[pairKey{a, b}]; ok {
			out = &c
		}
		return nil
	})
	return out, err
}

func (r *candidates) Delete(ctx context.Context, contactA, contactB string) error {
	return r.s.write(ctx, func(st *state) error {
		a, b := models.CanonicalPair(contactA, contactB)
		delete(st.candidates, pairKey{a, b})
		return nil
	})
}

func (r *candidates) ListByContact(ctx context.Context, contactID string) ([]models.MergeCandidate, error) {
	var out []models.MergeCandidate
	err := r.s.read(ctx, func(st *state) error {
		for _, c := range st.candidates {
			if c.Involves(contactID) {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, err
}

func (r *candidates) DeleteByContact(ctx context.Context, contactID string) (int64, error) {
	var n int64
	err := r.s.write(ctx, func(st *state) error {
		for key, c := range st.candidates {
			if c.Involves(contactID) {
				delete(st.candidates, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *candidates) ListPending(ctx context.Context, limit int) ([]models.MergeCandidate, error) {
	var out []models.MergeCandidate
	err := r.s.read(ctx, func(st *state) error {
		for key, c := range st.candidates {
			_, decided := st.decisions[key]
			_, decidedReverse := st.decisions[pairKey{key.b, key.a}]
			if !decided && !decidedReverse {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type decisions struct{ s *Store }

func (r *decisions) Get(ctx context.Context, primaryID, duplicateID string) (*models.MergeDecision, error) {
	var out *models.MergeDecision
	err := r.s.read(ctx, func(st *state) error {
		if d, ok := st.decisions[pairKey{primaryID, duplicateID}]; ok {
			d.ChosenFields = maps.Clone(d.ChosenFields)
			out = &d
		}
		return nil
	})
	return out, err
}

func (r *decisions) Upsert(ctx context.Context, decision *models.MergeDecision) error {
	return r.s.write(ctx, func(st *state) error {
		d := *decision
		d.ChosenFields = maps.Clone(decision.ChosenFields)
		st.decisions[pairKey{d.PrimaryID, d.DuplicateID}] = d
		return nil
	})
}

type audit struct{ s *Store }

func (r *audit) LastHash(ctx context.Context, entityType, entityID string) (string, error) {
	var hash string
	err := r.s.read(ctx, func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			if st.audit[i].EntityType == entityType && st.audit[i].EntityID == entityID {
				hash = st.audit[i].Hash
				return nil
			}
		}
		return nil
	})
	return hash, err
}

func (r *audit) Append(ctx context.Context, event *models.AuditEvent) error {
	return r.s.write(ctx, func(st *state) error {
		for _, e := range st.audit {
			if e.EntityType == event.EntityType && e.EntityID == event.EntityID && e.PrevHash == event.PrevHash {
				return fmt.Errorf("audit chain fork for %s %s at %s", event.EntityType, event.EntityID, event.PrevHash)
			}
		}
		event.Seq = int64(len(st.audit)) + 1
		st.audit = append(st.audit, *event)
		return nil
	})
}

func (r *audit) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	err := r.s.read(ctx, func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			if e.EntityType == entityType && e.EntityID == entityID {
				out = append(out, e)
				if limit > 0 && len(out) == limit {
					break
				}
			}
		}
		return nil
	})
	return out, err
}

type receipts struct{ s *Store }

func (r *receipts) Record(ctx context.Context, receipt models.WebhookReceipt) error {
	return r.s.write(ctx, func(st *state) error {
		key := pairKey{receipt.Source, receipt.Nonce}
		if _, seen := st.receipts[key]; seen {
			return apperror.NewDuplicateEventError(receipt.Source, receipt.Nonce)
		}
		st.receipts[key] = receipt.ReceivedAt
		return nil
	})
}

func (r *receipts) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.s.write(ctx, func(st *state) error {
		for key, at := range st.receipts {
			if at.Before(cutoff) {
				delete(st.receipts, key)
				n++
			}
		}
		return nil
	})
	return n, err
}

// Stats summarizes the arena contents
type Stats struct {
	Contacts      int
	SourceRecords int
	Candidates    int
	Decisions     int
	AuditEvents   int
	Receipts      int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Contacts:      len(s.st.contacts),
		SourceRecords: len(s.st.records),
		Candidates:    len(s.st.candidates),
		Decisions:     len(s.st.decisions),
		AuditEvents:   len(s.st.audit),
		Receipts:      len(s.st.receipts),
	}
}

func (s Stats) String() string {
	return "contacts=" + strconv.Itoa(s.Contacts) + " source_records=" + strconv.Itoa(s.SourceRecords) +
		" candidates=" + strconv.Itoa(s.Candidates) + " decisions=" + strconv.Itoa(s.Decisions) +
		" audit_events=" + strconv.Itoa(s.AuditEvents) + " receipts=" + strconv.Itoa(s.Receipts)
}
