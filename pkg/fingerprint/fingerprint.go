// Package fingerprint derives content hashes over RFC 8785 canonical JSON.
// Contact fingerprints are the optimistic concurrency token; payload hashes detect unchanged source versions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Canonical returns the RFC 8785 form of v
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: marshal failed: %w", err)
	}
	return CanonicalJSON(raw)
}

// CanonicalJSON canonicalizes an already encoded JSON document
func CanonicalJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: canonicalization failed: %w", err)
	}
	return out, nil
}

// Hash is the hex SHA-256 of the canonical form of v
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentHash hashes a source payload. Key order and insignificant whitespace do not change it.
func ContentHash(payload json.RawMessage) (string, error) {
	b, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

type emailView struct {
	Address   string `json:"address"`
	IsPrimary bool   `json:"is_primary"`
}

type phoneView struct {
	E164      string  `json:"e164"`
	Extension *string `json:"extension"`
	Type      string  `json:"type"`
	IsPrimary bool    `json:"is_primary"`
}

type contactView struct {
	Type         string      `json:"contact_type"`
	DisplayName  string      `json:"display_name"`
	Status       string      `json:"status"`
	UnitID       *string     `json:"unit_id"`
	DepartmentID *string     `json:"department_id"`
	Document     *string     `json:"document"`
	Emails       []emailView `json:"emails"`
	Phones       []phoneView `json:"phones"`
}

// Contact fingerprints the user-visible state of a contact. Derived and bookkeeping columns
// (normalized name, timestamps, the duplicate-of pointer, the fingerprint itself) are excluded, and channel order does not matter.
// Superseding a contact always changes its status, so re-pointing an already superseded contact keeps its fingerprint.
func Contact(c *models.Contact) string {
	view := contactView{
		Type:         string(c.Type),
		DisplayName:  c.DisplayName,
		Status:       string(c.Status),
		UnitID:       c.UnitID,
		DepartmentID: c.DepartmentID,
		Document:     c.Document,
		Emails:       make([]emailView, 0, len(c.Emails)),
		Phones:       make([]phoneView, 0, len(c.Phones)),
	}
	for _, e := range c.Emails {
		view.Emails = append(view.Emails, emailView{Address: e.Address, IsPrimary: e.IsPrimary})
	}
	sort.Slice(view.Emails, func(i, j int) bool { return view.Emails[i].Address < view.Emails[j].Address })

	phones := make([]models.Phone, len(c.Phones))
	copy(phones, c.Phones)
	sort.Slice(phones, func(i, j int) bool { return phones[i].Key() < phones[j].Key() })
	for _, p := range phones {
		view.Phones = append(view.Phones, phoneView{E164: p.E164, Extension: p.Extension, Type: string(p.Type), IsPrimary: p.IsPrimary})
	}

	// the view only holds strings and bools, so canonicalization cannot fail
	hash, err := Hash(view)
	if err != nil {
		panic(err)
	}
	return hash
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
