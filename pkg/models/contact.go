package models

import (
	"slices"
	"time"
)

// ContactType classifies what a contact represents
type ContactType string

const (
	ContactTypePerson       ContactType = "PERSON"
	ContactTypeOrganization ContactType = "ORGANIZATION"
	ContactTypeDepartment   ContactType = "DEPARTMENT"
)

// ContactStatus is the lifecycle state of a contact
type ContactStatus string

const (
	ContactStatusActive   ContactStatus = "ACTIVE"
	ContactStatusInactive ContactStatus = "INACTIVE"
	ContactStatusMerged   ContactStatus = "MERGED" // superseded by DuplicateOf
)

// PhoneType labels a phone channel
type PhoneType string

const (
	PhoneTypeMobile PhoneType = "MOBILE"
	PhoneTypeWork   PhoneType = "WORK"
	PhoneTypeHome   PhoneType = "HOME"
	PhoneTypeOther  PhoneType = "OTHER"
)

// Contact is a person, organization or department-role record
type Contact struct {
	ID             string        `json:"id" db:"id"`
	Type           ContactType   `json:"contact_type" db:"contact_type"`
	DisplayName    string        `json:"display_name" db:"display_name"`
	NormalizedName string        `json:"normalized_name" db:"normalized_name"`
	Status         ContactStatus `json:"status" db:"status"`
	UnitID         *string       `json:"unit_id,omitempty" db:"unit_id"`
	DepartmentID   *string       `json:"department_id,omitempty" db:"department_id"`
	Document       *string       `json:"document,omitempty" db:"document"`
	DuplicateOf    *string       `json:"duplicate_of,omitempty" db:"duplicate_of"`
	Fingerprint    string        `json:"fingerprint" db:"fingerprint"`
	LastSourceAt   *time.Time    `json:"last_source_at,omitempty" db:"last_source_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`

	Emails []Email `json:"emails" db:"-"`
	Phones []Phone `json:"phones" db:"-"`
}

// Email is an email channel owned by a contact
type Email struct {
	ContactID string `json:"-" db:"contact_id"`
	Address   string `json:"address" db:"address"`
	IsPrimary bool   `json:"is_primary" db:"is_primary"`
}

// Phone is a phone channel owned by a contact
type Phone struct {
	ContactID      string    `json:"-" db:"contact_id"`
	E164           string    `json:"e164" db:"e164"`
	NationalNumber string    `json:"national_number" db:"national_number"`
	Extension      *string   `json:"extension,omitempty" db:"extension"`
	Type           PhoneType `json:"type" db:"phone_type"`
	IsPrimary      bool      `json:"is_primary" db:"is_primary"`
}

// Key identifies a phone channel within a contact
func (p Phone) Key() string {
	if p.Extension == nil {
		return p.E164
	}
	return p.E164 + ";ext=" + *p.Extension
}

// IsSuperseded reports whether the contact has been merged into another
func (c *Contact) IsSuperseded() bool {
	return c.DuplicateOf != nil
}

// IsMatchable reports whether the contact may take part in candidate generation
func (c *Contact) IsMatchable() bool {
	return c.Status == ContactStatusActive && c.DuplicateOf == nil
}

// Clone returns a deep copy
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := *c
	out.UnitID = cloneString(c.UnitID)
	out.DepartmentID = cloneString(c.DepartmentID)
	out.Document = cloneString(c.Document)
	out.DuplicateOf = cloneString(c.DuplicateOf)
	if c.LastSourceAt != nil {
		t := *c.LastSourceAt
		out.LastSourceAt = &t
	}
	out.Emails = slices.Clone(c.Emails)
	out.Phones = make([]Phone, len(c.Phones))
	for i, p := range c.Phones {
		p.Extension = cloneString(p.Extension)
		out.Phones[i] = p
	}
	if c.Phones == nil {
		out.Phones = nil
	}
	return &out
}

// EmailAddresses returns the contact's email addresses
func (c *Contact) EmailAddresses() []string {
	out := make([]string, 0, len(c.Emails))
	for _, e := range c.Emails {
		out = append(out, e.Address)
	}
	return out
}

// NationalNumbers returns the national significant numbers of the contact's phones
func (c *Contact) NationalNumbers() []string {
	out := make([]string, 0, len(c.Phones))
	for _, p := range c.Phones {
		if p.NationalNumber != "" {
			out = append(out, p.NationalNumber)
		}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringValue dereferences s, returning "" for nil
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr returns nil for an empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// EmailInput is an unnormalized email channel
type EmailInput struct {
	Address   string `json:"address" validate:"required"`
	IsPrimary bool   `json:"is_primary"`
}

// PhoneInput is an unnormalized phone channel
type PhoneInput struct {
	Number    string    `json:"number" validate:"required"`
	Type      PhoneType `json:"type,omitempty" validate:"omitempty,oneof=MOBILE WORK HOME OTHER"`
	IsPrimary bool      `json:"is_primary"`
}

// ContactInput carries the raw identity fields of a contact, as delivered by a source or an API caller
type ContactInput struct {
	Type         ContactType  `json:"type,omitempty" validate:"omitempty,oneof=PERSON ORGANIZATION DEPARTMENT"`
	Name         string       `json:"name" validate:"required"`
	Document     string       `json:"document,omitempty"`
	UnitID       string       `json:"unit_id,omitempty"`
	DepartmentID string       `json:"department_id,omitempty"`
	Emails       []EmailInput `json:"emails,omitempty" validate:"dive"`
	Phones       []PhoneInput `json:"phones,omitempty" validate:"dive"`
}

// UpdateContactRequest is the body of a contact update. Nil fields are left unchanged.
type UpdateContactRequest struct {
	Type         *ContactType   `json:"type,omitempty" validate:"omitempty,oneof=PERSON ORGANIZATION DEPARTMENT"`
	Name         *string        `json:"name,omitempty" validate:"omitempty,min=1"`
	Status       *ContactStatus `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE INACTIVE"`
	Document     *string        `json:"document,omitempty"`
	UnitID       *string        `json:"unit_id,omitempty"`
	DepartmentID *string        `json:"department_id,omitempty"`
	Emails       *[]EmailInput  `json:"emails,omitempty" validate:"omitempty,dive"`
	Phones       *[]PhoneInput  `json:"phones,omitempty" validate:"omitempty,dive"`
}
