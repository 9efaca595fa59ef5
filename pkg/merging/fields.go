package merging

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// fieldAccess reads and writes one choosable field as a string; "" is an absent value
type fieldAccess struct {
	get func(c *models.Contact) string
	set func(c *models.Contact, v string)
}

var choosableFields = map[string]fieldAccess{
	models.FieldDisplayName: {
		get: func(c *models.Contact) string { return c.DisplayName },
		set: func(c *models.Contact, v string) { c.DisplayName = v },
	},
	models.FieldContactType: {
		get: func(c *models.Contact) string { return string(c.Type) },
		set: func(c *models.Contact, v string) { c.Type = models.ContactType(v) },
	},
	models.FieldDocument: {
		get: func(c *models.Contact) string { return models.StringValue(c.Document) },
		set: func(c *models.Contact, v string) { c.Document = models.StringPtr(v) },
	},
	models.FieldUnitID: {
		get: func(c *models.Contact) string { return models.StringValue(c.UnitID) },
		set: func(c *models.Contact, v string) { c.UnitID = models.StringPtr(v) },
	},
	models.FieldDepartmentID: {
		get: func(c *models.Contact) string { return models.StringValue(c.DepartmentID) },
		set: func(c *models.Contact, v string) { c.DepartmentID = models.StringPtr(v) },
	},
}

var requiredFields = map[string]bool{
	models.FieldDisplayName: true,
	models.FieldContactType: true,
}

// ValidateChosenFields checks chosen against the current state of the pair.
// Each value must be what the primary or the duplicate holds right now; a value read before a concurrent edit is rejected.
func ValidateChosenFields(primary, duplicate *models.Contact, chosen models.ChosenFields) error {
	names := make([]string, 0, len(chosen))
	for name := range chosen {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := chosen[name]
		access, ok := choosableFields[name]
		if !ok {
			return apperror.NewValidationError(name, value, "unknown merge field")
		}
		if value == "" && requiredFields[name] {
			return apperror.NewValidationError(name, value, "field cannot be cleared")
		}
		if value != access.get(primary) && value != access.get(duplicate) {
			return apperror.NewValidationError(name, value,
				fmt.Sprintf("value matches neither the primary (%q) nor the duplicate (%q)", access.get(primary), access.get(duplicate)))
		}
	}
	return nil
}

// ApplyFields writes the chosen values onto primary. Nullable fields the primary lacks and nobody chose
// are taken from the duplicate. The normalized name is recomputed.
func ApplyFields(primary, duplicate *models.Contact, chosen models.ChosenFields) error {
	if err := ValidateChosenFields(primary, duplicate, chosen); err != nil {
		return err
	}
	for name, value := range chosen {
		choosableFields[name].set(primary, value)
	}
	for _, name := range []string{models.FieldDocument, models.FieldUnitID, models.FieldDepartmentID} {
		if _, picked := chosen[name]; picked {
			continue
		}
		access := choosableFields[name]
		if access.get(primary) == "" && access.get(duplicate) != "" {
			access.set(primary, access.get(duplicate))
		}
	}
	primary.NormalizedName = normalizers.NormalizeName(primary.DisplayName)
	return nil
}

// MergeChannels adds the duplicate's channels to the primary, skipping ones the primary already has.
// The primary keeps its primary flags; an incoming primary flag survives only if the primary had none.
func MergeChannels(primary, duplicate *models.Contact) {
	emails := make(map[string]int, len(primary.Emails))
	for i, e := range primary.Emails {
		emails[e.Address] = i
	}
	for _, e := range duplicate.Emails {
		if _, exists := emails[e.Address]; exists {
			continue
		}
		e.ContactID = primary.ID
		emails[e.Address] = len(primary.Emails)
		primary.Emails = append(primary.Emails, e)
	}
	primary.Emails = normalizers.DemoteExtraPrimaries(primary.Emails)

	hasPrimaryPhone := false
	phones := make(map[string]struct{}, len(primary.Phones))
	for _, p := range primary.Phones {
		phones[p.Key()] = struct{}{}
		hasPrimaryPhone = hasPrimaryPhone || p.IsPrimary
	}
	for _, p := range duplicate.Phones {
		if _, exists := phones[p.Key()]; exists {
			continue
		}
		p.ContactID = primary.ID
		if p.IsPrimary && hasPrimaryPhone {
			p.IsPrimary = false
		}
		hasPrimaryPhone = hasPrimaryPhone || p.IsPrimary
		phones[p.Key()] = struct{}{}
		primary.Phones = append(primary.Phones, p)
	}
}
