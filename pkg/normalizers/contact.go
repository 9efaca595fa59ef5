package normalizers

import (
	"errors"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Contact is the normalized form of a models.ContactInput
type Contact struct {
	Type           models.ContactType
	DisplayName    string
	NormalizedName string
	Document       *string
	UnitID         *string
	DepartmentID   *string
	Emails         []models.Email
	Phones         []models.Phone
}

// NormalizeContact normalizes every field of input. Invalid channels are dropped and reported as warnings;
// they never fail the contact.
func NormalizeContact(input models.ContactInput, region string) (Contact, []*apperror.ValidationError) {
	out := Contact{
		Type:           input.Type,
		DisplayName:    DisplayName(input.Name),
		NormalizedName: NormalizeName(input.Name),
		Document:       NormalizeDocument(input.Document),
		UnitID:         OptionalID(input.UnitID),
		DepartmentID:   OptionalID(input.DepartmentID),
	}
	if out.Type == "" {
		out.Type = models.ContactTypePerson
	}

	var warnings []*apperror.ValidationError
	out.Emails, out.Phones, warnings = Channels(input.Emails, input.Phones, region)
	return out, warnings
}

// Channels normalizes emails and phones, dropping invalid entries with one warning each.
// Duplicates collapse into one channel, and only the first primary email stays primary.
func Channels(emails []models.EmailInput, phones []models.PhoneInput, region string) ([]models.Email, []models.Phone, []*apperror.ValidationError) {
	var warnings []*apperror.ValidationError
	warn := func(err error) {
		var verr *apperror.ValidationError
		if errors.As(err, &verr) {
			warnings = append(warnings, verr)
			return
		}
		warnings = append(warnings, apperror.NewValidationError("", "", err.Error()))
	}

	outEmails := make([]models.Email, 0, len(emails))
	emailIndex := make(map[string]int, len(emails))
	for _, in := range emails {
		address, err := NormalizeEmail(in.Address)
		if err != nil {
			warn(err)
			continue
		}
		if i, seen := emailIndex[address]; seen {
			outEmails[i].IsPrimary = outEmails[i].IsPrimary || in.IsPrimary
			continue
		}
		emailIndex[address] = len(outEmails)
		outEmails = append(outEmails, models.Email{Address: address, IsPrimary: in.IsPrimary})
	}
	outEmails = DemoteExtraPrimaries(outEmails)

	outPhones := make([]models.Phone, 0, len(phones))
	phoneIndex := make(map[string]int, len(phones))
	for _, in := range phones {
		num, err := NormalizePhone(in.Number, region)
		if err != nil {
			warn(err)
			continue
		}
		phone := models.Phone{
			E164:           num.E164,
			NationalNumber: num.NationalNumber,
			Extension:      num.Extension,
			Type:           in.Type,
			IsPrimary:      in.IsPrimary,
		}
		if phone.Type == "" {
			phone.Type = models.PhoneTypeOther
		}
		if i, seen := phoneIndex[phone.Key()]; seen {
			outPhones[i].IsPrimary = outPhones[i].IsPrimary || phone.IsPrimary
			continue
		}
		phoneIndex[phone.Key()] = len(outPhones)
		outPhones = append(outPhones, phone)
	}

	return outEmails, outPhones, warnings
}

// DemoteExtraPrimaries keeps the first primary email and clears the flag on the rest
func DemoteExtraPrimaries(emails []models.Email) []models.Email {
	seenPrimary := false
	for i := range emails {
		if !emails[i].IsPrimary {
			continue
		}
		if seenPrimary {
			emails[i].IsPrimary = false
		}
		seenPrimary = true
	}
	return emails
}
