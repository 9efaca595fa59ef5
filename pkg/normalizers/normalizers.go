// Package normalizers canonicalizes contact identity fields so that equal identities compare equal.
// Every function is pure, and applying one to its own output returns the output unchanged.
package normalizers

import (
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/nyaruka/phonenumbers"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Ramsey-B/fern/pkg/apperror"
)

// DefaultRegion is used for phone numbers written without a country code
const DefaultRegion = "BR"

var validate = validator.New(validator.WithRequiredStructEnabled())

// name suffixes dropped from the end of a normalized name
var nameSuffixes = map[string]struct{}{
	"jr": {}, "junior": {}, "sr": {}, "senior": {},
	"filho": {}, "neto": {}, "sobrinho": {},
	"ii": {}, "iii": {}, "iv": {},
	"phd": {}, "md": {}, "esq": {},
}

// Unaccent strips combining marks: "Conceição" becomes "Conceicao"
func Unaccent(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName folds case and accents, drops punctuation and trailing generational or degree suffixes.
// A name that is only a suffix is kept.
func NormalizeName(s string) string {
	s = Unaccent(strings.ToLower(s))

	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '\'' || r == '’' || r == '.':
			// "O'Brien" and "Jr." collapse without a gap
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 {
		if _, ok := nameSuffixes[words[len(words)-1]]; !ok {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// DisplayName trims and collapses whitespace, keeping case and accents
func DisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeEmail lower-cases and trims an address and checks its syntax
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if err := validate.Var(email, "required,email"); err != nil {
		return "", apperror.NewValidationError("email", raw, "invalid email address")
	}
	return email, nil
}

// PhoneNumber is a parsed phone channel
type PhoneNumber struct {
	E164           string
	NationalNumber string
	Extension      *string
}

// NormalizePhone parses raw with libphonenumber. Numbers without a country code are read in defaultRegion.
func NormalizePhone(raw, defaultRegion string) (PhoneNumber, error) {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}
	num, err := phonenumbers.Parse(strings.TrimSpace(raw), strings.ToUpper(defaultRegion))
	if err != nil {
		return PhoneNumber{}, apperror.NewValidationErrorf("phone", raw, "unparseable phone number: %s", err.Error())
	}
	if !phonenumbers.IsValidNumber(num) {
		return PhoneNumber{}, apperror.NewValidationError("phone", raw, "invalid phone number")
	}

	out := PhoneNumber{
		E164:           phonenumbers.Format(num, phonenumbers.E164),
		NationalNumber: phonenumbers.GetNationalSignificantNumber(num),
	}
	if ext := num.GetExtension(); ext != "" {
		out.Extension = &ext
	}
	return out, nil
}

// NormalizeDocument keeps digits only. An empty result means no document.
func NormalizeDocument(s string) *string {
	digits := DigitsOnly(s)
	if digits == "" {
		return nil
	}
	return &digits
}

// DigitsOnly removes all non-digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// OptionalID trims an opaque identifier; blank means absent
func OptionalID(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
