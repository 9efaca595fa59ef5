package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	_, err := Validate(models.DecideRequest{PrimaryID: "a", DuplicateID: "a", Decision: models.DecisionMerge})
	require.Error(t, err)

	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "duplicate_id", verr.Field)
	assert.Equal(t, "a", verr.Value)
	assert.Contains(t, verr.Message, "nefield")
}

func TestValidate_NestedFields(t *testing.T) {
	_, err := Validate(models.ContactInput{
		Name:   "Maria",
		Phones: []models.PhoneInput{{Number: "+5511987654321", Type: "FAX"}},
	})

	var verr *apperror.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "phones[0].type", verr.Field)
}

func TestValidate_OK(t *testing.T) {
	req := models.DecideRequest{PrimaryID: "a", DuplicateID: "b", Decision: models.DecisionReject}
	got, err := Validate(req)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue("maria@x.com", "email"))
	assert.True(t, apperror.IsValidation(ValidateValue("nope", "email")))
}
