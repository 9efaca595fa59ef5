package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/apperror"
)

func TestVerifier_Signature(t *testing.T) {
	v := NewVerifier(map[string]string{"hr": "s3cret"}, nil, 0)
	body := []byte(`{"source":"hr"}`)

	tests := []struct {
		name      string
		source    string
		signature string
		wantErr   bool
	}{
		{name: "valid", source: "hr", signature: Sign("s3cret", body)},
		{name: "wrong secret", source: "hr", signature: Sign("other", body), wantErr: true},
		{name: "missing header", source: "hr", signature: "", wantErr: true},
		{name: "no prefix", source: "hr", signature: Sign("s3cret", body)[len("sha256="):], wantErr: true},
		{name: "not hex", source: "hr", signature: "sha256=zz", wantErr: true},
		{name: "unsigned source", source: "directory", signature: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifySignature(tt.source, tt.signature, body)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}

	assert.Error(t, v.VerifySignature("hr", Sign("s3cret", body), append(body, ' ')), "the signature covers the raw body")
}

func TestVerifier_Token(t *testing.T) {
	v := NewVerifier(nil, map[string]string{"hr": "tok"}, 0)

	assert.NoError(t, v.VerifyToken("hr", "tok"))
	assert.Error(t, v.VerifyToken("hr", "tok2"))
	assert.Error(t, v.VerifyToken("hr", ""))
	assert.NoError(t, v.VerifyToken("directory", ""))
}

func TestVerifier_Timestamp(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(nil, nil, 5*time.Minute)
	v.now = func() time.Time { return now }

	tests := []struct {
		name    string
		ts      time.Time
		wantErr bool
	}{
		{name: "now", ts: now},
		{name: "slightly old", ts: now.Add(-4 * time.Minute)},
		{name: "slightly ahead", ts: now.Add(4 * time.Minute)},
		{name: "too old", ts: now.Add(-6 * time.Minute), wantErr: true},
		{name: "too far ahead", ts: now.Add(6 * time.Minute), wantErr: true},
		{name: "missing", ts: time.Time{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyTimestamp(tt.ts)
			if tt.wantErr {
				assert.True(t, apperror.IsValidation(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}
