package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadSigner_Sign(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		body    []byte
		wantErr bool
	}{
		{"valid signature", "secret_key", []byte(`{"decision":"APPROVED"}`), false},
		{"empty secret", "", []byte(`{"decision":"APPROVED"}`), true},
		{"empty body", "secret_key", []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewPayloadSigner("gate", tt.secret)
			sig, err := s.Sign(tt.body, 1640995200)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, sig, 64)
		})
	}
}

func TestPayloadSigner_Verify(t *testing.T) {
	s := NewPayloadSigner("gate", "secret_key")
	body := []byte(`{"correlation_token":"t1","decision":"DENIED"}`)
	now := time.Unix(1700000000, 0)
	ts := now.Unix()

	valid, err := s.Sign(body, ts)
	require.NoError(t, err)

	tests := []struct {
		name      string
		body      []byte
		timestamp int64
		signature string
		wantErr   bool
	}{
		{"valid signature", body, ts, valid, false},
		{"invalid signature", body, ts, "invalid_signature", true},
		{"timestamp too old", body, ts - 400, valid, true},
		{"timestamp too new", body, ts + 400, valid, true},
		{"different body", []byte(`{"decision":"APPROVED"}`), ts, valid, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Verify(tt.body, tt.timestamp, tt.signature, now)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPayloadSigner_KeyIDChangesSignature(t *testing.T) {
	body := []byte(`{}`)
	a, err := NewPayloadSigner("a", "k").Sign(body, 1)
	require.NoError(t, err)
	b, err := NewPayloadSigner("b", "k").Sign(body, 1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	again, err := NewPayloadSigner("a", "k").Sign(body, 1)
	require.NoError(t, err)
	assert.Equal(t, a, again)
}

func TestPayloadSigner_Enabled(t *testing.T) {
	var nilSigner *PayloadSigner
	assert.False(t, nilSigner.Enabled())
	assert.False(t, NewPayloadSigner("x", "").Enabled())
	assert.True(t, NewPayloadSigner("x", "k").Enabled())
}
