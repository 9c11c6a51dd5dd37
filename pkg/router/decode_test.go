package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{
		"envelope_id": "env-1",
		"timestamp": "2026-04-01T12:00:00Z",
		"correlation_id": "corr-1",
		"priority": 2,
		"event": {
			"event_type": "ComplaintCreated",
			"case_id": "C-1",
			"case_snapshot": {"case_id": "C-1", "case_type": "COMPLAINT", "status": "OPEN", "description": "Pump stuck"}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "env-1", env.EnvelopeID)
	assert.Equal(t, contracts.EventComplaintCreated, env.Event.EventType)
	assert.Equal(t, 2, env.Priority)
	require.NotNil(t, env.Event.CaseSnapshot)
	assert.Equal(t, "Pump stuck", env.Event.CaseSnapshot.Description)
}

func TestDecodeEnvelope_NumericFields(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{
		"envelope_id": "env-1",
		"timestamp": "2026-04-01T12:00:00Z",
		"attempt": 1,
		"max_attempts": 3,
		"priority": 10,
		"event": {"event_type": "CaseCreated", "case_id": "C-1"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, 3, env.MaxAttempts)
	assert.Equal(t, 10, env.Priority)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{"malformed", `{"envelope_id":`, ""},
		{"missing event", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z"}`, ""},
		{"bad timestamp", `{"envelope_id": "env-1", "timestamp": "yesterday", "event": {"event_type": "CaseCreated", "case_id": "C-1"}}`, "timestamp"},
		{"priority out of range", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z", "priority": 11, "event": {"event_type": "CaseCreated", "case_id": "C-1"}}`, "priority"},
		{"fractional priority", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z", "priority": 2.5, "event": {"event_type": "CaseCreated", "case_id": "C-1"}}`, "priority"},
		{"negative attempt", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z", "attempt": -1, "event": {"event_type": "CaseCreated", "case_id": "C-1"}}`, "attempt"},
		{"empty case id", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z", "event": {"event_type": "CaseCreated", "case_id": ""}}`, "event.case_id"},
		{"bad snapshot status", `{"envelope_id": "env-1", "timestamp": "2026-04-01T12:00:00Z", "event": {"event_type": "CaseCreated", "case_id": "C-1",
			"case_snapshot": {"case_id": "C-1", "case_type": "COMPLAINT", "status": "LOST"}}}`, "event.case_snapshot.status"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, contracts.ErrInvalidEvent)
			var ve *contracts.ValidationError
			require.ErrorAs(t, err, &ve)
			if tc.field != "" {
				assert.Equal(t, tc.field, ve.Field)
			}
		})
	}
}
