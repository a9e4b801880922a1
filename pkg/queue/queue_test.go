package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobEnvelope(t *testing.T) {
	joined := time.Date(2026, 3, 2, 15, 58, 0, 0, time.UTC)
	payload := AttendanceEventPayload{
		SessionID:     uuid.New(),
		UserID:        uuid.New(),
		ParticipantID: "p-1",
		EventType:     "leave",
		Timestamp:     time.Date(2026, 3, 2, 16, 30, 0, 0, time.UTC),
		JoinedAt:      &joined,
	}

	job, err := NewJob(JobTypeAttendanceEvent, payload)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, JobTypeAttendanceEvent, job.Type)
	assert.Zero(t, job.Attempt)

	var got AttendanceEventPayload
	require.NoError(t, json.Unmarshal(job.Payload, &got))
	assert.Equal(t, payload.SessionID, got.SessionID)
	assert.True(t, payload.Timestamp.Equal(got.Timestamp))
	require.NotNil(t, got.JoinedAt)
	assert.True(t, joined.Equal(*got.JoinedAt))
}

func TestNewJobRejectsUnencodablePayload(t *testing.T) {
	_, err := NewJob(JobTypeAttendanceEvent, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
