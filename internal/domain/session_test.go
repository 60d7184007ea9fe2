package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_EndTime_AddsDurationMinutes(t *testing.T) {
	start := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	s := &Session{StartTime: start, Duration: 30}

	assert.Equal(t, start.Add(30*time.Minute), s.EndTime())
}

func TestSession_RoleOf_MatchesParties(t *testing.T) {
	s := &Session{TutorID: "T1", StudentID: "S1"}

	role, ok := s.RoleOf("T1")
	assert.True(t, ok)
	assert.Equal(t, RoleTutor, role)

	role, ok = s.RoleOf("S1")
	assert.True(t, ok)
	assert.Equal(t, RoleStudent, role)

	_, ok = s.RoleOf("X1")
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestParseUserID_Bounds(t *testing.T) {
	_, err := ParseUserID("")
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	long := make([]byte, MaxUserIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = ParseUserID(string(long))
	assert.ErrorIs(t, err, ErrUserIDTooLong)

	uid, err := ParseUserID("T1")
	assert.NoError(t, err)
	assert.Equal(t, UserID("T1"), uid)
}
