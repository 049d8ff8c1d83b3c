package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/onboard/internal/models"
)

func TestPollingInterval(t *testing.T) {
	tests := []struct {
		state    models.SessionState
		interval time.Duration
		poll     bool
	}{
		{models.StateResearching, 3000 * time.Millisecond, true},
		{models.StateSynthesizing, 3000 * time.Millisecond, true},
		{models.StateExecuting, 5000 * time.Millisecond, true},
		{models.StateGeneratingCards, 5000 * time.Millisecond, true},
		{models.StateDelivering, 5000 * time.Millisecond, true},
		{models.StateQuestionsReady, 0, false},
		{models.StateAwaitingUser, 0, false},
		{models.StateDone, 0, false},
		{models.StateCompleted, 0, false},
		{models.StateFailed, 0, false},
		{models.StateError, 0, false},
		{models.StateCreated, 0, false},
		{models.StatePayloadReady, 0, false},
		{"", 0, false},
		{"reticulating", 0, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			d, ok := PollingInterval(tt.state)
			assert.Equal(t, tt.poll, ok)
			assert.Equal(t, tt.interval, d)
			assert.Equal(t, tt.poll, IsAsyncState(tt.state))
		})
	}
}

func TestIsFinalState(t *testing.T) {
	for _, s := range []models.SessionState{
		models.StateAwaitingUser, models.StateQuestionsReady, models.StateDone,
		models.StateCompleted, models.StateFailed, models.StateError,
	} {
		assert.True(t, IsFinalState(s), s)
		assert.False(t, IsAsyncState(s), s)
	}
	for _, s := range []models.SessionState{models.StateResearching, models.StateExecuting, models.StateCreated, "unknown"} {
		assert.False(t, IsFinalState(s), s)
	}
}
