package sessions

import (
	"time"

	"github.com/joescharf/onboard/internal/models"
)

const (
	// ResearchPollInterval applies while the backend researches the brand.
	ResearchPollInterval = 3000 * time.Millisecond
	// ExecutionPollInterval applies while content is generated and delivered.
	ExecutionPollInterval = 5000 * time.Millisecond
)

// PollingInterval returns how long to wait before re-reading the status of a
// session in state s. It reports false when the session should not be
// polled: the state needs user input, is terminal, or is unknown.
func PollingInterval(s models.SessionState) (time.Duration, bool) {
	switch s {
	case models.StateResearching, models.StateSynthesizing:
		return ResearchPollInterval, true
	case models.StateExecuting, models.StateGeneratingCards, models.StateDelivering:
		return ExecutionPollInterval, true
	default:
		return 0, false
	}
}

// IsAsyncState reports whether the backend is working on the session
// without waiting for the user.
func IsAsyncState(s models.SessionState) bool {
	_, ok := PollingInterval(s)
	return ok
}

// IsFinalState reports whether polling has nothing left to observe: the
// session waits for the user or has finished.
func IsFinalState(s models.SessionState) bool {
	switch s {
	case models.StateAwaitingUser, models.StateQuestionsReady,
		models.StateDone, models.StateCompleted,
		models.StateFailed, models.StateError:
		return true
	}
	return false
}
