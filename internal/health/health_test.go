package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/onboard/internal/models"
)

func TestScore_HealthyBackend(t *testing.T) {
	s := NewScorer()
	r := s.Score(&models.HealthResponse{
		Status:     "healthy",
		Version:    "1.4.0",
		Services:   map[string]bool{"research": true, "synthesis": true},
		CGSHealthy: true,
	})

	assert.Equal(t, 40, r.BackendStatus)
	assert.Equal(t, 40, r.Services)
	assert.Equal(t, 20, r.ContentService)
	assert.Equal(t, 100, r.Total)
	assert.True(t, r.Healthy())
	assert.Empty(t, r.Down)
	assert.Equal(t, "1.4.0", r.Version)
}

func TestScore_DegradedBackend(t *testing.T) {
	s := NewScorer()
	r := s.Score(&models.HealthResponse{
		Status:   "degraded",
		Services: map[string]bool{"research": true, "synthesis": false, "delivery": false, "cards": true},
	})

	assert.Equal(t, 20, r.BackendStatus)
	assert.Equal(t, 20, r.Services)
	assert.Zero(t, r.ContentService)
	assert.Equal(t, 40, r.Total)
	assert.False(t, r.Healthy())
	assert.Equal(t, []string{"delivery", "synthesis", "content generation"}, r.Down)
}

func TestScore_NoServicesReported(t *testing.T) {
	r := NewScorer().Score(&models.HealthResponse{Status: "OK", CGSHealthy: true})
	assert.Equal(t, 100, r.Total)
}

func TestScore_UnknownStatus(t *testing.T) {
	r := NewScorer().Score(&models.HealthResponse{Status: "on fire", CGSHealthy: true})
	assert.Zero(t, r.BackendStatus)
	assert.Equal(t, 60, r.Total)
}

func TestScore_Nil(t *testing.T) {
	r := NewScorer().Score(nil)
	assert.Zero(t, r.Total)
	assert.False(t, r.Healthy())
}
