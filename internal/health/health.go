package health

import (
	"slices"
	"strings"

	"github.com/joescharf/onboard/internal/models"
)

// Report summarizes a backend health response.
type Report struct {
	Total          int
	BackendStatus  int // 0-40
	Services       int // 0-40
	ContentService int // 0-20
	Version        string
	Down           []string
}

// Healthy reports whether every check passed.
func (r *Report) Healthy() bool {
	return r.Total == 100
}

// Scorer computes health scores for the onboarding backend.
type Scorer struct{}

// NewScorer returns a new health Scorer.
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score computes a health score (0-100) from a health response.
func (s *Scorer) Score(resp *models.HealthResponse) *Report {
	r := &Report{}
	if resp == nil {
		return r
	}
	r.Version = resp.Version

	r.BackendStatus = scoreStatus(resp.Status, 40)
	r.Services, r.Down = scoreServices(resp.Services, 40)

	// The content generation service is reported separately.
	if resp.CGSHealthy {
		r.ContentService = 20
	} else {
		r.Down = append(r.Down, "content generation")
	}

	r.Total = r.BackendStatus + r.Services + r.ContentService
	return r
}

func scoreStatus(status string, maxPoints int) int {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "healthy", "ok", "up":
		return maxPoints
	case "degraded":
		return maxPoints / 2
	default:
		return 0
	}
}

// scoreServices awards points by the share of services that are up. No
// reported services counts as fully up.
func scoreServices(services map[string]bool, maxPoints int) (int, []string) {
	if len(services) == 0 {
		return maxPoints, nil
	}
	var down []string
	for name, up := range services {
		if !up {
			down = append(down, name)
		}
	}
	slices.Sort(down)
	up := len(services) - len(down)
	return maxPoints * up / len(services), down
}
