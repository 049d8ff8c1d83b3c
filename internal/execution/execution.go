// Package execution starts content-generation runs and follows them, either
// by polling the run status or by reading its event stream.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/invalidate"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/sse"
)

// PollInterval is the refetch cadence while a run is pending or running.
const PollInterval = 2000 * time.Millisecond

// API is the subset of the HTTP client used for runs.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Stream(ctx context.Context, path string, fn func(sse.Event)) error
}

// Service manages execution runs.
type Service struct {
	api    API
	cache  *cache.Cache
	router *invalidate.Router
	log    zerolog.Logger
}

// NewService creates a run service.
func NewService(api API, c *cache.Cache, r *invalidate.Router, log zerolog.Logger) *Service {
	return &Service{api: api, cache: c, router: r, log: log}
}

// RunKey is the cache key of a run's status.
func RunKey(runID string) cache.Key {
	return cache.K("run", runID)
}

func runPath(runID, suffix string) string {
	return "/execute/" + url.PathEscape(runID) + suffix
}

// Start launches a run for a brief and returns its id.
func (s *Service) Start(ctx context.Context, req models.StartExecutionRequest) (string, error) {
	var resp models.StartExecutionResponse
	if err := s.api.Post(ctx, "/execute", req, &resp); err != nil {
		return "", err
	}
	if resp.RunID == "" {
		return "", fmt.Errorf("start execution: response has no run_id")
	}
	s.log.Info().Str("run_id", resp.RunID).Str("brief_id", req.BriefID).Msg("execution started")
	return resp.RunID, nil
}

// RunInterval is the polling policy for runs.
func RunInterval(status models.RunStatus) (time.Duration, bool) {
	if status.Active() {
		return PollInterval, true
	}
	return 0, false
}

// Query describes the polled status of a run.
func (s *Service) Query(runID string) cache.Query {
	return cache.Query{
		Key: RunKey(runID),
		Fetch: func(ctx context.Context) (any, error) {
			var r models.Run
			if err := s.api.Get(ctx, runPath(runID, ""), &r); err != nil {
				return nil, err
			}
			if r.ID == "" {
				r.ID = runID
			}
			return &r, nil
		},
		RefetchInterval: func(v any) (time.Duration, bool) {
			r, ok := v.(*models.Run)
			if !ok || r == nil {
				return 0, false
			}
			return RunInterval(r.Status)
		},
	}
}

// Status reads a run's current status.
func (s *Service) Status(ctx context.Context, runID string) (*models.Run, error) {
	return cache.FetchAs[*models.Run](ctx, s.cache, s.Query(runID))
}

// RunUpdate is delivered to Watch observers.
type RunUpdate struct {
	Run      *models.Run
	Err      error
	NextPoll time.Duration
}

// Watch polls a run every PollInterval while it is active. When the run
// leaves the active states the outputs list is invalidated once.
func (s *Service) Watch(ctx context.Context, runID string, fn func(RunUpdate)) *cache.Subscription {
	var finished atomic.Bool
	return s.cache.Watch(ctx, s.Query(runID), func(e cache.Entry) {
		r, _ := e.Value.(*models.Run)
		if r != nil && e.Err == nil && !r.Status.Active() && finished.CompareAndSwap(false, true) {
			if r.Status == models.RunStatusCompleted {
				s.completed(runID)
			}
		}
		fn(RunUpdate{Run: r, Err: e.Err, NextPoll: e.Interval})
	})
}

// Wait polls until the run is no longer active and returns its final state.
func (s *Service) Wait(ctx context.Context, runID string) (*models.Run, error) {
	done := make(chan RunUpdate, 1)
	sub := s.Watch(ctx, runID, func(u RunUpdate) {
		if u.Err == nil && u.Run != nil && !u.Run.Status.Active() {
			select {
			case done <- u:
			default:
			}
		}
	})
	defer sub.Close()

	select {
	case u := <-done:
		return u.Run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) completed(runID string) {
	s.router.Apply(invalidate.ExecutionCompleted, invalidate.Vars{RunID: runID}, nil)
}

// ErrRunFailed is reported when the stream ends with an error event.
var ErrRunFailed = errors.New("execution failed")

// StreamHandlers receives stream callbacks. OnEvent sees every well-formed
// event in order. OnError is called at most once, with the terminal
// failure of the stream.
type StreamHandlers struct {
	OnEvent func(models.StreamEvent)
	OnError func(error)
}

// Stream follows the run's event stream until it ends. Malformed events are
// skipped. A completed event invalidates the outputs list. Nothing is
// retried; the returned error is the one passed to OnError.
func (s *Service) Stream(ctx context.Context, runID string, h StreamHandlers) error {
	var (
		terminal models.StreamEventType
		failure  string
	)
	err := s.api.Stream(ctx, runPath(runID, "/stream"), func(raw sse.Event) {
		var ev models.StreamEvent
		if err := json.Unmarshal(raw.Data, &ev); err != nil || ev.Type == "" {
			s.log.Debug().Str("run_id", runID).Msg("skipping unrecognized stream event")
			return
		}
		if terminal != "" {
			s.log.Debug().Str("run_id", runID).Str("type", string(ev.Type)).Msg("ignoring event after run ended")
			return
		}
		if ev.Type.Terminal() {
			terminal = ev.Type
			if ev.Type == models.StreamEventError {
				failure = ev.Data.Error
			} else {
				s.completed(runID)
			}
		}
		if h.OnEvent != nil {
			h.OnEvent(ev)
		}
	})
	if err == nil && terminal == models.StreamEventError {
		if failure == "" {
			failure = "unknown error"
		}
		err = fmt.Errorf("%w: %s", ErrRunFailed, failure)
	}
	if err != nil && h.OnError != nil {
		h.OnError(err)
	}
	return err
}
