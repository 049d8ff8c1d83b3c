// Package sessions drives an onboarding session through its lifecycle:
// start, status polling, answer submission, and resumption after restart.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/onboard/internal/apiclient"
	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/invalidate"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/persist"
	"github.com/joescharf/onboard/internal/store"
)

const (
	statusStaleTime = time.Second
	healthStaleTime = 60 * time.Second
)

// ErrNoActiveSession is returned when no session id is persisted or given.
var ErrNoActiveSession = errors.New("no active onboarding session")

// API is the subset of the HTTP client the manager uses.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// Manager orchestrates onboarding sessions against the backend.
type Manager struct {
	api     API
	cache   *cache.Cache
	router  *invalidate.Router
	pointer *persist.Adapter
	journal store.Journal
	log     zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithJournal records started sessions and observed states locally.
func WithJournal(j store.Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a new sessions manager.
func NewManager(api API, c *cache.Cache, r *invalidate.Router, p *persist.Adapter, opts ...Option) *Manager {
	m := &Manager{api: api, cache: c, router: r, pointer: p, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StatusKey is the cache key of a session's status.
func StatusKey(sessionID string) cache.Key {
	return cache.K("session", sessionID, "status")
}

// DetailsKey is the cache key of a session's full detail.
func DetailsKey(sessionID string) cache.Key {
	return cache.K("session", sessionID)
}

// HealthKey is the cache key of the backend health check.
var HealthKey = cache.K("onboarding", "health")

func sessionPath(sessionID, suffix string) string {
	return "/onboarding/" + url.PathEscape(sessionID) + suffix
}

// Start clears any persisted session, starts a new one and persists its id.
// Research runs synchronously on the backend, so this call can take a while.
func (m *Manager) Start(ctx context.Context, req models.StartRequest) (*models.StartResponse, error) {
	m.pointer.Clear(ctx)

	var resp models.StartResponse
	if err := m.api.Post(ctx, "/onboarding/start", req, &resp); err != nil {
		return nil, err
	}
	resp.Normalize()
	if resp.SessionID == "" {
		return nil, fmt.Errorf("start onboarding: response has no session_id")
	}

	m.pointer.Set(ctx, resp.SessionID)
	if resp.State != "" {
		m.cache.Set(StatusKey(resp.SessionID), &models.Session{
			ID:        resp.SessionID,
			TraceID:   resp.TraceID,
			BrandName: req.BrandName,
			Goal:      req.Goal,
			State:     resp.State,
		})
	}
	if m.journal != nil {
		rec := &models.SessionRecord{
			ID:        resp.SessionID,
			BrandName: req.BrandName,
			Email:     req.Email,
			LastState: resp.State,
		}
		if err := m.journal.RecordSession(ctx, rec); err != nil {
			m.log.Warn().Err(err).Str("session_id", resp.SessionID).Msg("journal session failed")
		}
	}
	m.log.Info().
		Str("session_id", resp.SessionID).
		Str("state", string(resp.State)).
		Int("questions", len(resp.ClarifyingQuestions)).
		Msg("onboarding started")
	return &resp, nil
}

// SubmitAnswers posts answers for a session. The backend decides whether
// the session accepts them; a session in the wrong state yields ErrConflict.
// On success the session's cached detail and status are invalidated.
func (m *Manager) SubmitAnswers(ctx context.Context, sessionID string, answers map[string]any) (*models.SubmitAnswersResponse, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	if answers == nil {
		answers = map[string]any{}
	}

	var resp models.SubmitAnswersResponse
	body := models.SubmitAnswersRequest{Answers: answers}
	if err := m.api.Post(ctx, sessionPath(sessionID, "/answers"), body, &resp); err != nil {
		return nil, err
	}

	m.router.Apply(invalidate.SubmitAnswers, invalidate.Vars{SessionID: sessionID}, &resp)
	if resp.State != "" {
		m.recordState(ctx, sessionID, resp.State, "")
	}
	m.log.Info().
		Str("session_id", sessionID).
		Str("state", string(resp.State)).
		Int("cards", resp.CreatedCards()).
		Msg("answers submitted")
	return &resp, nil
}

// StatusQuery describes the polled status of a session. The refetch
// interval follows PollingInterval for the latest fetched state.
func (m *Manager) StatusQuery(sessionID string) cache.Query {
	return cache.Query{
		Key:       StatusKey(sessionID),
		StaleTime: statusStaleTime,
		Fetch: func(ctx context.Context) (any, error) {
			return m.fetchStatus(ctx, sessionID)
		},
		RefetchInterval: func(v any) (time.Duration, bool) {
			s, ok := v.(*models.Session)
			if !ok || s == nil {
				return 0, false
			}
			return PollingInterval(s.State)
		},
	}
}

func (m *Manager) fetchStatus(ctx context.Context, sessionID string) (*models.Session, error) {
	var s models.Session
	if err := m.api.Get(ctx, sessionPath(sessionID, "/status"), &s); err != nil {
		return nil, err
	}
	s.Normalize()
	if s.ID == "" {
		s.ID = sessionID
	}
	if !s.State.Known() {
		// Unknown states are not polled; the watch settles on them.
		m.log.Warn().Str("session_id", sessionID).Str("state", string(s.State)).Msg("unrecognized session state")
	}
	m.recordState(ctx, sessionID, s.State, s.ErrorMessage)
	return &s, nil
}

func (m *Manager) recordState(ctx context.Context, sessionID string, state models.SessionState, errMsg string) {
	if m.journal == nil || state == "" {
		return
	}
	changed, err := m.journal.RecordState(ctx, sessionID, state, errMsg)
	switch {
	case errors.Is(err, store.ErrRecordNotFound):
		// Sessions started elsewhere are not journaled.
	case err != nil:
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("journal state failed")
	case changed:
		m.log.Debug().Str("session_id", sessionID).Str("state", string(state)).Msg("session state changed")
	}
}

// Status returns the session status, served from cache while fresh.
func (m *Manager) Status(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	return cache.FetchAs[*models.Session](ctx, m.cache, m.StatusQuery(sessionID))
}

// StatusUpdate is delivered to WatchStatus observers.
type StatusUpdate struct {
	Session *models.Session
	Err     error
	// NextPoll is the delay until the next refetch, zero once polling stopped.
	NextPoll time.Duration
}

// WatchStatus observes a session's status and keeps polling it while its
// state calls for it. fn runs on a background goroutine. Closing the
// subscription, or cancelling ctx, stops polling; a request already in
// flight still completes.
func (m *Manager) WatchStatus(ctx context.Context, sessionID string, fn func(StatusUpdate)) (*cache.Subscription, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	sub := m.cache.Watch(ctx, m.StatusQuery(sessionID), func(e cache.Entry) {
		s, _ := e.Value.(*models.Session)
		fn(StatusUpdate{Session: s, Err: e.Err, NextPoll: e.Interval})
	})
	return sub, nil
}

// DetailsQuery describes the full session detail. It is never polled and
// refreshes only when invalidated.
func (m *Manager) DetailsQuery(sessionID string) cache.Query {
	return cache.Query{
		Key: DetailsKey(sessionID),
		Fetch: func(ctx context.Context) (any, error) {
			var d models.SessionDetail
			if err := m.api.Get(ctx, sessionPath(sessionID, ""), &d); err != nil {
				return nil, err
			}
			d.Normalize()
			if d.ID == "" {
				d.ID = sessionID
			}
			return &d, nil
		},
	}
}

// Details returns the full session detail.
func (m *Manager) Details(ctx context.Context, sessionID string) (*models.SessionDetail, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	return cache.FetchAs[*models.SessionDetail](ctx, m.cache, m.DetailsQuery(sessionID))
}

// Resume reloads the persisted session. A session the backend no longer
// knows is forgotten and the not-found error returned.
func (m *Manager) Resume(ctx context.Context) (*models.Session, error) {
	id, ok := m.pointer.Get(ctx)
	if !ok {
		return nil, ErrNoActiveSession
	}
	s, err := m.Status(ctx, id)
	if err != nil {
		m.ForgetIfGone(ctx, id, err)
		return nil, fmt.Errorf("resume session %s: %w", id, err)
	}
	return s, nil
}

// ForgetIfGone clears the persisted pointer when err reports that the
// backend no longer knows sessionID and the pointer still names it. Callers
// pass every error from a call made with the active session id. It reports
// whether the pointer was cleared.
func (m *Manager) ForgetIfGone(ctx context.Context, sessionID string, err error) bool {
	if sessionID == "" || !errors.Is(err, apiclient.ErrNotFound) {
		return false
	}
	if active, ok := m.pointer.Get(ctx); !ok || active != sessionID {
		return false
	}
	m.pointer.Clear(ctx)
	m.log.Info().Str("session_id", sessionID).Msg("persisted session no longer exists, cleared")
	return true
}

// Forget clears the persisted session pointer.
func (m *Manager) Forget(ctx context.Context) {
	m.pointer.Clear(ctx)
}

// ActiveSessionID returns the persisted session id.
func (m *Manager) ActiveSessionID(ctx context.Context) (string, bool) {
	return m.pointer.Get(ctx)
}

// Health checks the onboarding backend.
func (m *Manager) Health(ctx context.Context) (*models.HealthResponse, error) {
	return cache.FetchAs[*models.HealthResponse](ctx, m.cache, cache.Query{
		Key:       HealthKey,
		StaleTime: healthStaleTime,
		Fetch: func(ctx context.Context) (any, error) {
			var h models.HealthResponse
			if err := m.api.Get(ctx, "/onboarding/health", &h); err != nil {
				return nil, err
			}
			return &h, nil
		},
	})
}

// History lists journaled sessions, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*models.SessionRecord, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("session journal not configured")
	}
	return m.journal.ListSessionRecords(ctx, limit)
}

// Record returns the journal entry for a session started here.
func (m *Manager) Record(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("session journal not configured")
	}
	return m.journal.GetSessionRecord(ctx, sessionID)
}

// Purge forgets sessionID if it is active and deletes its journal entry
// along with the recorded transitions. The backend session is untouched.
func (m *Manager) Purge(ctx context.Context, sessionID string) error {
	if active, ok := m.pointer.Get(ctx); ok && active == sessionID {
		m.pointer.Clear(ctx)
	}
	if m.journal == nil {
		return nil
	}
	if err := m.journal.DeleteSessionRecord(ctx, sessionID); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("purge session %s: %w", sessionID, err)
	}
	m.log.Info().Str("session_id", sessionID).Msg("session purged from journal")
	return nil
}

// Transitions lists the states observed for a journaled session.
func (m *Manager) Transitions(ctx context.Context, sessionID string) ([]*models.StateTransition, error) {
	if m.journal == nil {
		return nil, fmt.Errorf("session journal not configured")
	}
	return m.journal.ListTransitions(ctx, sessionID)
}
