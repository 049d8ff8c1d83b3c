// Package sandbox is an in-memory stand-in for the onboarding backend.
//
// It speaks the same HTTP contract as the real service, including
// FastAPI-style error bodies and the execution event stream, but every
// state transition is scripted: each status read advances a session to the
// next scripted state. It backs `onboard sandbox` and the package tests.
package sandbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/onboard/internal/models"
)

// Script lists the states a session moves through.
type Script struct {
	// Research is reported by start and by the status reads that follow.
	Research []models.SessionState
	// Delivery is reported after answers are accepted.
	Delivery []models.SessionState
}

// DefaultScript walks research to questions and delivery to done.
func DefaultScript() Script {
	return Script{
		Research: []models.SessionState{models.StateResearching, models.StateSynthesizing, models.StateQuestionsReady},
		Delivery: []models.SessionState{models.StateExecuting, models.StateDelivering, models.StateDone},
	}
}

type session struct {
	detail  models.SessionDetail
	pending []models.SessionState
}

type run struct {
	run     models.Run
	pending []models.RunStatus
}

type injected struct {
	status int
	body   string
}

// Server provides the sandbox HTTP handlers.
type Server struct {
	mu       sync.Mutex
	script   Script
	token    string
	log      zerolog.Logger
	now      func() time.Time
	seq      int
	sessions map[string]*session
	runs     map[string]*run
	outputs  map[string]*models.Output
	chats    map[string][]models.ChatMessage
	failures map[string][]injected
	hits     map[string]int
}

// Option configures a Server.
type Option func(*Server)

// WithScript replaces DefaultScript.
func WithScript(sc Script) Option {
	return func(s *Server) { s.script = sc }
}

// WithToken requires "Authorization: Bearer <token>" on every route but health.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates an empty sandbox.
func NewServer(opts ...Option) *Server {
	s := &Server{
		script:   DefaultScript(),
		log:      zerolog.Nop(),
		now:      time.Now,
		sessions: make(map[string]*session),
		runs:     make(map[string]*run),
		outputs:  make(map[string]*models.Output),
		chats:    make(map[string][]models.ChatMessage),
		failures: make(map[string][]injected),
		hits:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns an http.Handler for the API routes under /api/v1.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/onboarding/health", s.health)
	mux.HandleFunc("POST /api/v1/onboarding/start", s.startSession)
	mux.HandleFunc("POST /api/v1/onboarding/{id}/answers", s.submitAnswers)
	mux.HandleFunc("GET /api/v1/onboarding/{id}/status", s.sessionStatus)
	mux.HandleFunc("GET /api/v1/onboarding/{id}", s.sessionDetail)

	mux.HandleFunc("POST /api/v1/execute", s.startRun)
	mux.HandleFunc("GET /api/v1/execute/{id}", s.getRun)
	mux.HandleFunc("GET /api/v1/execute/{id}/stream", s.streamRun)

	mux.HandleFunc("POST /api/v1/chat/outputs/{id}", s.sendChat)
	mux.HandleFunc("GET /api/v1/chat/outputs/{id}/history", s.chatHistory)

	mux.HandleFunc("GET /api/v1/outputs", s.listOutputs)
	mux.HandleFunc("GET /api/v1/outputs/{id}", s.getOutput)
	mux.HandleFunc("GET /api/v1/outputs/{id}/latest", s.latestOutput)
	mux.HandleFunc("PATCH /api/v1/outputs/{id}", s.patchOutput)
	mux.HandleFunc("DELETE /api/v1/outputs/{id}", s.deleteOutput)
	mux.HandleFunc("POST /api/v1/outputs/{id}/review", s.reviewOutput)

	return s.middleware(mux)
}

// Fail makes the next request to "METHOD /path" (path without the /api/v1
// prefix) answer with status and a {"detail": detail} body.
func (s *Server) Fail(route string, status int, detail any) {
	body, _ := json.Marshal(map[string]any{"detail": detail})
	s.FailRaw(route, status, string(body))
}

// FailRaw is Fail with a verbatim response body.
func (s *Server) FailRaw(route string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], injected{status: status, body: body})
}

// Hits returns how many requests reached "METHOD /path".
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// DropSession makes the backend forget a session.
func (s *Server) DropSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SetState forces a session into state and clears its script.
func (s *Server) SetState(id string, state models.SessionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.detail.State = state
	sess.pending = nil
	return true
}

// FailRun marks a run failed with msg.
func (s *Server) FailRun(id, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rn, ok := s.runs[id]
	if !ok {
		return false
	}
	rn.run.Status = models.RunStatusFailed
	rn.run.ErrorMessage = msg
	rn.pending = nil
	return true
}

// AddOutput stores an output, assigning an id when empty.
func (s *Server) AddOutput(o models.Output) *models.Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = s.nextID("out")
	}
	if o.Version == 0 {
		o.Version = 1
	}
	out := o
	s.outputs[o.ID] = &out
	return &out
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := r.Method + " " + strings.TrimPrefix(r.URL.Path, "/api/v1")

		s.mu.Lock()
		s.hits[route]++
		var fail *injected
		if queue := s.failures[route]; len(queue) > 0 {
			fail = &queue[0]
			s.failures[route] = queue[1:]
		}
		s.mu.Unlock()

		switch {
		case fail != nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(fail.status)
			_, _ = w.Write([]byte(fail.body))
		case s.token != "" && route != "GET /onboarding/health" && r.Header.Get("Authorization") != "Bearer "+s.token:
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		default:
			next.ServeHTTP(w, r)
		}
		s.log.Debug().Str("route", route).Dur("elapsed", time.Since(start)).Msg("sandbox request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the backend's error shape.
func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

type fieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func missingField(name string) fieldError {
	return fieldError{Loc: []string{"body", name}, Msg: "field required", Type: "value_error.missing"}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, []fieldError{{Loc: []string{"body"}, Msg: "invalid JSON", Type: "value_error.jsondecode"}})
		return false
	}
	return true
}

// nextID returns a sequential id. Caller holds s.mu.
func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%04d", prefix, s.seq)
}

func (s *Server) stamp() *time.Time {
	t := s.now().UTC()
	return &t
}

// --- Onboarding ---

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{
		Status:     "healthy",
		Version:    "sandbox",
		Services:   map[string]bool{"research": true, "synthesis": true, "delivery": true},
		CGSHealthy: true,
	})
}

func sandboxQuestions() []models.Question {
	return []models.Question{
		{ID: "q1", Question: "Who is your primary audience?", ExpectedResponseType: "string", Required: true},
		{ID: "q2", Question: "Which tone fits your brand?", ExpectedResponseType: "enum", Options: []string{"formal", "friendly", "playful"}, Required: true},
		{ID: "q3", Question: "Anything we should avoid mentioning?", ExpectedResponseType: "string"},
	}
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var missing []fieldError
	if strings.TrimSpace(req.BrandName) == "" {
		missing = append(missing, missingField("brand_name"))
	}
	if strings.TrimSpace(req.Email) == "" {
		missing = append(missing, missingField("email"))
	}
	if len(missing) > 0 {
		writeDetail(w, http.StatusUnprocessableEntity, missing)
		return
	}

	s.mu.Lock()
	id := s.nextID("sess")
	state := models.StateResearching
	var pending []models.SessionState
	if len(s.script.Research) > 0 {
		state = s.script.Research[0]
		pending = append(pending, s.script.Research[1:]...)
	}
	questions := sandboxQuestions()
	sess := &session{
		detail: models.SessionDetail{
			Session: models.Session{
				ID:        id,
				TraceID:   "trace-" + id,
				BrandName: req.BrandName,
				Goal:      req.Goal,
				State:     state,
				CreatedAt: s.stamp(),
				UpdatedAt: s.stamp(),
			},
			Website:   req.Website,
			UserEmail: req.Email,
			Questions: questions,
		},
		pending: pending,
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, models.StartResponse{
		SessionID: id,
		TraceID:   "trace-" + id,
		State:     state,
		SnapshotSummary: &models.SnapshotSummary{
			CompanyName:    req.BrandName,
			Industry:       "Sandbox",
			Description:    "Scripted research result for " + req.BrandName,
			QuestionsCount: len(questions),
		},
		ClarifyingQuestions: questions,
		Message:             "Research started",
		NextAction:          "poll_status",
	})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	if len(sess.pending) > 0 {
		sess.detail.State = sess.pending[0]
		sess.pending = sess.pending[1:]
		sess.detail.UpdatedAt = s.stamp()
	}
	if sess.detail.State == models.StateQuestionsReady || sess.detail.State == models.StateAwaitingUser {
		sess.detail.HasSnapshot = true
		sess.detail.SnapshotComplete = true
	}
	status := sess.detail.Session
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) sessionDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	var detail models.SessionDetail
	if ok {
		detail = sess.detail
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) submitAnswers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.SubmitAnswersRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Session not found")
		return
	}
	if st := sess.detail.State; st != models.StateQuestionsReady && st != models.StateAwaitingUser {
		writeJSON(w, http.StatusConflict, map[string]string{
			"detail":     fmt.Sprintf("Session is in state %s, not awaiting answers", st),
			"error_type": "ConflictException",
		})
		return
	}
	var missing []fieldError
	for _, q := range sess.detail.Questions {
		if v, ok := req.Answers[q.ID]; q.Required && (!ok || v == nil || v == "") {
			missing = append(missing, fieldError{Loc: []string{"body", "answers", q.ID}, Msg: "answer required", Type: "value_error.missing"})
		}
	}
	if len(missing) > 0 {
		writeDetail(w, http.StatusUnprocessableEntity, missing)
		return
	}

	sess.detail.Answers = req.Answers
	sess.detail.ContextID = "ctx-" + id
	state := models.StateExecuting
	sess.pending = nil
	if len(s.script.Delivery) > 0 {
		state = s.script.Delivery[0]
		sess.pending = append(sess.pending, s.script.Delivery[1:]...)
	}
	sess.detail.State = state
	sess.detail.UpdatedAt = s.stamp()

	cardIDs := []string{s.nextID("card"), s.nextID("card")}
	writeJSON(w, http.StatusOK, models.SubmitAnswersResponse{
		SessionID:    id,
		State:        state,
		Message:      fmt.Sprintf("%d cards created", len(cardIDs)),
		CardIDs:      cardIDs,
		CardsCreated: len(cardIDs),
		ContextID:    sess.detail.ContextID,
	})
}
