package models

import "time"

// SessionState represents the backend-reported lifecycle state of an onboarding session.
//
// Two backend generations report states from different vocabularies
// (started/processing/completed vs created/synthesizing/done). Both are
// accepted here as one lifecycle.
type SessionState string

const (
	StateCreated         SessionState = "created"
	StateStarted         SessionState = "started"
	StateResearching     SessionState = "researching"
	StateSynthesizing    SessionState = "synthesizing"
	StateQuestionsReady  SessionState = "questions_ready"
	StateAwaitingUser    SessionState = "awaiting_user"
	StateAnswering       SessionState = "answering"
	StatePayloadReady    SessionState = "payload_ready"
	StateProcessing      SessionState = "processing"
	StateGeneratingCards SessionState = "generating_cards"
	StateExecuting       SessionState = "executing"
	StateDelivering      SessionState = "delivering"
	StateDone            SessionState = "done"
	StateCompleted       SessionState = "completed"
	StateFailed          SessionState = "failed"
	StateError           SessionState = "error"
)

var knownStates = map[SessionState]bool{
	StateCreated: true, StateStarted: true, StateResearching: true, StateSynthesizing: true,
	StateQuestionsReady: true, StateAwaitingUser: true, StateAnswering: true, StatePayloadReady: true,
	StateProcessing: true, StateGeneratingCards: true, StateExecuting: true, StateDelivering: true,
	StateDone: true, StateCompleted: true, StateFailed: true, StateError: true,
}

// Known reports whether s is one of the states this client understands.
func (s SessionState) Known() bool {
	return knownStates[s]
}

// Failed reports whether s is a failure state.
func (s SessionState) Failed() bool {
	return s == StateFailed || s == StateError
}

// Session is the status view of an onboarding session.
type Session struct {
	ID               string       `json:"session_id"`
	TraceID          string       `json:"trace_id,omitempty"`
	BrandName        string       `json:"brand_name"`
	Goal             string       `json:"goal,omitempty"`
	State            SessionState `json:"state"`
	HasSnapshot      bool         `json:"has_snapshot"`
	SnapshotComplete bool         `json:"snapshot_complete"`
	ContextID        string       `json:"context_id,omitempty"`
	RunID            string       `json:"cgs_run_id,omitempty"`
	DeliveryStatus   string       `json:"delivery_status,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	CreatedAt        *time.Time   `json:"created_at,omitempty"`
	UpdatedAt        *time.Time   `json:"updated_at,omitempty"`

	// Field names used by the older backend build.
	AltID        string       `json:"id,omitempty"`
	AltState     SessionState `json:"status,omitempty"`
	AltContextID string       `json:"company_context_id,omitempty"`
}

// Normalize folds the alternate field names into the canonical ones.
func (s *Session) Normalize() {
	if s == nil {
		return
	}
	if s.ID == "" {
		s.ID = s.AltID
	}
	if s.State == "" {
		s.State = s.AltState
	}
	if s.ContextID == "" {
		s.ContextID = s.AltContextID
	}
	s.AltID, s.AltState, s.AltContextID = "", "", ""
}

// SessionDetail is the full payload of GET /onboarding/{id}.
type SessionDetail struct {
	Session
	Website           string         `json:"website,omitempty"`
	UserEmail         string         `json:"user_email,omitempty"`
	Snapshot          *Snapshot      `json:"snapshot,omitempty"`
	Questions         []Question     `json:"questions,omitempty"`
	Answers           map[string]any `json:"answers,omitempty"`
	ResearchData      map[string]any `json:"research_data,omitempty"`
	CGSResponse       map[string]any `json:"cgs_response,omitempty"`
	DeliveryMessageID string         `json:"delivery_message_id,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Normalize folds alternate names in the embedded session.
func (d *SessionDetail) Normalize() {
	if d == nil {
		return
	}
	d.Session.Normalize()
	if len(d.Questions) == 0 && d.Snapshot != nil {
		d.Questions = d.Snapshot.ClarifyingQuestions
	}
}

// Question is a clarifying question generated by research.
type Question struct {
	ID                   string   `json:"id"`
	Question             string   `json:"question"`
	Reason               string   `json:"reason,omitempty"`
	ExpectedResponseType string   `json:"expected_response_type,omitempty"`
	Options              []string `json:"options,omitempty"`
	Required             bool     `json:"required"`
}

// SnapshotSummary is the short company summary returned by start.
type SnapshotSummary struct {
	CompanyName    string `json:"company_name"`
	Industry       string `json:"industry,omitempty"`
	Description    string `json:"description,omitempty"`
	TargetAudience string `json:"target_audience,omitempty"`
	Tone           string `json:"tone,omitempty"`
	QuestionsCount int    `json:"questions_count"`
}

// CompanyInfo is the company section of a research snapshot.
type CompanyInfo struct {
	Name            string   `json:"name"`
	Website         string   `json:"website,omitempty"`
	Industry        string   `json:"industry,omitempty"`
	Description     string   `json:"description,omitempty"`
	KeyOfferings    []string `json:"key_offerings,omitempty"`
	Differentiators []string `json:"differentiators,omitempty"`
}

// Snapshot is the structured research result attached to a session.
type Snapshot struct {
	SnapshotID          string         `json:"snapshot_id"`
	Version             string         `json:"version,omitempty"`
	GeneratedAt         string         `json:"generated_at,omitempty"`
	Company             CompanyInfo    `json:"company"`
	ClarifyingQuestions []Question     `json:"clarifying_questions,omitempty"`
	ClarifyingAnswers   map[string]any `json:"clarifying_answers,omitempty"`
}

// StartRequest is the body of POST /onboarding/start.
type StartRequest struct {
	BrandName         string `json:"brand_name"`
	Website           string `json:"website,omitempty"`
	Email             string `json:"email"`
	Goal              string `json:"goal,omitempty"`
	AdditionalContext string `json:"additional_context,omitempty"`
}

// StartResponse is returned by POST /onboarding/start.
type StartResponse struct {
	SessionID           string           `json:"session_id"`
	TraceID             string           `json:"trace_id,omitempty"`
	State               SessionState     `json:"state,omitempty"`
	SnapshotSummary     *SnapshotSummary `json:"snapshot_summary,omitempty"`
	ClarifyingQuestions []Question       `json:"clarifying_questions,omitempty"`
	ResearchSummary     string           `json:"research_summary,omitempty"`
	Message             string           `json:"message,omitempty"`
	NextAction          string           `json:"next_action,omitempty"`

	AltQuestions []Question `json:"questions,omitempty"`
}

// Normalize folds the alternate question list into ClarifyingQuestions.
func (r *StartResponse) Normalize() {
	if r == nil {
		return
	}
	if len(r.ClarifyingQuestions) == 0 {
		r.ClarifyingQuestions = r.AltQuestions
	}
	r.AltQuestions = nil
}

// SubmitAnswersRequest is the body of POST /onboarding/{id}/answers.
type SubmitAnswersRequest struct {
	Answers map[string]any `json:"answers"`
}

// SubmitAnswersResponse is returned by POST /onboarding/{id}/answers.
type SubmitAnswersResponse struct {
	SessionID      string       `json:"session_id,omitempty"`
	State          SessionState `json:"state,omitempty"`
	Message        string       `json:"message,omitempty"`
	CardIDs        []string     `json:"card_ids,omitempty"`
	CardsCreated   int          `json:"cards_created,omitempty"`
	CardsCount     int          `json:"cards_count,omitempty"`
	ContextID      string       `json:"context_id,omitempty"`
	Partial        bool         `json:"partial,omitempty"`
	DeliveryStatus string       `json:"delivery_status,omitempty"`
}

// CreatedCards returns the number of cards the submission produced.
func (r *SubmitAnswersResponse) CreatedCards() int {
	switch {
	case r.CardsCreated > 0:
		return r.CardsCreated
	case r.CardsCount > 0:
		return r.CardsCount
	default:
		return len(r.CardIDs)
	}
}

// HealthResponse is returned by GET /onboarding/health.
type HealthResponse struct {
	Status     string          `json:"status"`
	Version    string          `json:"version,omitempty"`
	Services   map[string]bool `json:"services,omitempty"`
	CGSHealthy bool            `json:"cgs_healthy"`
}
