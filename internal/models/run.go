package models

// RunStatus represents the state of a workflow execution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Active reports whether the run is still being worked on by the backend.
func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// StartExecutionRequest is the body of POST /execute.
type StartExecutionRequest struct {
	BriefID   string         `json:"brief_id"`
	Topic     string         `json:"topic"`
	InputData map[string]any `json:"input_data,omitempty"`
}

// StartExecutionResponse is returned by POST /execute.
type StartExecutionResponse struct {
	RunID string `json:"run_id"`
}

// Run is the status payload of GET /execute/{runId}.
type Run struct {
	ID              string            `json:"id"`
	BriefID         string            `json:"brief_id"`
	UserID          string            `json:"user_id,omitempty"`
	Topic           string            `json:"topic"`
	Status          RunStatus         `json:"status"`
	Progress        float64           `json:"progress"`
	CurrentStep     string            `json:"current_step,omitempty"`
	TaskOutputs     map[string]string `json:"task_outputs,omitempty"`
	FinalOutput     string            `json:"final_output,omitempty"`
	TotalTokens     int               `json:"total_tokens"`
	TotalCostUSD    float64           `json:"total_cost_usd"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	StartedAt       string            `json:"started_at,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
}

// StreamEventType is the type tag of an execution stream event.
type StreamEventType string

const (
	StreamEventStatus        StreamEventType = "status"
	StreamEventProgress      StreamEventType = "progress"
	StreamEventAgentComplete StreamEventType = "agent_complete"
	StreamEventCompleted     StreamEventType = "completed"
	StreamEventError         StreamEventType = "error"
)

// Terminal reports whether the event ends the run.
func (t StreamEventType) Terminal() bool {
	return t == StreamEventCompleted || t == StreamEventError
}

// StreamEvent is one server-sent event of GET /execute/{runId}/stream.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	Data StreamEventData `json:"data"`
}

// StreamEventData carries the optional fields of a stream event.
type StreamEventData struct {
	Status          string  `json:"status,omitempty"`
	Progress        float64 `json:"progress,omitempty"`
	Step            string  `json:"step,omitempty"`
	Agent           string  `json:"agent,omitempty"`
	Tokens          int     `json:"tokens,omitempty"`
	OutputID        string  `json:"output_id,omitempty"`
	TotalTokens     int     `json:"total_tokens,omitempty"`
	TotalCostUSD    float64 `json:"total_cost_usd,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Error           string  `json:"error,omitempty"`
}
