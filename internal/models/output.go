package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Output is a generated content item.
type Output struct {
	ID             string         `json:"id"`
	Number         int            `json:"number,omitempty"`
	Title          string         `json:"title"`
	Author         string         `json:"author,omitempty"`
	Status         string         `json:"status,omitempty"`
	IsNew          bool           `json:"is_new,omitempty"`
	TextContent    string         `json:"text_content,omitempty"`
	Preview        string         `json:"preview,omitempty"`
	OutputType     string         `json:"output_type,omitempty"`
	MimeType       string         `json:"mime_type,omitempty"`
	BriefID        string         `json:"brief_id,omitempty"`
	Version        int            `json:"version"`
	ParentOutputID string         `json:"parent_output_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
}

// OutputFilter narrows GET /outputs.
type OutputFilter struct {
	BriefID   string
	ContextID string
}

// ReviewStatus is the verdict of an output review.
type ReviewStatus string

const (
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// ReviewRequest is the body of POST /outputs/{id}/review.
type ReviewRequest struct {
	Status             ReviewStatus `json:"status"`
	Feedback           string       `json:"feedback,omitempty"`
	FeedbackCategories []string     `json:"feedback_categories,omitempty"`
	IsReference        bool         `json:"is_reference"`
	ReferenceNotes     string       `json:"reference_notes,omitempty"`
}

// Validate checks the verdict and that a rejection says why.
func (r ReviewRequest) Validate() error {
	switch r.Status {
	case ReviewApproved:
	case ReviewRejected:
		if strings.TrimSpace(r.Feedback) == "" {
			return errors.New("a rejection needs feedback")
		}
	default:
		return fmt.Errorf("unknown review status %q (want approved or rejected)", r.Status)
	}
	return nil
}

// ReviewResponse acknowledges a review.
type ReviewResponse struct {
	Reviewed bool         `json:"reviewed"`
	Status   ReviewStatus `json:"status"`
}

// ChatMessage is one entry of an output's chat history.
type ChatMessage struct {
	ID         string         `json:"id"`
	OutputID   string         `json:"output_id,omitempty"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ActionType string         `json:"action_type,omitempty"`
	ActionData map[string]any `json:"action_data,omitempty"`
	CreatedAt  string         `json:"created_at,omitempty"`
}

// ChatRequest is the body of POST /chat/outputs/{outputId}.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the assistant reply plus the side effects of the edit.
type ChatResponse struct {
	Message        ChatMessage `json:"message"`
	UpdatedOutput  SideEffect  `json:"updated_output,omitempty"`
	ContextChanges SideEffect  `json:"context_changes,omitempty"`
	BriefChanges   SideEffect  `json:"brief_changes,omitempty"`
}

// EditedOutput decodes the updated output when the backend returned one.
func (r *ChatResponse) EditedOutput() (*Output, bool) {
	if !r.UpdatedOutput.Present() {
		return nil, false
	}
	var out Output
	if err := json.Unmarshal([]byte(r.UpdatedOutput), &out); err != nil || out.ID == "" {
		return nil, false
	}
	return &out, true
}

// SideEffect is a response field that signals a change either as a boolean
// or as an object describing it. Null, false, and empty values mean no change.
type SideEffect json.RawMessage

// Present reports whether the field signals a change.
func (s SideEffect) Present() bool {
	v := bytes.TrimSpace([]byte(s))
	if len(v) == 0 {
		return false
	}
	switch string(v) {
	case "null", "false", "{}", "[]", `""`, "0":
		return false
	}
	return true
}

// MarshalJSON implements json.Marshaler.
func (s SideEffect) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SideEffect) UnmarshalJSON(data []byte) error {
	*s = append((*s)[0:0], data...)
	return nil
}

// Flag returns a SideEffect for a boolean.
func Flag(b bool) SideEffect {
	if b {
		return SideEffect("true")
	}
	return SideEffect("false")
}
