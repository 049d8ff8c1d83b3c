package sandbox

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/joescharf/onboard/internal/models"
)

// --- Execution runs ---

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req models.StartExecutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var missing []fieldError
	if strings.TrimSpace(req.BriefID) == "" {
		missing = append(missing, missingField("brief_id"))
	}
	if strings.TrimSpace(req.Topic) == "" {
		missing = append(missing, missingField("topic"))
	}
	if len(missing) > 0 {
		writeDetail(w, http.StatusUnprocessableEntity, missing)
		return
	}

	s.mu.Lock()
	id := s.nextID("run")
	s.runs[id] = &run{
		run: models.Run{
			ID:        id,
			BriefID:   req.BriefID,
			Topic:     req.Topic,
			Status:    models.RunStatusPending,
			StartedAt: s.now().UTC().Format("2006-01-02T15:04:05Z"),
		},
		pending: []models.RunStatus{models.RunStatusRunning, models.RunStatusCompleted},
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, models.StartExecutionResponse{RunID: id})
}

// advanceRun moves a run one scripted step. Caller holds s.mu.
func (s *Server) advanceRun(rn *run) {
	if len(rn.pending) == 0 {
		return
	}
	rn.run.Status = rn.pending[0]
	rn.pending = rn.pending[1:]
	switch rn.run.Status {
	case models.RunStatusRunning:
		rn.run.Progress = 50
		rn.run.CurrentStep = "writer"
	case models.RunStatusCompleted:
		s.completeRun(rn)
	}
}

// completeRun finishes a run and stores its output. Caller holds s.mu.
func (s *Server) completeRun(rn *run) *models.Output {
	rn.run.Status = models.RunStatusCompleted
	rn.run.Progress = 100
	rn.run.CurrentStep = ""
	rn.run.TotalTokens = 1200
	rn.run.TotalCostUSD = 0.012
	rn.run.DurationSeconds = 4
	rn.run.CompletedAt = s.now().UTC().Format("2006-01-02T15:04:05Z")
	rn.run.FinalOutput = "Draft about " + rn.run.Topic
	rn.pending = nil

	out := &models.Output{
		ID:          s.nextID("out"),
		Title:       rn.run.Topic,
		Status:      "completed",
		IsNew:       true,
		TextContent: rn.run.FinalOutput,
		OutputType:  "text",
		MimeType:    "text/markdown",
		BriefID:     rn.run.BriefID,
		Version:     1,
		Metadata:    map[string]any{"run_id": rn.run.ID},
	}
	s.outputs[out.ID] = out
	return out
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	var snapshot models.Run
	if ok {
		s.advanceRun(rn)
		snapshot = rn.run
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Run not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	rn, ok := s.runs[id]
	var events []models.StreamEvent
	if ok {
		if rn.run.Status.Active() {
			events = append(events,
				models.StreamEvent{Type: models.StreamEventStatus, Data: models.StreamEventData{Status: string(models.RunStatusRunning)}},
				models.StreamEvent{Type: models.StreamEventProgress, Data: models.StreamEventData{Progress: 50, Step: "writer"}},
				models.StreamEvent{Type: models.StreamEventAgentComplete, Data: models.StreamEventData{Agent: "writer", Tokens: 1200}},
			)
			s.completeRun(rn)
		}
		switch rn.run.Status {
		case models.RunStatusCompleted:
			outputID := ""
			for _, o := range s.outputs {
				if o.Metadata["run_id"] == rn.run.ID {
					outputID = o.ID
				}
			}
			events = append(events, models.StreamEvent{Type: models.StreamEventCompleted, Data: models.StreamEventData{
				OutputID:        outputID,
				TotalTokens:     rn.run.TotalTokens,
				TotalCostUSD:    rn.run.TotalCostUSD,
				DurationSeconds: rn.run.DurationSeconds,
			}})
		default:
			msg := rn.run.ErrorMessage
			if msg == "" {
				msg = "run " + string(rn.run.Status)
			}
			events = append(events, models.StreamEvent{Type: models.StreamEventError, Data: models.StreamEventData{Error: msg}})
		}
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	for _, ev := range events {
		data, _ := json.Marshal(ev)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// --- Chat ---

const editPrefix = "edit:"

func (s *Server) sendChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.ChatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, []fieldError{missingField("message")})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[id]
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
		return
	}

	user := models.ChatMessage{ID: s.nextID("msg"), OutputID: id, Role: "user", Content: req.Message, CreatedAt: s.now().UTC().Format("2006-01-02T15:04:05Z")}
	reply := models.ChatMessage{ID: s.nextID("msg"), OutputID: id, Role: "assistant", CreatedAt: user.CreatedAt}
	resp := models.ChatResponse{}

	if text, isEdit := strings.CutPrefix(strings.TrimSpace(req.Message), editPrefix); isEdit {
		out.TextContent = strings.TrimSpace(text)
		out.Version++
		reply.Content = fmt.Sprintf("Updated to version %d.", out.Version)
		reply.ActionType = "edit_output"
		data, _ := json.Marshal(out)
		resp.UpdatedOutput = models.SideEffect(data)
	} else {
		reply.Content = "Noted: " + req.Message
	}
	resp.Message = reply
	s.chats[id] = append(s.chats[id], user, reply)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.outputs[id]
	history := append([]models.ChatMessage{}, s.chats[id]...)
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// --- Outputs ---

func (s *Server) listOutputs(w http.ResponseWriter, r *http.Request) {
	briefID := r.URL.Query().Get("brief_id")
	contextID := r.URL.Query().Get("context_id")

	s.mu.Lock()
	list := make([]models.Output, 0, len(s.outputs))
	for _, o := range s.outputs {
		if briefID != "" && o.BriefID != briefID {
			continue
		}
		if contextID != "" && fmt.Sprint(o.Metadata["context_id"]) != contextID {
			continue
		}
		list = append(list, *o)
	}
	s.mu.Unlock()

	slices.SortFunc(list, func(a, b models.Output) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) lookupOutput(w http.ResponseWriter, id string) (models.Output, bool) {
	s.mu.Lock()
	o, ok := s.outputs[id]
	var out models.Output
	if ok {
		out = *o
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
	}
	return out, ok
}

func (s *Server) getOutput(w http.ResponseWriter, r *http.Request) {
	if out, ok := s.lookupOutput(w, r.PathValue("id")); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) latestOutput(w http.ResponseWriter, r *http.Request) {
	if out, ok := s.lookupOutput(w, r.PathValue("id")); ok {
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) patchOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch struct {
		IsNew *bool   `json:"is_new"`
		Title *string `json:"title"`
	}
	if !decodeBody(w, r, &patch) {
		return
	}

	s.mu.Lock()
	o, ok := s.outputs[id]
	var out models.Output
	if ok {
		if patch.IsNew != nil {
			o.IsNew = *patch.IsNew
		}
		if patch.Title != nil && *patch.Title != "" {
			o.Title = *patch.Title
		}
		out = *o
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// reviewOutput moves an approved output to completed and a rejected one to
// rejected.
func (s *Server) reviewOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req models.ReviewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var status string
	switch req.Status {
	case models.ReviewApproved:
		status = "completed"
	case models.ReviewRejected:
		status = "rejected"
	default:
		writeDetail(w, http.StatusUnprocessableEntity, []fieldError{{Loc: []string{"body", "status"}, Msg: "value is not a valid enumeration member", Type: "type_error.enum"}})
		return
	}

	s.mu.Lock()
	o, ok := s.outputs[id]
	if ok {
		o.Status = status
		o.IsNew = false
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
		return
	}
	writeJSON(w, http.StatusOK, models.ReviewResponse{Reviewed: true, Status: req.Status})
}

func (s *Server) deleteOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	_, ok := s.outputs[id]
	delete(s.outputs, id)
	delete(s.chats, id)
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Output not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
