package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/onboard/internal/chat"
	"github.com/joescharf/onboard/internal/execution"
	"github.com/joescharf/onboard/internal/health"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/sessions"
)

// Server exposes the onboarding client as MCP tools.
type Server struct {
	sessions *sessions.Manager
	runs     *execution.Service
	chat     *chat.Service
	scorer   *health.Scorer
	version  string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(m *sessions.Manager, runs *execution.Service, cs *chat.Service, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{
		sessions: m,
		runs:     runs,
		chat:     cs,
		scorer:   health.NewScorer(),
		version:  version,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("onboard", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.startTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.detailsTool())
	srv.AddTool(s.submitAnswersTool())
	srv.AddTool(s.historyTool())
	srv.AddTool(s.healthTool())
	srv.AddTool(s.runStartTool())
	srv.AddTool(s.runStatusTool())
	srv.AddTool(s.listOutputsTool())
	srv.AddTool(s.chatSendTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sessionArg returns the session_id argument, falling back to the
// persisted session.
func (s *Server) sessionArg(ctx context.Context, request mcp.CallToolRequest) (string, bool) {
	if id := request.GetString("session_id", ""); id != "" {
		return id, true
	}
	return s.sessions.ActiveSessionID(ctx)
}

// sessionError reports a failed session call. A session the backend no
// longer knows is dropped as the active session.
func (s *Server) sessionError(ctx context.Context, id, what string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("failed to %s: %v", what, err)
	if s.sessions.ForgetIfGone(ctx, id, err) {
		msg += "; the active session was cleared, call onboard_start"
	}
	return mcp.NewToolResultError(msg)
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// onboard_start
func (s *Server) startTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_start",
		mcp.WithDescription("Start onboarding research for a brand. The new session becomes the active session. Returns the session id, state, and clarifying questions."),
		mcp.WithString("brand_name", mcp.Required(), mcp.Description("Brand or company name")),
		mcp.WithString("email", mcp.Required(), mcp.Description("Contact email for delivery")),
		mcp.WithString("website", mcp.Description("Company website URL")),
		mcp.WithString("goal", mcp.Description("Content goal, e.g. linkedin_post")),
		mcp.WithString("additional_context", mcp.Description("Free-form context for research")),
	)
	return tool, s.handleStart
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	brand, err := request.RequireString("brand_name")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: brand_name"), nil
	}
	email, err := request.RequireString("email")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: email"), nil
	}

	resp, err := s.sessions.Start(ctx, models.StartRequest{
		BrandName:         brand,
		Email:             email,
		Website:           request.GetString("website", ""),
		Goal:              request.GetString("goal", ""),
		AdditionalContext: request.GetString("additional_context", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start onboarding: %v", err)), nil
	}
	return jsonResult(resp, "session")
}

// onboard_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_status",
		mcp.WithDescription("Get the current state of an onboarding session. Defaults to the active session. The result says whether the state is still progressing and when to poll again."),
		mcp.WithString("session_id", mcp.Description("Session id (defaults to the active session)")),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.sessionArg(ctx, request)
	if !ok {
		return mcp.NewToolResultError("no active session; call onboard_start or pass session_id"), nil
	}
	sess, err := s.sessions.Status(ctx, id)
	if err != nil {
		return s.sessionError(ctx, id, "get status", err), nil
	}

	interval, polling := sessions.PollingInterval(sess.State)
	result := map[string]any{
		"session_id":    sess.ID,
		"brand_name":    sess.BrandName,
		"state":         string(sess.State),
		"in_progress":   polling,
		"final":         sessions.IsFinalState(sess.State),
		"error_message": sess.ErrorMessage,
	}
	if polling {
		result["poll_after_ms"] = interval.Milliseconds()
	}
	return jsonResult(result, "status")
}

// onboard_details
func (s *Server) detailsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_details",
		mcp.WithDescription("Get the full onboarding session detail including research snapshot, questions, and answers."),
		mcp.WithString("session_id", mcp.Description("Session id (defaults to the active session)")),
	)
	return tool, s.handleDetails
}

func (s *Server) handleDetails(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := s.sessionArg(ctx, request)
	if !ok {
		return mcp.NewToolResultError("no active session; call onboard_start or pass session_id"), nil
	}
	d, err := s.sessions.Details(ctx, id)
	if err != nil {
		return s.sessionError(ctx, id, "get session", err), nil
	}
	return jsonResult(d, "session")
}

// onboard_submit_answers
func (s *Server) submitAnswersTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_submit_answers",
		mcp.WithDescription("Submit answers to the clarifying questions. Answers is a JSON object keyed by question id."),
		mcp.WithString("answers", mcp.Required(), mcp.Description(`JSON object of answers, e.g. {"q1":"founders"}`)),
		mcp.WithString("session_id", mcp.Description("Session id (defaults to the active session)")),
	)
	return tool, s.handleSubmitAnswers
}

func (s *Server) handleSubmitAnswers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("answers")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: answers"), nil
	}
	var answers map[string]any
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("answers must be a JSON object: %v", err)), nil
	}
	id, ok := s.sessionArg(ctx, request)
	if !ok {
		return mcp.NewToolResultError("no active session; call onboard_start or pass session_id"), nil
	}

	resp, err := s.sessions.SubmitAnswers(ctx, id, answers)
	if err != nil {
		return s.sessionError(ctx, id, "submit answers", err), nil
	}
	return jsonResult(map[string]any{
		"session_id":    id,
		"state":         string(resp.State),
		"cards_created": resp.CreatedCards(),
		"message":       resp.Message,
	}, "answers")
}

// onboard_history
func (s *Server) historyTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_history",
		mcp.WithDescription("List onboarding sessions started from this machine, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum sessions to return (default 20)")),
	)
	return tool, s.handleHistory
}

func (s *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	records, err := s.sessions.History(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	if records == nil {
		records = []*models.SessionRecord{}
	}
	return jsonResult(records, "sessions")
}

// onboard_health
func (s *Server) healthTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_health",
		mcp.WithDescription("Check the onboarding backend. Returns a 0-100 score and the services reported down."),
	)
	return tool, s.handleHealth
}

func (s *Server) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp, err := s.sessions.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("backend unreachable: %v", err)), nil
	}
	r := s.scorer.Score(resp)
	down := r.Down
	if down == nil {
		down = []string{}
	}
	return jsonResult(map[string]any{
		"status":  resp.Status,
		"version": r.Version,
		"score":   r.Total,
		"healthy": r.Healthy(),
		"down":    down,
	}, "health")
}

// ---------------------------------------------------------------------------
// Runs and outputs
// ---------------------------------------------------------------------------

// onboard_run_start
func (s *Server) runStartTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_run_start",
		mcp.WithDescription("Start a content generation run for a brief. Returns the run id; poll with onboard_run_status."),
		mcp.WithString("brief_id", mcp.Required(), mcp.Description("Brief id")),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Topic of the content")),
	)
	return tool, s.handleRunStart
}

func (s *Server) handleRunStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	briefID, err := request.RequireString("brief_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: brief_id"), nil
	}
	topic, err := request.RequireString("topic")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: topic"), nil
	}
	runID, err := s.runs.Start(ctx, models.StartExecutionRequest{BriefID: briefID, Topic: topic})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}
	return jsonResult(map[string]any{"run_id": runID}, "run")
}

// onboard_run_status
func (s *Server) runStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_run_status",
		mcp.WithDescription("Get the status and progress of a content generation run."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run id")),
	)
	return tool, s.handleRunStatus
}

func (s *Server) handleRunStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: run_id"), nil
	}
	run, err := s.runs.Status(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get run: %v", err)), nil
	}
	return jsonResult(run, "run")
}

// onboard_list_outputs
func (s *Server) listOutputsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_list_outputs",
		mcp.WithDescription("List generated outputs, optionally filtered by brief or company context."),
		mcp.WithString("brief_id", mcp.Description("Filter by brief id")),
		mcp.WithString("context_id", mcp.Description("Filter by company context id")),
	)
	return tool, s.handleListOutputs
}

func (s *Server) handleListOutputs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.chat.Outputs(ctx, models.OutputFilter{
		BriefID:   request.GetString("brief_id", ""),
		ContextID: request.GetString("context_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list outputs: %v", err)), nil
	}
	if list == nil {
		list = []models.Output{}
	}
	return jsonResult(list, "outputs")
}

// onboard_chat_send
func (s *Server) chatSendTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("onboard_chat_send",
		mcp.WithDescription("Send a chat message about an output. Edit requests may produce a new version of the output."),
		mcp.WithString("output_id", mcp.Required(), mcp.Description("Output id")),
		mcp.WithString("message", mcp.Required(), mcp.Description("Message text")),
	)
	return tool, s.handleChatSend
}

func (s *Server) handleChatSend(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outputID, err := request.RequireString("output_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: output_id"), nil
	}
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	resp, err := s.chat.Send(ctx, outputID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send message: %v", err)), nil
	}
	result := map[string]any{
		"reply": resp.Message.Content,
	}
	if edited, ok := resp.EditedOutput(); ok {
		result["updated_output"] = edited
	}
	return jsonResult(result, "reply")
}
