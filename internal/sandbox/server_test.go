package sandbox

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/onboard/internal/models"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func startSession(t *testing.T, h http.Handler) models.StartResponse {
	t.Helper()
	w := do(t, h, "POST", "/api/v1/onboarding/start", `{"brand_name":"Acme","email":"a@acme.test"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.StartResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestStart_ValidationErrorShape(t *testing.T) {
	h := NewServer().Router()
	w := do(t, h, "POST", "/api/v1/onboarding/start", `{"brand_name":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"detail":[
		{"loc":["body","brand_name"],"msg":"field required","type":"value_error.missing"},
		{"loc":["body","email"],"msg":"field required","type":"value_error.missing"}
	]}`, w.Body.String())
}

func TestSessionLifecycle_FollowsScript(t *testing.T) {
	h := NewServer().Router()
	start := startSession(t, h)
	assert.Equal(t, models.StateResearching, start.State)
	assert.Len(t, start.ClarifyingQuestions, 3)

	var states []models.SessionState
	for range 3 {
		w := do(t, h, "GET", "/api/v1/onboarding/"+start.SessionID+"/status", "")
		require.Equal(t, http.StatusOK, w.Code)
		var s models.Session
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
		states = append(states, s.State)
	}
	assert.Equal(t, []models.SessionState{models.StateSynthesizing, models.StateQuestionsReady, models.StateQuestionsReady}, states)

	w := do(t, h, "POST", "/api/v1/onboarding/"+start.SessionID+"/answers", `{"answers":{"q1":"founders","q2":"friendly"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sub models.SubmitAnswersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, models.StateExecuting, sub.State)
	assert.Equal(t, 2, sub.CreatedCards())

	w = do(t, h, "POST", "/api/v1/onboarding/"+start.SessionID+"/answers", `{"answers":{"q1":"x","q2":"y"}}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not awaiting answers")
}

func TestSubmitAnswers_RequiredAnswers(t *testing.T) {
	srv := NewServer()
	h := srv.Router()
	start := startSession(t, h)
	require.True(t, srv.SetState(start.SessionID, models.StateQuestionsReady))

	w := do(t, h, "POST", "/api/v1/onboarding/"+start.SessionID+"/answers", `{"answers":{"q1":"founders"}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"answers","q2"`)
}

func TestTokenRequired(t *testing.T) {
	h := NewServer(WithToken("secret")).Router()

	w := do(t, h, "GET", "/api/v1/onboarding/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, "GET", "/api/v1/outputs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestFailAndHits(t *testing.T) {
	srv := NewServer()
	h := srv.Router()
	srv.Fail("GET /onboarding/health", http.StatusBadGateway, "upstream down")

	w := do(t, h, "GET", "/api/v1/onboarding/health", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"detail":"upstream down"}`, w.Body.String())

	w = do(t, h, "GET", "/api/v1/onboarding/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, srv.Hits("GET /onboarding/health"))
}

func TestRunStreamCompletesAndCreatesOutput(t *testing.T) {
	h := NewServer().Router()
	w := do(t, h, "POST", "/api/v1/execute", `{"brief_id":"b1","topic":"Launch post"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var started models.StartExecutionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	w = do(t, h, "GET", "/api/v1/execute/"+started.RunID+"/stream", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Equal(t, 4, strings.Count(body, "data: "))
	assert.Contains(t, body, `"type":"completed"`)

	w = do(t, h, "GET", "/api/v1/outputs?brief_id=b1", "")
	var outputs []models.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outputs))
	require.Len(t, outputs, 1)
	assert.Equal(t, "Launch post", outputs[0].Title)
}

func TestChatEditUpdatesOutput(t *testing.T) {
	srv := NewServer()
	h := srv.Router()
	out := srv.AddOutput(models.Output{Title: "Post", TextContent: "v1"})

	w := do(t, h, "POST", "/api/v1/chat/outputs/"+out.ID, `{"message":"edit: shorter copy"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	edited, ok := resp.EditedOutput()
	require.True(t, ok)
	assert.Equal(t, 2, edited.Version)
	assert.Equal(t, "shorter copy", edited.TextContent)

	w = do(t, h, "GET", "/api/v1/chat/outputs/"+out.ID+"/history", "")
	var history []models.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 2)

	w = do(t, h, "DELETE", "/api/v1/outputs/"+out.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, "GET", "/api/v1/outputs/"+out.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReviewOutput(t *testing.T) {
	srv := NewServer()
	h := srv.Router()
	out := srv.AddOutput(models.Output{Title: "Post", Status: "draft", IsNew: true})

	w := do(t, h, "POST", "/api/v1/outputs/"+out.ID+"/review", `{"status":"approved","is_reference":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.ReviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Reviewed)
	assert.Equal(t, models.ReviewApproved, resp.Status)

	w = do(t, h, "GET", "/api/v1/outputs/"+out.ID, "")
	var got models.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "completed", got.Status)
	assert.False(t, got.IsNew)

	w = do(t, h, "POST", "/api/v1/outputs/"+out.ID+"/review", `{"status":"later"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = do(t, h, "POST", "/api/v1/outputs/out_missing/review", `{"status":"rejected","feedback":"no"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
