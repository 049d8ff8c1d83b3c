package execution

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/onboard/internal/apiclient"
	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/invalidate"
	"github.com/joescharf/onboard/internal/models"
	"github.com/joescharf/onboard/internal/sandbox"
	"github.com/joescharf/onboard/internal/testutil"
)

type harness struct {
	srv   *sandbox.Server
	clock *testutil.ManualClock
	cache *cache.Cache
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := sandbox.NewServer()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	clock := testutil.NewManualClock()
	c := cache.New(cache.WithClock(clock))
	t.Cleanup(c.Close)
	client := apiclient.New(ts.URL + "/api/v1")
	router := invalidate.NewRouter(c, nil, zerolog.Nop())
	return &harness{srv: srv, clock: clock, cache: c, svc: NewService(client, c, router, zerolog.Nop())}
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.svc.Start(context.Background(), models.StartExecutionRequest{BriefID: "b1", Topic: "Launch post"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func nextRun(t *testing.T, ch <-chan RunUpdate) RunUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run update")
		return RunUpdate{}
	}
}

func TestRunInterval(t *testing.T) {
	for _, s := range []models.RunStatus{models.RunStatusPending, models.RunStatusRunning} {
		d, ok := RunInterval(s)
		assert.True(t, ok, s)
		assert.Equal(t, 2*time.Second, d)
	}
	for _, s := range []models.RunStatus{models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled, ""} {
		_, ok := RunInterval(s)
		assert.False(t, ok, s)
	}
}

func TestStart_ValidationError(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(context.Background(), models.StartExecutionRequest{BriefID: "b1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apiclient.ErrValidation)
	assert.Contains(t, err.Error(), "topic")
}

func TestWatch_PollsUntilCompleteThenInvalidatesOutputs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cache.Set(cache.K("outputs"), []models.Output{})
	id := h.start(t)

	updates := make(chan RunUpdate, 8)
	sub := h.svc.Watch(ctx, id, func(u RunUpdate) { updates <- u })
	defer sub.Close()

	u := nextRun(t, updates)
	require.NoError(t, u.Err)
	assert.Equal(t, models.RunStatusRunning, u.Run.Status)
	assert.Equal(t, PollInterval, u.NextPoll)

	outputs, _ := h.cache.Get(cache.K("outputs"))
	assert.False(t, outputs.Invalidated)

	h.clock.Advance(PollInterval)
	u = nextRun(t, updates)
	assert.Equal(t, models.RunStatusCompleted, u.Run.Status)
	assert.Equal(t, float64(100), u.Run.Progress)
	assert.Zero(t, u.NextPoll)

	outputs, _ = h.cache.Get(cache.K("outputs"))
	assert.True(t, outputs.Invalidated)
}

func TestWait_ReturnsFinalStatus(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	require.True(t, h.srv.FailRun(id, "writer crashed"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, r.Status)
	assert.Equal(t, "writer crashed", r.ErrorMessage)
}

func TestWait_HonorsContext(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.svc.Wait(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_DeliversEventsInOrder(t *testing.T) {
	h := newHarness(t)
	h.cache.Set(cache.K("outputs"), []models.Output{})
	id := h.start(t)

	var (
		types  []models.StreamEventType
		errors int
		final  models.StreamEvent
	)
	err := h.svc.Stream(context.Background(), id, StreamHandlers{
		OnEvent: func(ev models.StreamEvent) {
			types = append(types, ev.Type)
			final = ev
		},
		OnError: func(error) { errors++ },
	})
	require.NoError(t, err)
	assert.Zero(t, errors)
	assert.Equal(t, []models.StreamEventType{
		models.StreamEventStatus,
		models.StreamEventProgress,
		models.StreamEventAgentComplete,
		models.StreamEventCompleted,
	}, types)
	assert.NotEmpty(t, final.Data.OutputID)
	assert.Equal(t, 1200, final.Data.TotalTokens)

	outputs, _ := h.cache.Get(cache.K("outputs"))
	assert.True(t, outputs.Invalidated)
}

func TestStream_ErrorEventFailsOnce(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	require.True(t, h.srv.FailRun(id, "writer crashed"))

	var reported []error
	err := h.svc.Stream(context.Background(), id, StreamHandlers{
		OnError: func(err error) { reported = append(reported, err) },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, "execution failed: writer crashed", err.Error())
	require.Len(t, reported, 1)
	assert.Equal(t, err, reported[0])
}

func TestStream_UnknownRun(t *testing.T) {
	h := newHarness(t)
	var reported int
	err := h.svc.Stream(context.Background(), "run_missing", StreamHandlers{
		OnEvent: func(models.StreamEvent) { t.Fatal("no events expected") },
		OnError: func(error) { reported++ },
	})
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
	assert.Equal(t, 1, reported)
}

// The first completed or error event ends the run; later events are dropped.
func TestStream_IgnoresEventsAfterTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"progress\",\"data\":{\"progress\":50}}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"completed\",\"data\":{\"output_id\":\"out_1\"}}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"error\",\"data\":{\"error\":\"late failure\"}}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"progress\",\"data\":{\"progress\":90}}\n\n")
	}))
	t.Cleanup(ts.Close)

	c := cache.New()
	t.Cleanup(c.Close)
	svc := NewService(apiclient.New(ts.URL), c, invalidate.NewRouter(c, nil, zerolog.Nop()), zerolog.Nop())

	var types []models.StreamEventType
	err := svc.Stream(context.Background(), "run_1", StreamHandlers{
		OnEvent: func(ev models.StreamEvent) { types = append(types, ev.Type) },
	})
	require.NoError(t, err)
	assert.Equal(t, []models.StreamEventType{models.StreamEventProgress, models.StreamEventCompleted}, types)
}
