package chat

import (
	"context"
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
	cache *cache.Cache
	svc   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := sandbox.NewServer()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c := cache.New(cache.WithClock(testutil.NewManualClock()))
	t.Cleanup(c.Close)
	router := invalidate.NewRouter(c, nil, zerolog.Nop())
	return &harness{srv: srv, cache: c, svc: NewService(apiclient.New(ts.URL+"/api/v1"), c, router, zerolog.Nop())}
}

func (h *harness) invalidated(t *testing.T, key cache.Key) bool {
	t.Helper()
	e, ok := h.cache.Get(key)
	require.True(t, ok, "no entry for %s", key)
	return e.Invalidated
}

func TestOutputsKey(t *testing.T) {
	assert.Equal(t, cache.K("outputs"), OutputsKey(models.OutputFilter{}))
	assert.Equal(t, cache.K("outputs", "brief_id=b1"), OutputsKey(models.OutputFilter{BriefID: "b1"}))
	assert.Equal(t, cache.K("outputs", "brief_id=b1", "context_id=c1"), OutputsKey(models.OutputFilter{BriefID: "b1", ContextID: "c1"}))
	assert.True(t, OutputsKey(models.OutputFilter{ContextID: "c1"}).HasPrefix(cache.K("outputs")))
}

func TestSend_PlainMessageInvalidatesOnlyHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post", TextContent: "v1"})

	_, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)
	history, err := h.svc.History(ctx, out.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	resp, err := h.svc.Send(ctx, out.ID, "looks good")
	require.NoError(t, err)
	assert.Equal(t, "assistant", resp.Message.Role)
	_, edited := resp.EditedOutput()
	assert.False(t, edited)

	assert.True(t, h.invalidated(t, HistoryKey(out.ID)))
	assert.False(t, h.invalidated(t, OutputKey(out.ID)))
	assert.False(t, h.invalidated(t, OutputsKey(models.OutputFilter{})))

	history, err = h.svc.History(ctx, out.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "looks good", history[0].Content)
	assert.Equal(t, 2, h.srv.Hits("GET /chat/outputs/"+out.ID+"/history"))
}

func TestSend_EditInvalidatesOutputAndLists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post", TextContent: "v1", BriefID: "b1"})

	_, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Latest(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Outputs(ctx, models.OutputFilter{BriefID: "b1"})
	require.NoError(t, err)

	resp, err := h.svc.Send(ctx, out.ID, "edit: shorter copy")
	require.NoError(t, err)
	edited, ok := resp.EditedOutput()
	require.True(t, ok)
	assert.Equal(t, 2, edited.Version)

	assert.True(t, h.invalidated(t, OutputKey(out.ID)))
	assert.True(t, h.invalidated(t, LatestKey(out.ID)))
	assert.True(t, h.invalidated(t, OutputsKey(models.OutputFilter{BriefID: "b1"})))

	got, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "shorter copy", got.TextContent)
	assert.Equal(t, 2, h.srv.Hits("GET /outputs/"+out.ID))
}

// An active list observer sees the edited output without asking for it.
func TestSend_EditRefetchesWatchedList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post", TextContent: "v1"})

	lists := make(chan []models.Output, 4)
	sub := h.cache.Watch(ctx, h.svc.OutputsQuery(models.OutputFilter{}), func(e cache.Entry) {
		if list, ok := e.Value.([]models.Output); ok && e.Err == nil {
			lists <- list
		}
	})
	defer sub.Close()

	next := func() []models.Output {
		select {
		case l := <-lists:
			return l
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for outputs list")
			return nil
		}
	}
	first := next()
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Version)

	_, err := h.svc.Send(ctx, out.ID, "edit: v2 text")
	require.NoError(t, err)

	second := next()
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].Version)
	assert.Equal(t, 2, h.srv.Hits("GET /outputs"))
}

func TestSend_EmptyMessage(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Send(context.Background(), "out_0001", "   ")
	require.Error(t, err)
	assert.Zero(t, h.srv.Hits("POST /chat/outputs/out_0001"))
}

func TestSend_UnknownOutput(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Send(context.Background(), "out_missing", "hi")
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}

func TestOutputs_FilterAndCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.AddOutput(models.Output{Title: "A", BriefID: "b1"})
	h.srv.AddOutput(models.Output{Title: "B", BriefID: "b2"})

	b1, err := h.svc.Outputs(ctx, models.OutputFilter{BriefID: "b1"})
	require.NoError(t, err)
	require.Len(t, b1, 1)
	assert.Equal(t, "A", b1[0].Title)

	all, err := h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = h.svc.Outputs(ctx, models.OutputFilter{BriefID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.srv.Hits("GET /outputs"))
}

func TestMarkSeen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post", IsNew: true})

	list, err := h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)
	require.True(t, list[0].IsNew)

	seen, err := h.svc.MarkSeen(ctx, out.ID)
	require.NoError(t, err)
	assert.False(t, seen.IsNew)
	assert.True(t, h.invalidated(t, OutputsKey(models.OutputFilter{})))

	list, err = h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)
	assert.False(t, list[0].IsNew)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post"})

	_, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, out.ID))
	assert.True(t, h.invalidated(t, OutputKey(out.ID)))
	assert.True(t, h.invalidated(t, OutputsKey(models.OutputFilter{})))

	_, err = h.svc.Output(ctx, out.ID)
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
	list, err := h.svc.Outputs(ctx, models.OutputFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, h.svc.Delete(ctx, out.ID), apiclient.ErrNotFound)
}

func TestReview_ApproveRefetchesOutputAndLists(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post", Status: "draft", IsNew: true})

	_, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Latest(ctx, out.ID)
	require.NoError(t, err)
	_, err = h.svc.Outputs(ctx, models.OutputFilter{BriefID: "b1"})
	require.NoError(t, err)

	resp, err := h.svc.Review(ctx, out.ID, models.ReviewRequest{Status: models.ReviewApproved, IsReference: true})
	require.NoError(t, err)
	assert.True(t, resp.Reviewed)
	assert.Equal(t, models.ReviewApproved, resp.Status)
	assert.True(t, h.invalidated(t, OutputKey(out.ID)))
	assert.True(t, h.invalidated(t, LatestKey(out.ID)))
	assert.True(t, h.invalidated(t, OutputsKey(models.OutputFilter{BriefID: "b1"})))

	got, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
}

func TestReview_RejectNeedsFeedback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	out := h.srv.AddOutput(models.Output{Title: "Post"})

	_, err := h.svc.Review(ctx, out.ID, models.ReviewRequest{Status: models.ReviewRejected})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs feedback")
	_, err = h.svc.Review(ctx, out.ID, models.ReviewRequest{Status: "maybe"})
	require.Error(t, err)
	assert.Zero(t, h.srv.Hits("POST /outputs/"+out.ID+"/review"))

	resp, err := h.svc.Review(ctx, out.ID, models.ReviewRequest{Status: models.ReviewRejected, Feedback: "too long"})
	require.NoError(t, err)
	assert.Equal(t, models.ReviewRejected, resp.Status)
	got, err := h.svc.Output(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", got.Status)

	_, err = h.svc.Review(ctx, "out_missing", models.ReviewRequest{Status: models.ReviewApproved})
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}
