package invalidate

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/models"
)

func seeded(keys ...cache.Key) *cache.Cache {
	c := cache.New()
	for _, k := range keys {
		c.Set(k, "v")
	}
	return c
}

func invalidated(t *testing.T, c *cache.Cache, key cache.Key) bool {
	t.Helper()
	e, ok := c.Get(key)
	require.True(t, ok, "key %s not seeded", key)
	return e.Invalidated
}

func TestApply_SubmitAnswers(t *testing.T) {
	c := seeded(
		cache.K("session", "s1"),
		cache.K("session", "s1", "status"),
		cache.K("session", "s2", "status"),
	)
	r := NewRouter(c, nil, zerolog.Nop())

	got := r.Apply(SubmitAnswers, Vars{SessionID: "s1"}, &models.SubmitAnswersResponse{})
	assert.Equal(t, []cache.Key{cache.K("session", "s1"), cache.K("session", "s1", "status")}, got)

	assert.True(t, invalidated(t, c, cache.K("session", "s1")))
	assert.True(t, invalidated(t, c, cache.K("session", "s1", "status")))
	assert.False(t, invalidated(t, c, cache.K("session", "s2", "status")))
}

func TestApply_ChatMessageWithEditedOutput(t *testing.T) {
	c := seeded(
		cache.K("chat", "o1"),
		cache.K("output", "o1"),
		cache.K("output", "o1", "latest"),
		cache.K("outputs"),
		cache.K("contexts"),
		cache.K("briefs"),
	)
	r := NewRouter(c, nil, zerolog.Nop())

	resp := &models.ChatResponse{
		Message:        models.ChatMessage{ID: "m1", Role: "assistant", Content: "done"},
		UpdatedOutput:  models.SideEffect(`{"id":"o1","title":"Post","version":2}`),
		ContextChanges: models.SideEffect("null"),
	}
	got := r.Apply(ChatMessage, Vars{OutputID: "o1"}, resp)
	assert.Equal(t, []cache.Key{
		cache.K("chat", "o1"),
		cache.K("output", "o1"),
		cache.K("output", "o1", "latest"),
		cache.K("outputs"),
	}, got)

	assert.True(t, invalidated(t, c, cache.K("output", "o1", "latest")))
	assert.True(t, invalidated(t, c, cache.K("outputs")))
	assert.False(t, invalidated(t, c, cache.K("contexts")))
	assert.False(t, invalidated(t, c, cache.K("briefs")))
}

func TestPrefixes_ChatMessageVariants(t *testing.T) {
	r := NewRouter(cache.New(), nil, zerolog.Nop())

	tests := []struct {
		name string
		resp any
		want []cache.Key
	}{
		{
			name: "plain reply",
			resp: &models.ChatResponse{},
			want: []cache.Key{cache.K("chat", "o1")},
		},
		{
			name: "flags as booleans",
			resp: models.ChatResponse{
				UpdatedOutput:  models.Flag(false),
				ContextChanges: models.Flag(true),
				BriefChanges:   models.Flag(true),
			},
			want: []cache.Key{
				cache.K("chat", "o1"),
				cache.K("contexts"), cache.K("context"),
				cache.K("briefs"), cache.K("brief"),
			},
		},
		{
			name: "unexpected response type",
			resp: "nope",
			want: []cache.Key{cache.K("chat", "o1")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Prefixes(ChatMessage, Vars{OutputID: "o1"}, tt.resp))
		})
	}
}

func TestPrefixes_OutputAndRunMutations(t *testing.T) {
	r := NewRouter(cache.New(), nil, zerolog.Nop())

	assert.Equal(t, []cache.Key{cache.K("outputs")}, r.Prefixes(MarkOutputSeen, Vars{OutputID: "o1"}, nil))
	assert.Equal(t, []cache.Key{cache.K("outputs"), cache.K("output", "o1")}, r.Prefixes(DeleteOutput, Vars{OutputID: "o1"}, nil))
	assert.Equal(t, []cache.Key{cache.K("run", "r1"), cache.K("outputs")}, r.Prefixes(ExecutionCompleted, Vars{RunID: "r1"}, nil))
	assert.Equal(t, []cache.Key{cache.K("output", "o1"), cache.K("outputs")}, r.Prefixes(ReviewOutput, Vars{OutputID: "o1"}, nil))
	assert.Empty(t, r.Prefixes(Mutation("unknown"), Vars{}, nil))
}

func TestPrefixes_CollapsesDuplicates(t *testing.T) {
	table := Table{
		MarkOutputSeen: {
			{Key: static("outputs")},
			{Key: static("outputs")},
		},
	}
	r := NewRouter(cache.New(), table, zerolog.Nop())
	assert.Len(t, r.Prefixes(MarkOutputSeen, Vars{}, nil), 1)
}
