// Package invalidate maps successful mutations to the cache keys they make
// stale.
//
// The mapping is a declarative table. A rule names one key prefix and an
// optional predicate on the mutation's response; Apply evaluates every rule
// for a mutation and invalidates the matching prefixes before returning.
package invalidate

import (
	"github.com/rs/zerolog"

	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/models"
)

// Mutation identifies a kind of write against the backend.
type Mutation string

const (
	SubmitAnswers      Mutation = "submit_answers"
	ChatMessage        Mutation = "chat_message"
	MarkOutputSeen     Mutation = "mark_output_seen"
	DeleteOutput       Mutation = "delete_output"
	ReviewOutput       Mutation = "review_output"
	ExecutionCompleted Mutation = "execution_completed"
)

// Vars are the identifiers a mutation was issued for.
type Vars struct {
	SessionID string
	OutputID  string
	RunID     string
}

// Rule invalidates Key when When is nil or reports true for the response.
type Rule struct {
	Key  func(Vars) cache.Key
	When func(resp any) bool
}

// Table is the full mutation to invalidation mapping.
type Table map[Mutation][]Rule

// Invalidator is the part of the cache the router needs.
type Invalidator interface {
	Invalidate(prefixes ...cache.Key) []cache.Key
}

func static(parts ...string) func(Vars) cache.Key {
	return func(Vars) cache.Key { return cache.K(parts...) }
}

func chatResponse(resp any) *models.ChatResponse {
	switch r := resp.(type) {
	case *models.ChatResponse:
		return r
	case models.ChatResponse:
		return &r
	}
	return nil
}

func editedOutput(resp any) bool {
	r := chatResponse(resp)
	return r != nil && r.UpdatedOutput.Present()
}

func contextChanged(resp any) bool {
	r := chatResponse(resp)
	return r != nil && r.ContextChanges.Present()
}

func briefChanged(resp any) bool {
	r := chatResponse(resp)
	return r != nil && r.BriefChanges.Present()
}

// DefaultTable returns the invalidation rules for the onboarding API.
func DefaultTable() Table {
	return Table{
		SubmitAnswers: {
			{Key: func(v Vars) cache.Key { return cache.K("session", v.SessionID) }},
			{Key: func(v Vars) cache.Key { return cache.K("session", v.SessionID, "status") }},
		},
		ChatMessage: {
			{Key: func(v Vars) cache.Key { return cache.K("chat", v.OutputID) }},
			{Key: func(v Vars) cache.Key { return cache.K("output", v.OutputID) }, When: editedOutput},
			{Key: func(v Vars) cache.Key { return cache.K("output", v.OutputID, "latest") }, When: editedOutput},
			{Key: static("outputs"), When: editedOutput},
			{Key: static("contexts"), When: contextChanged},
			{Key: static("context"), When: contextChanged},
			{Key: static("briefs"), When: briefChanged},
			{Key: static("brief"), When: briefChanged},
		},
		MarkOutputSeen: {
			{Key: static("outputs")},
		},
		DeleteOutput: {
			{Key: static("outputs")},
			{Key: func(v Vars) cache.Key { return cache.K("output", v.OutputID) }},
		},
		ReviewOutput: {
			{Key: func(v Vars) cache.Key { return cache.K("output", v.OutputID) }},
			{Key: static("outputs")},
		},
		ExecutionCompleted: {
			{Key: func(v Vars) cache.Key { return cache.K("run", v.RunID) }},
			{Key: static("outputs")},
		},
	}
}

// Router applies a Table to a cache.
type Router struct {
	table Table
	cache Invalidator
	log   zerolog.Logger
}

// NewRouter creates a router. A nil table uses DefaultTable.
func NewRouter(c Invalidator, table Table, log zerolog.Logger) *Router {
	if table == nil {
		table = DefaultTable()
	}
	return &Router{table: table, cache: c, log: log}
}

// Prefixes returns the key prefixes a mutation would invalidate, without
// touching the cache. Duplicate prefixes are collapsed.
func (r *Router) Prefixes(kind Mutation, vars Vars, resp any) []cache.Key {
	var out []cache.Key
	for _, rule := range r.table[kind] {
		if rule.When != nil && !rule.When(resp) {
			continue
		}
		key := rule.Key(vars)
		dup := false
		for _, k := range out {
			if k.Equal(key) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, key)
		}
	}
	return out
}

// Apply invalidates every prefix selected for the mutation in one pass and
// returns them. The cache is marked before Apply returns; each observed
// entry is refetched at most once even when several prefixes cover it.
func (r *Router) Apply(kind Mutation, vars Vars, resp any) []cache.Key {
	prefixes := r.Prefixes(kind, vars, resp)
	if len(prefixes) == 0 {
		return nil
	}
	keys := r.cache.Invalidate(prefixes...)
	r.log.Debug().Str("mutation", string(kind)).Int("prefixes", len(prefixes)).Int("entries", len(keys)).Msg("mutation side effects applied")
	return prefixes
}
