// Package chat covers the output editing surface: chat messages about an
// output, and the outputs themselves.
package chat

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joescharf/onboard/internal/cache"
	"github.com/joescharf/onboard/internal/invalidate"
	"github.com/joescharf/onboard/internal/models"
)

const (
	HistoryStaleTime = 30 * time.Second
	OutputsStaleTime = 60 * time.Second
	OutputStaleTime  = 60 * time.Second
	LatestStaleTime  = 30 * time.Second
)

// API is the subset of the HTTP client used here.
type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Patch(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string) error
}

// Service sends chat messages and reads and updates outputs.
type Service struct {
	api    API
	cache  *cache.Cache
	router *invalidate.Router
	log    zerolog.Logger
}

// NewService creates a chat service.
func NewService(api API, c *cache.Cache, r *invalidate.Router, log zerolog.Logger) *Service {
	return &Service{api: api, cache: c, router: r, log: log}
}

// HistoryKey is the cache key of an output's chat history.
func HistoryKey(outputID string) cache.Key { return cache.K("chat", outputID) }

// OutputKey is the cache key of a single output.
func OutputKey(outputID string) cache.Key { return cache.K("output", outputID) }

// LatestKey is the cache key of an output's latest version.
func LatestKey(outputID string) cache.Key { return cache.K("output", outputID, "latest") }

// OutputsKey is the cache key of a filtered outputs list. Every list key
// starts with "outputs" so one prefix invalidates all of them.
func OutputsKey(f models.OutputFilter) cache.Key {
	key := cache.K("outputs")
	if f.BriefID != "" {
		key = append(key, "brief_id="+f.BriefID)
	}
	if f.ContextID != "" {
		key = append(key, "context_id="+f.ContextID)
	}
	return key
}

func outputPath(id string) string { return "/outputs/" + url.PathEscape(id) }

func chatPath(id string) string { return "/chat/outputs/" + url.PathEscape(id) }

// Send posts a message about an output. On success the chat history is
// invalidated, plus the output, its lists, and any context or brief the
// reply reports as changed.
func (s *Service) Send(ctx context.Context, outputID, message string) (*models.ChatResponse, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("send chat message: message is empty")
	}
	var resp models.ChatResponse
	if err := s.api.Post(ctx, chatPath(outputID), models.ChatRequest{Message: message}, &resp); err != nil {
		return nil, err
	}
	s.router.Apply(invalidate.ChatMessage, invalidate.Vars{OutputID: outputID}, &resp)
	if edited, ok := resp.EditedOutput(); ok {
		s.log.Info().Str("output_id", outputID).Int("version", edited.Version).Msg("output edited via chat")
	}
	return &resp, nil
}

// HistoryQuery describes an output's chat history.
func (s *Service) HistoryQuery(outputID string) cache.Query {
	return cache.Query{
		Key:       HistoryKey(outputID),
		StaleTime: HistoryStaleTime,
		Fetch: func(ctx context.Context) (any, error) {
			var msgs []models.ChatMessage
			if err := s.api.Get(ctx, chatPath(outputID)+"/history", &msgs); err != nil {
				return nil, err
			}
			return msgs, nil
		},
	}
}

// History returns the chat history of an output, oldest first.
func (s *Service) History(ctx context.Context, outputID string) ([]models.ChatMessage, error) {
	return cache.FetchAs[[]models.ChatMessage](ctx, s.cache, s.HistoryQuery(outputID))
}

// OutputsQuery describes a filtered outputs list.
func (s *Service) OutputsQuery(f models.OutputFilter) cache.Query {
	return cache.Query{
		Key:       OutputsKey(f),
		StaleTime: OutputsStaleTime,
		Fetch: func(ctx context.Context) (any, error) {
			q := url.Values{}
			if f.BriefID != "" {
				q.Set("brief_id", f.BriefID)
			}
			if f.ContextID != "" {
				q.Set("context_id", f.ContextID)
			}
			path := "/outputs"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var list []models.Output
			if err := s.api.Get(ctx, path, &list); err != nil {
				return nil, err
			}
			return list, nil
		},
	}
}

// Outputs lists outputs matching f.
func (s *Service) Outputs(ctx context.Context, f models.OutputFilter) ([]models.Output, error) {
	return cache.FetchAs[[]models.Output](ctx, s.cache, s.OutputsQuery(f))
}

func (s *Service) outputQuery(key cache.Key, path string, stale time.Duration) cache.Query {
	return cache.Query{
		Key:       key,
		StaleTime: stale,
		Fetch: func(ctx context.Context) (any, error) {
			var o models.Output
			if err := s.api.Get(ctx, path, &o); err != nil {
				return nil, err
			}
			return &o, nil
		},
	}
}

// Output reads one output.
func (s *Service) Output(ctx context.Context, id string) (*models.Output, error) {
	return cache.FetchAs[*models.Output](ctx, s.cache, s.outputQuery(OutputKey(id), outputPath(id), OutputStaleTime))
}

// Latest reads the newest version of an output.
func (s *Service) Latest(ctx context.Context, id string) (*models.Output, error) {
	return cache.FetchAs[*models.Output](ctx, s.cache, s.outputQuery(LatestKey(id), outputPath(id)+"/latest", LatestStaleTime))
}

// MarkSeen clears the output's "new" flag.
func (s *Service) MarkSeen(ctx context.Context, id string) (*models.Output, error) {
	var o models.Output
	if err := s.api.Patch(ctx, outputPath(id), map[string]any{"is_new": false}, &o); err != nil {
		return nil, err
	}
	s.router.Apply(invalidate.MarkOutputSeen, invalidate.Vars{OutputID: id}, &o)
	return &o, nil
}

// Review approves or rejects an output. The output and the output list are
// refetched afterwards, since the backend moves the output's status.
func (s *Service) Review(ctx context.Context, id string, req models.ReviewRequest) (*models.ReviewResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("review %s: %w", id, err)
	}
	var resp models.ReviewResponse
	if err := s.api.Post(ctx, outputPath(id)+"/review", req, &resp); err != nil {
		return nil, err
	}
	s.router.Apply(invalidate.ReviewOutput, invalidate.Vars{OutputID: id}, &resp)
	s.log.Info().Str("output_id", id).Str("status", string(req.Status)).Msg("output reviewed")
	return &resp, nil
}

// Delete removes an output.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.api.Delete(ctx, outputPath(id)); err != nil {
		return err
	}
	s.router.Apply(invalidate.DeleteOutput, invalidate.Vars{OutputID: id}, nil)
	s.log.Info().Str("output_id", id).Msg("output deleted")
	return nil
}
