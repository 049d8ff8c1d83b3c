// Package apiclient executes requests against the onboarding backend.
//
// Every request carries the current bearer credential when one is
// available. A 401 response signs the credential provider out, invokes the
// signed-out handler, and fails with ErrAuth; callers never handle 401
// themselves. All other failures are resolved to one human-readable
// *APIError.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/onboard/internal/auth"
	"github.com/joescharf/onboard/internal/sse"
)

const (
	// DefaultBaseURL is the local development backend.
	DefaultBaseURL = "http://127.0.0.1:8000/api/v1"

	tracerName   = "github.com/joescharf/onboard/internal/apiclient"
	maxErrorBody = 1 << 20
)

// Client is safe for concurrent use.
type Client struct {
	baseURL     string
	http        *http.Client
	creds       auth.Provider
	onSignedOut func()
	log         zerolog.Logger
	tracer      trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport. No client-side timeout is set by
// default; timeouts belong to the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCredentials sets the credential provider.
func WithCredentials(p auth.Provider) Option {
	return func(c *Client) { c.creds = p }
}

// WithSignedOutHandler sets the login-boundary redirect run after a 401.
func WithSignedOutHandler(fn func()) Option {
	return func(c *Client) { c.onSignedOut = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get decodes the JSON response of GET path into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Patch sends body as JSON and decodes the response into out.
func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, path, body, out)
}

// Delete issues DELETE path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Do executes one request. out may be nil; a 204 or empty body leaves it untouched.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	requestID := newRequestID()
	ctx, span := c.tracer.Start(ctx, method+" "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.String("onboard.request_id", requestID),
		),
	)
	defer span.End()

	err := c.do(ctx, requestID, method, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, requestID, method, path string, body, out any) error {
	resp, err := c.send(ctx, requestID, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// send performs the round trip and returns the response only for 2xx
// statuses. The caller closes the body.
func (c *Client) send(ctx context.Context, requestID, method, path string, body any, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-ID", requestID)
	c.authorize(ctx, req, path)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Str("request_id", requestID).Msg("api request failed")
		return nil, newNetworkError(err, requestID)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Str("request_id", requestID).
		Msg("api request")

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, c.unauthorized(ctx, requestID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, newStatusError(resp.StatusCode, data, requestID)
	}
	return resp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request, path string) {
	if c.creds == nil {
		c.log.Warn().Str("path", path).Msg("no credential provider configured")
		return
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("credential lookup failed")
		return
	}
	if token == "" {
		c.log.Warn().Str("path", path).Msg("no session token available")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// unauthorized runs the global sign-out flow for a 401 response.
func (c *Client) unauthorized(ctx context.Context, requestID string) error {
	if c.creds != nil {
		if err := c.creds.SignOut(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn().Err(err).Msg("sign out after 401 failed")
		}
	}
	if c.onSignedOut != nil {
		c.onSignedOut()
	}
	return &APIError{
		StatusCode: http.StatusUnauthorized,
		Message:    SessionExpiredMessage,
		RequestID:  requestID,
		Kind:       ErrAuth,
	}
}

// Open starts a server-sent event stream. The caller must close the
// returned body.
func (c *Client) Open(ctx context.Context, path string) (*sse.Reader, io.Closer, error) {
	requestID := newRequestID()
	ctx, span := c.tracer.Start(ctx, "STREAM "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.path", path),
			attribute.String("onboard.request_id", requestID),
		),
	)
	defer span.End()

	resp, err := c.send(ctx, requestID, http.MethodGet, path, nil, "text/event-stream")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	return sse.NewReader(resp.Body), resp.Body, nil
}

// Stream reads the event stream at path, calling fn for every well-formed
// event, and returns when the stream ends. The returned error is the single
// terminal failure of the stream; nothing is retried.
func (c *Client) Stream(ctx context.Context, path string, fn func(sse.Event)) error {
	reader, body, err := c.Open(ctx, path)
	if err != nil {
		return err
	}
	defer body.Close()

	for ev, err := range reader.All() {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return newNetworkError(err, "")
		}
		fn(ev)
	}
	if skipped := reader.Skipped(); skipped > 0 {
		c.log.Debug().Int("skipped", skipped).Str("path", path).Msg("malformed stream events skipped")
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// routeOf strips the query string so span names stay low-cardinality.
func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
