// Package fetch tries retrieval candidates one at a time and hands back the
// first response that actually carries bytes.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"servicedesk/api/internal/locator"
)

var ErrNoCandidates = errors.New("no retrieval candidates")

// Hints remembers the strategy that last worked for a key.
type Hints interface {
	Lookup(ctx context.Context, key string) (string, error)
	Remember(ctx context.Context, key, strategy string) error
}

type Attempt struct {
	Strategy string `json:"strategy"`
	URL      string `json:"url"`
	Outcome  string `json:"outcome"`
}

// RetrievalError lists every candidate that was tried, in order.
type RetrievalError struct {
	Trail []Attempt
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("document retrieval failed after %d attempts", len(e.Trail))
}

// Result owns Body; the caller must close it.
type Result struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Strategy      string
	URL           string
}

type Fetcher struct {
	client *http.Client
	hints  Hints
	tracer trace.Tracer
	logger *slog.Logger
}

type Option func(*Fetcher)

func WithHints(h Hints) Option {
	return func(f *Fetcher) { f.hints = h }
}

func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) { f.tracer = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

func New(client *http.Client, opts ...Option) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &Fetcher{
		client: client,
		tracer: otel.Tracer("servicedesk/api/internal/fetch"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues one GET per candidate until one returns a 2xx with a body.
// Requests carry ctx, so cancelling it also aborts a stream already returned.
func (f *Fetcher) Fetch(ctx context.Context, key string, candidates []locator.Candidate) (*Result, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	hinted := f.lookupHint(ctx, key)
	ordered := preferStrategy(candidates, hinted)

	trail := make([]Attempt, 0, len(ordered))
	for _, candidate := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, outcome := f.attempt(ctx, candidate)
		if result != nil {
			if key != "" && candidate.Strategy != hinted {
				f.rememberHint(ctx, key, candidate.Strategy)
			}
			return result, nil
		}
		trail = append(trail, Attempt{
			Strategy: candidate.Strategy,
			URL:      redact(candidate.URL),
			Outcome:  outcome,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, &RetrievalError{Trail: trail}
}

func (f *Fetcher) attempt(ctx context.Context, candidate locator.Candidate) (*Result, string) {
	ctx, span := f.tracer.Start(ctx, "fetch.attempt", trace.WithAttributes(
		attribute.String("fetch.strategy", candidate.Strategy),
	))
	defer span.End()

	fail := func(outcome string) (*Result, string) {
		span.SetStatus(codes.Error, outcome)
		f.logger.DebugContext(ctx, "retrieval candidate failed",
			"strategy", candidate.Strategy,
			"outcome", outcome,
		)
		return nil, outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate.URL, nil)
	if err != nil {
		return fail("invalid url")
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fail("request failed: " + errorSummary(err))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return fail(fmt.Sprintf("status %d", resp.StatusCode))
	}
	body, ok := nonEmpty(resp)
	if !ok {
		drain(resp.Body)
		return fail("empty body")
	}
	return &Result{
		Body:          body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Strategy:      candidate.Strategy,
		URL:           candidate.URL,
	}, ""
}

// nonEmpty peeks a byte when the length is unknown.
func nonEmpty(resp *http.Response) (io.ReadCloser, bool) {
	switch {
	case resp.ContentLength == 0:
		return nil, false
	case resp.ContentLength > 0:
		return resp.Body, true
	}
	br := bufio.NewReader(resp.Body)
	if _, err := br.Peek(1); err != nil {
		return nil, false
	}
	return struct {
		io.Reader
		io.Closer
	}{br, resp.Body}, true
}

func drain(body io.ReadCloser) {
	_, _ = io.CopyN(io.Discard, body, 4<<10)
	_ = body.Close()
}

func (f *Fetcher) lookupHint(ctx context.Context, key string) string {
	if f.hints == nil || key == "" {
		return ""
	}
	strategy, err := f.hints.Lookup(ctx, key)
	if err != nil {
		f.logger.WarnContext(ctx, "location hint lookup failed", "key", key, "err", err)
		return ""
	}
	return strategy
}

func (f *Fetcher) rememberHint(ctx context.Context, key, strategy string) {
	if f.hints == nil {
		return
	}
	if err := f.hints.Remember(ctx, key, strategy); err != nil {
		f.logger.WarnContext(ctx, "location hint save failed", "key", key, "err", err)
	}
}

// preferStrategy moves the hinted candidate to the front, keeping the rest in order.
func preferStrategy(candidates []locator.Candidate, strategy string) []locator.Candidate {
	if strategy == "" {
		return candidates
	}
	for i, c := range candidates {
		if c.Strategy != strategy {
			continue
		}
		if i == 0 {
			return candidates
		}
		out := make([]locator.Candidate, 0, len(candidates))
		out = append(out, c)
		out = append(out, candidates[:i]...)
		return append(out, candidates[i+1:]...)
	}
	return candidates
}

// redact drops the query so signatures and api keys stay out of error payloads.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}

func errorSummary(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
