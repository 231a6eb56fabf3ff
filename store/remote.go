package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/request"
)

// Executor issues outbound calls. *request.Coordinator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req request.Request) (*request.Response, error)
}

// Remote is the client for the hosted template service. Every call is
// issued through the request coordinator so it shares the process-wide
// concurrency cap, dedup and retry policy.
type Remote struct {
	exec Executor
}

// NewRemote creates a remote client dispatching through exec.
func NewRemote(exec Executor) *Remote {
	return &Remote{exec: exec}
}

// Ping probes connectivity. Never cached.
func (r *Remote) Ping(ctx context.Context) error {
	_, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/health",
		NoCache:  true,
	})
	return classify(err)
}

// SearchTemplates queries the remote template index.
func (r *Remote) SearchTemplates(ctx context.Context, q Query) ([]Template, error) {
	params := map[string]string{}
	if q.Text != "" {
		params["q"] = q.Text
	}
	if q.Category != "" {
		params["category"] = q.Category
	}
	if q.Limit > 0 {
		params["limit"] = strconv.Itoa(q.Limit)
	}

	resp, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/templates/search",
		Params:   params,
	})
	if err != nil {
		return nil, classify(err)
	}

	var templates []Template
	if err := json.Unmarshal(resp.Body, &templates); err != nil {
		return nil, fmt.Errorf("decoding search results: %w", err)
	}
	return templates, nil
}

// TemplateByID fetches one template. Concurrent lookups within the batch
// window are dispatched as a single call.
func (r *Remote) TemplateByID(ctx context.Context, id int64) (*Template, error) {
	resp, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/templates/batch",
		BatchKey: "templates",
		ID:       strconv.FormatInt(id, 10),
	})
	if err != nil {
		return nil, classify(err)
	}

	var t Template
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	return &t, nil
}

// AnalysisFor fetches one analysis result. Concurrent lookups within the
// batch window are dispatched as a single call.
func (r *Remote) AnalysisFor(ctx context.Context, contentHash, analysisType string) (*Analysis, error) {
	resp, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/analyses/batch",
		BatchKey: "analyses",
		ID:       contentHash + "/" + analysisType,
	})
	if err != nil {
		return nil, classify(err)
	}

	var a Analysis
	if err := json.Unmarshal(resp.Body, &a); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}
	return &a, nil
}

// TemplatesModifiedSince fetches templates modified after since. A zero
// since fetches everything.
func (r *Remote) TemplatesModifiedSince(ctx context.Context, since time.Time) ([]Template, error) {
	resp, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/templates",
		Params:   modifiedSinceParams(since),
		NoCache:  true,
	})
	if err != nil {
		return nil, classify(err)
	}

	var templates []Template
	if err := json.Unmarshal(resp.Body, &templates); err != nil {
		return nil, fmt.Errorf("decoding templates: %w", err)
	}
	return templates, nil
}

// AnalysesModifiedSince fetches analyses modified after since. A zero
// since fetches everything.
func (r *Remote) AnalysesModifiedSince(ctx context.Context, since time.Time) ([]Analysis, error) {
	resp, err := r.exec.Execute(ctx, request.Request{
		Method:   http.MethodGet,
		Endpoint: "/v1/analyses",
		Params:   modifiedSinceParams(since),
		NoCache:  true,
	})
	if err != nil {
		return nil, classify(err)
	}

	var analyses []Analysis
	if err := json.Unmarshal(resp.Body, &analyses); err != nil {
		return nil, fmt.Errorf("decoding analyses: %w", err)
	}
	return analyses, nil
}

func modifiedSinceParams(since time.Time) map[string]string {
	if since.IsZero() {
		return nil
	}
	return map[string]string{"modified_since": since.UTC().Format(time.RFC3339)}
}

// classify folds transport-level failures into ErrRemoteUnavailable so
// callers can distinguish an unreachable remote from a rejected request
// or a missing record. Responses the remote actually produced, not-found
// included, pass through unchanged.
func classify(err error) error {
	if err == nil || isNotFound(err) {
		return err
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
		return err
	}
	return fmt.Errorf("%w: %v", tmplscout.ErrRemoteUnavailable, err)
}

// isNotFound reports whether a remote error means the record does not
// exist, as opposed to the remote being unreachable.
func isNotFound(err error) bool {
	if errors.Is(err, tmplscout.ErrNotFound) {
		return true
	}
	var statusErr *request.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusNotFound
	}
	return false
}
