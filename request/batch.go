package request

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tmplscout "github.com/tmplscout/tmplscout"
	"github.com/tmplscout/tmplscout/telemetry"
)

type batchResult struct {
	resp *Response
	err  error
}

// pendingBatch accumulates compatible reads until the window elapses or the
// size threshold is reached.
type pendingBatch struct {
	template Request
	ids      []string
	waiters  map[string][]chan batchResult
	timer    *time.Timer
}

// batcher collects batchable reads by BatchKey and dispatches them as one
// merged call, fanning the per-ID payloads back out to the waiters.
type batcher struct {
	window   time.Duration
	maxSize  int
	dispatch func(ctx context.Context, req Request, tr *trackedRequest) (*Response, error)
	logger   *slog.Logger
	stats    *stats

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

func newBatcher(window time.Duration, maxSize int, dispatch func(context.Context, Request, *trackedRequest) (*Response, error), logger *slog.Logger, stats *stats) *batcher {
	return &batcher{
		window:   window,
		maxSize:  maxSize,
		dispatch: dispatch,
		logger:   logger,
		stats:    stats,
		pending:  make(map[string]*pendingBatch),
	}
}

// join adds the request to the batch for its BatchKey and blocks until the
// batch resolves or ctx is done.
func (b *batcher) join(ctx context.Context, req Request) (*Response, error) {
	ch := make(chan batchResult, 1)

	b.mu.Lock()
	pb, ok := b.pending[req.BatchKey]
	if !ok {
		key := req.BatchKey
		pb = &pendingBatch{
			template: req,
			waiters:  make(map[string][]chan batchResult),
		}
		pb.timer = time.AfterFunc(b.window, func() {
			b.flush(key)
		})
		b.pending[key] = pb
	}

	if _, seen := pb.waiters[req.ID]; !seen {
		pb.ids = append(pb.ids, req.ID)
	}
	pb.waiters[req.ID] = append(pb.waiters[req.ID], ch)

	full := len(pb.ids) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flush(req.BatchKey)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

// flush removes the batch for key and dispatches it as one merged call.
// Safe to call twice for the same key: the second call finds nothing.
func (b *batcher) flush(key string) {
	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	b.mu.Unlock()

	pb.timer.Stop()

	merged := pb.template
	merged.BatchKey = ""
	merged.ID = ""
	params := make(map[string]string, len(pb.template.Params)+1)
	for k, v := range pb.template.Params {
		params[k] = v
	}
	params["ids"] = strings.Join(pb.ids, ",")
	merged.Params = params

	tr := newTrackedRequest(tmplscout.Fingerprint(merged.Method, merged.Endpoint, merged.Params, merged.Body))
	b.logger.Debug("dispatching batch", "request_id", tr.id, "batch_key", key, "calls", len(pb.ids))

	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	resp, err := b.dispatch(ctx, merged, tr)

	b.stats.batchDispatches.Add(1)
	b.stats.batchedCalls.Add(uint64(len(pb.ids))) //nolint:gosec // count is non-negative
	telemetry.RecordBatchDispatch(ctx, len(pb.ids))

	if err != nil {
		b.fanOutError(pb, err)
		return
	}

	var payload batchPayload
	if perr := json.Unmarshal(resp.Body, &payload); perr != nil {
		b.fanOutError(pb, fmt.Errorf("parsing batch response: %w", perr))
		return
	}

	for _, id := range pb.ids {
		res := batchResult{}
		if raw, found := payload[id]; found {
			res.resp = &Response{StatusCode: resp.StatusCode, Body: raw}
		} else {
			res.err = fmt.Errorf("batch entry %q: %w", id, tmplscout.ErrNotFound)
		}
		for _, ch := range pb.waiters[id] {
			ch <- res
		}
	}
}

func (b *batcher) fanOutError(pb *pendingBatch, err error) {
	for _, chans := range pb.waiters {
		for _, ch := range chans {
			ch <- batchResult{err: err}
		}
	}
}
