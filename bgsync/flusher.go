package bgsync

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
)

// Flusher replays queued requests through the fetcher. Requests that fail
// again go back to the queue with their attempt counter raised.
type Flusher struct {
	queue    types.SyncQueue
	fetcher  types.Fetcher
	public   *url.URL
	upstream *url.URL
	logger   types.Logger
	metrics  types.MetricsManager
}

func NewFlusher(queue types.SyncQueue, fetcher types.Fetcher, public, upstream *url.URL, logger types.Logger, metrics types.MetricsManager) *Flusher {
	return &Flusher{
		queue:    queue,
		fetcher:  fetcher,
		public:   public,
		upstream: upstream,
		logger:   logger,
		metrics:  metrics,
	}
}

// Flush replays everything currently queued and reports how many requests
// were delivered.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	items, err := f.queue.Drain(ctx)
	if err != nil {
		return 0, types.WrapError(err, "failed to drain sync queue")
	}

	if len(items) == 0 {
		return 0, nil
	}

	delivered := 0
	failed := 0

	for _, item := range items {
		if err := f.replay(ctx, item); err != nil {
			failed++
			item.Attempts++

			f.logger.Warn("Queued request replay failed",
				zap.String("id", item.ID),
				zap.String("method", item.Method),
				zap.String("url", item.URL),
				zap.Int("attempts", item.Attempts),
				zap.Error(err))

			if err := f.queue.Enqueue(ctx, item); err != nil {
				f.logger.Error("Dropping queued request",
					zap.String("id", item.ID),
					zap.Error(err))
				f.count("dropped")
				continue
			}

			f.count("requeued")
			continue
		}

		delivered++
		f.count("delivered")
	}

	f.logger.Info("Background sync flushed",
		zap.Int("delivered", delivered),
		zap.Int("failed", failed))

	if failed > 0 {
		return delivered, types.Errorf(types.ErrSyncReplayFailed, "%d of %d requests failed", failed, len(items))
	}

	return delivered, nil
}

func (f *Flusher) replay(ctx context.Context, item *types.QueuedRequest) error {
	req, err := types.NewRequest(item.Method, item.URL)
	if err != nil {
		return err
	}

	req.Header = http.Header(item.Header).Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Body = item.Body
	req.Rebase(f.public, f.upstream)

	snapshot, err := f.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}

	if snapshot.Status >= http.StatusInternalServerError {
		return types.Errorf(types.ErrNetworkFailure, "origin answered %d", snapshot.Status)
	}

	return nil
}

func (f *Flusher) count(result string) {
	f.metrics.Counter("sync_replays_total", map[string]string{"result": result}).Inc()
}
