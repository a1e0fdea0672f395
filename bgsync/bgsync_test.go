package bgsync

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-edge/logger"
	"github.com/saiset-co/sai-edge/metrics"
	"github.com/saiset-co/sai-edge/types"
)

type recordingFetcher struct {
	mu       sync.Mutex
	requests []*types.Request
	status   func(req *types.Request) (int, error)
}

func (f *recordingFetcher) Fetch(_ context.Context, req *types.Request) (*types.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)

	status, err := f.status(req)
	if err != nil {
		return nil, err
	}
	return &types.Snapshot{Status: status, Header: http.Header{}}, nil
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestQueueAssignsIdentity(t *testing.T) {
	q := NewMemoryQueue(0)

	item := &types.QueuedRequest{Method: "POST", URL: "https://indicai.com.br/api/propostas/"}
	require.NoError(t, q.Enqueue(context.Background(), item))

	assert.NotEmpty(t, item.ID)
	assert.False(t, item.EnqueuedAt.IsZero())
	assert.Equal(t, 1, q.Len())
}

func TestQueueRejectsInvalidItems(t *testing.T) {
	q := NewMemoryQueue(0)

	assert.ErrorIs(t, q.Enqueue(context.Background(), nil), types.ErrInvalidParameter)
	assert.ErrorIs(t, q.Enqueue(context.Background(), &types.QueuedRequest{Method: "TRACE", URL: "https://indicai.com.br/"}), types.ErrInvalidParameter)
	assert.ErrorIs(t, q.Enqueue(context.Background(), &types.QueuedRequest{Method: "POST", URL: "not a url"}), types.ErrInvalidParameter)
	assert.Zero(t, q.Len())
}

func TestQueueCapacity(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)

	for i := 0; i < 2; i++ {
		require.NoError(t, q.Enqueue(ctx, &types.QueuedRequest{Method: "POST", URL: "https://indicai.com.br/api/x/"}))
	}

	err := q.Enqueue(ctx, &types.QueuedRequest{Method: "POST", URL: "https://indicai.com.br/api/x/"})
	assert.ErrorIs(t, err, types.ErrSyncQueueFull)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Zero(t, q.Len())
}

func TestFlushReplaysThroughUpstream(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	fetcher := &recordingFetcher{status: func(*types.Request) (int, error) { return http.StatusCreated, nil }}

	flusher := NewFlusher(q, fetcher, mustURL(t, "https://indicai.com.br"), mustURL(t, "http://django:8000"), logger.NewNop(), metrics.NewNop())

	require.NoError(t, q.Enqueue(ctx, &types.QueuedRequest{
		Method: "POST",
		URL:    "https://indicai.com.br/api/propostas/",
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   []byte(`{"valor":100}`),
	}))

	delivered, err := flusher.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Zero(t, q.Len())

	require.Len(t, fetcher.requests, 1)
	sent := fetcher.requests[0]
	assert.Equal(t, "POST", sent.Method)
	assert.True(t, sent.SameOrigin)
	assert.Equal(t, "http://django:8000/api/propostas/", sent.Target().String())
	assert.Equal(t, "application/json", sent.Header.Get("Content-Type"))
	assert.Equal(t, `{"valor":100}`, string(sent.Body))
}

func TestFlushRequeuesFailures(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(0)
	fetcher := &recordingFetcher{status: func(req *types.Request) (int, error) {
		switch req.URL.Path {
		case "/api/down/":
			return 0, types.ErrNetworkFailure
		case "/api/broken/":
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	}}

	flusher := NewFlusher(q, fetcher, mustURL(t, "https://indicai.com.br"), nil, logger.NewNop(), metrics.NewNop())

	for _, path := range []string{"/api/ok/", "/api/down/", "/api/broken/"} {
		require.NoError(t, q.Enqueue(ctx, &types.QueuedRequest{Method: "POST", URL: "https://indicai.com.br" + path}))
	}

	delivered, err := flusher.Flush(ctx)
	assert.ErrorIs(t, err, types.ErrSyncReplayFailed)
	assert.Equal(t, 1, delivered)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "https://indicai.com.br/api/down/", items[0].URL)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "https://indicai.com.br/api/broken/", items[1].URL)
}

func TestFlushEmptyQueue(t *testing.T) {
	flusher := NewFlusher(NewMemoryQueue(0), &recordingFetcher{}, nil, nil, logger.NewNop(), metrics.NewNop())

	delivered, err := flusher.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, delivered)
}
