package types

import (
	"context"
)

type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Snapshot, error)
}

type FetcherManager interface {
	LifecycleManager
	Fetcher
	BreakerStates() map[string]string
}
