package types

import (
	"context"
)

// PartitionStore is the backend behind the named cache partitions. Keys
// returns entries oldest first; re-putting a key moves it to the end.
type PartitionStore interface {
	Create(ctx context.Context, partition string) error
	Partitions(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, partition string) (bool, error)
	Get(ctx context.Context, partition, key string) (*Snapshot, bool, error)
	Put(ctx context.Context, partition, key string, snapshot *Snapshot) error
	Delete(ctx context.Context, partition, key string) (bool, error)
	Keys(ctx context.Context, partition string) ([]string, error)
	Close() error
}

type PartitionStoreCreator func(ctx context.Context, config interface{}, logger Logger) (PartitionStore, error)

// Partition is one opened, versioned cache.
type Partition interface {
	Name() string
	Kind() PartitionKind
	Match(ctx context.Context, key string) (*Snapshot, bool, error)
	Put(ctx context.Context, key string, snapshot *Snapshot) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

type PartitionManager interface {
	LifecycleManager
	Version() string
	Names() map[PartitionKind]string
	Open(ctx context.Context, kind PartitionKind) (Partition, error)
	Partition(kind PartitionKind) Partition
	Existing(ctx context.Context) ([]string, error)
	DeleteStale(ctx context.Context) ([]string, error)
	Drop(ctx context.Context, name string) (bool, error)
	Prune(ctx context.Context, partition Partition, maxEntries int) (int, error)
}
