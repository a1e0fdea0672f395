package cache

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ostafen/clover"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

const cloverIndexCollection = "edge_partitions"

type CloverConfig struct {
	Path              string `json:"path"`
	CompressThreshold int    `json:"compress_threshold"`
}

// CloverStore maps every partition to a collection of {key, seq, payload}
// documents. Partition names are tracked in a separate index collection.
type CloverStore struct {
	db     *clover.DB
	codec  *Codec
	logger types.Logger
	seq    atomic.Int64
	mu     sync.Mutex
}

func newCloverStoreCreator(_ context.Context, config interface{}, logger types.Logger) (types.PartitionStore, error) {
	cloverConfig := &CloverConfig{
		Path: "./data/partitions",
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	return NewCloverStore(cloverConfig, logger)
}

func NewCloverStore(config *CloverConfig, logger types.Logger) (*CloverStore, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	store := &CloverStore{
		db:     db,
		codec:  NewCodec(config.CompressThreshold),
		logger: logger,
	}

	if err := store.ensureCollection(cloverIndexCollection); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// nextSeq is monotonic within the process and time based across restarts.
// Microseconds keep the value exact once clover widens numbers to float64.
func (c *CloverStore) nextSeq() int64 {
	now := time.Now().UnixMicro()
	for {
		last := c.seq.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.seq.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *CloverStore) ensureCollection(name string) error {
	exists, err := c.db.HasCollection(name)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if exists {
		return nil
	}

	if err := c.db.CreateCollection(name); err != nil {
		return types.WrapError(err, "failed to create collection")
	}

	return nil
}

func (c *CloverStore) Create(_ context.Context, partition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.create(partition)
}

func (c *CloverStore) create(partition string) error {
	if err := c.ensureCollection(partition); err != nil {
		return err
	}

	count, err := c.db.Query(cloverIndexCollection).Where(clover.Field("name").Eq(partition)).Count()
	if err != nil {
		return types.WrapError(err, "failed to query partition index")
	}

	if count > 0 {
		return nil
	}

	doc := clover.NewDocument()
	doc.Set("name", partition)

	if err := c.db.Insert(cloverIndexCollection, doc); err != nil {
		return types.WrapError(err, "failed to index partition")
	}

	return nil
}

func (c *CloverStore) Partitions(_ context.Context) ([]string, error) {
	docs, err := c.db.Query(cloverIndexCollection).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list partitions")
	}

	names := make([]string, 0, len(docs))
	for _, doc := range docs {
		if name, ok := doc.Get("name").(string); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

func (c *CloverStore) Drop(_ context.Context, partition string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.db.HasCollection(partition)
	if err != nil {
		return false, types.WrapError(err, "failed to check collection existence")
	}

	if exists {
		if err := c.db.DropCollection(partition); err != nil {
			return false, types.WrapError(err, "failed to drop collection")
		}
	}

	if err := c.db.Query(cloverIndexCollection).Where(clover.Field("name").Eq(partition)).Delete(); err != nil {
		return false, types.WrapError(err, "failed to unindex partition")
	}

	return exists, nil
}

func (c *CloverStore) Get(_ context.Context, partition, key string) (*types.Snapshot, bool, error) {
	exists, err := c.db.HasCollection(partition)
	if err != nil || !exists {
		return nil, false, err
	}

	doc, err := c.db.Query(partition).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return nil, false, types.WrapError(err, "failed to read entry")
	}

	if doc == nil {
		return nil, false, nil
	}

	encoded, _ := doc.Get("payload").(string)
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, types.Errorf(types.ErrSnapshotCorrupted, "%v", err)
	}

	snapshot, err := c.codec.Decode(data)
	if err != nil {
		return nil, false, err
	}

	return snapshot, true, nil
}

func (c *CloverStore) Put(_ context.Context, partition, key string, snapshot *types.Snapshot) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := c.codec.Encode(snapshot)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.create(partition); err != nil {
		return err
	}

	if err := c.db.Query(partition).Where(clover.Field("key").Eq(key)).Delete(); err != nil {
		return types.WrapError(err, "failed to replace entry")
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("seq", c.nextSeq())
	doc.Set("payload", base64.StdEncoding.EncodeToString(data))

	if err := c.db.Insert(partition, doc); err != nil {
		return types.WrapError(err, "failed to write entry")
	}

	return nil
}

func (c *CloverStore) Delete(_ context.Context, partition, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exists, err := c.db.HasCollection(partition)
	if err != nil || !exists {
		return false, err
	}

	query := c.db.Query(partition).Where(clover.Field("key").Eq(key))

	count, err := query.Count()
	if err != nil {
		return false, types.WrapError(err, "failed to count entries")
	}

	if count == 0 {
		return false, nil
	}

	if err := query.Delete(); err != nil {
		return false, types.WrapError(err, "failed to delete entry")
	}

	return true, nil
}

func (c *CloverStore) Keys(_ context.Context, partition string) ([]string, error) {
	exists, err := c.db.HasCollection(partition)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		return []string{}, nil
	}

	docs, err := c.db.Query(partition).Sort(clover.SortOption{Field: "seq", Direction: 1}).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to list keys")
	}

	keys := make([]string, 0, len(docs))
	for _, doc := range docs {
		if key, ok := doc.Get("key").(string); ok {
			keys = append(keys, key)
		}
	}

	return keys, nil
}

func (c *CloverStore) Close() error {
	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}
	return nil
}
