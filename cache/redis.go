package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

type RedisConfig struct {
	Addr               string `json:"addr"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	MinIdleConnections int    `json:"min_idle_connections"`
	DialTimeoutMs      int    `json:"dial_timeout_ms"`
	ReadTimeoutMs      int    `json:"read_timeout_ms"`
	WriteTimeoutMs     int    `json:"write_timeout_ms"`
	KeyPrefix          string `json:"key_prefix"`
	CompressThreshold  int    `json:"compress_threshold"`
}

// RedisStore keeps each partition as a hash of encoded snapshots plus a
// sorted set whose scores come from a global INCR sequence. The set of
// known partition names lives under <prefix>:partitions.
type RedisStore struct {
	logger types.Logger
	config *RedisConfig
	client redis.UniversalClient
	codec  *Codec
}

func newRedisStoreCreator(ctx context.Context, config interface{}, logger types.Logger) (types.PartitionStore, error) {
	redisConfig := &RedisConfig{
		Addr:               "localhost:6379",
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeoutMs:      5000,
		ReadTimeoutMs:      3000,
		WriteTimeoutMs:     3000,
		KeyPrefix:          "sai-edge",
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis store config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisConfig.Addr,
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  time.Duration(redisConfig.DialTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(redisConfig.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(redisConfig.WriteTimeoutMs) * time.Millisecond,
	})

	store := NewRedisStore(client, redisConfig, logger)

	if err := store.ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.WrapError(types.ErrCacheConnectionFailed, err.Error())
	}

	return store, nil
}

func NewRedisStore(client redis.UniversalClient, config *RedisConfig, logger types.Logger) *RedisStore {
	return &RedisStore{
		logger: logger,
		config: config,
		client: client,
		codec:  NewCodec(config.CompressThreshold),
	}
}

func (r *RedisStore) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) key(parts ...string) string {
	k := r.config.KeyPrefix
	for _, p := range parts {
		if k == "" {
			k = p
			continue
		}
		k = fmt.Sprintf("%s:%s", k, p)
	}
	return k
}

func (r *RedisStore) entriesKey(partition string) string {
	return r.key("p", partition, "entries")
}

func (r *RedisStore) orderKey(partition string) string {
	return r.key("p", partition, "order")
}

func (r *RedisStore) Create(ctx context.Context, partition string) error {
	if err := r.client.SAdd(ctx, r.key("partitions"), partition).Err(); err != nil {
		return types.WrapError(err, "failed to register partition")
	}
	return nil
}

func (r *RedisStore) Partitions(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.key("partitions")).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list partitions")
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) Drop(ctx context.Context, partition string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.key("partitions"), partition)
		pipe.Del(ctx, r.entriesKey(partition), r.orderKey(partition))
		return nil
	})
	if err != nil {
		return false, types.WrapError(err, "failed to drop partition")
	}

	return removed.Val() > 0, nil
}

func (r *RedisStore) Get(ctx context.Context, partition, key string) (*types.Snapshot, bool, error) {
	data, err := r.client.HGet(ctx, r.entriesKey(partition), key).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.WrapError(err, "failed to read entry")
	}

	snapshot, err := r.codec.Decode(data)
	if err != nil {
		r.logger.Warn("Dropping corrupted cache entry",
			zap.String("partition", partition),
			zap.String("key", key),
			zap.Error(err))
		_, _ = r.Delete(ctx, partition, key)
		return nil, false, err
	}

	return snapshot, true, nil
}

func (r *RedisStore) Put(ctx context.Context, partition, key string, snapshot *types.Snapshot) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := r.codec.Encode(snapshot)
	if err != nil {
		return err
	}

	seq, err := r.client.Incr(ctx, r.key("seq")).Result()
	if err != nil {
		return types.WrapError(err, "failed to allocate sequence")
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.key("partitions"), partition)
		pipe.HSet(ctx, r.entriesKey(partition), key, data)
		pipe.ZAdd(ctx, r.orderKey(partition), redis.Z{Score: float64(seq), Member: key})
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to write entry")
	}

	return nil
}

func (r *RedisStore) Delete(ctx context.Context, partition, key string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, r.entriesKey(partition), key)
		pipe.ZRem(ctx, r.orderKey(partition), key)
		return nil
	})
	if err != nil {
		return false, types.WrapError(err, "failed to delete entry")
	}

	return removed.Val() > 0, nil
}

func (r *RedisStore) Keys(ctx context.Context, partition string) ([]string, error) {
	keys, err := r.client.ZRange(ctx, r.orderKey(partition), 0, -1).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list keys")
	}
	return keys, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
