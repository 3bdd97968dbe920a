package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RedisConfig struct {
	Host               string         `json:"host"`
	Port               int            `json:"port"`
	Password           string         `json:"password"`
	DB                 int            `json:"db"`
	PoolSize           int            `json:"pool_size"`
	MinIdleConnections int            `json:"min_idle_connections"`
	DialTimeout        types.Duration `json:"dial_timeout"`
	ReadTimeout        types.Duration `json:"read_timeout"`
	WriteTimeout       types.Duration `json:"write_timeout"`
	KeyPrefix          string         `json:"key_prefix"`
	ScanCount          int64          `json:"scan_count"`
}

// RedisStorage keeps each bucket in one hash. A set under the key prefix
// tracks which buckets exist.
type RedisStorage struct {
	ctx    context.Context
	logger types.Logger
	config *RedisConfig
	client redis.UniversalClient
	state  atomic.Value
}

func NewRedisStorage(ctx context.Context, logger types.Logger, config interface{}) (*RedisStorage, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        types.Duration(5 * time.Second),
		ReadTimeout:        types.Duration(3 * time.Second),
		WriteTimeout:       types.Duration(3 * time.Second),
		KeyPrefix:          "sai-offline",
		ScanCount:          256,
	}

	if config != nil {
		err := utils.UnmarshalConfig(config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis storage config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout.Std(),
		ReadTimeout:  redisConfig.ReadTimeout.Std(),
		WriteTimeout: redisConfig.WriteTimeout.Std(),
	})

	storage := newRedisStorage(ctx, logger, redisConfig, client)

	if err := storage.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrStorageConnectError, "redis %s:%d: %v", redisConfig.Host, redisConfig.Port, err)
	}

	return storage, nil
}

func newRedisStorage(ctx context.Context, logger types.Logger, config *RedisConfig, client redis.UniversalClient) *RedisStorage {
	storage := &RedisStorage{
		ctx:    ctx,
		logger: logger,
		config: config,
		client: client,
	}

	storage.state.Store(StorageStateStopped)

	return storage
}

func (r *RedisStorage) Read(ctx context.Context, bucket, id string) ([]byte, error) {
	data, err := r.client.HGet(ctx, r.bucketKey(bucket), id).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, types.Errorf(types.ErrStorageNotFound, "%s/%s", bucket, id)
		}
		return nil, types.WrapError(err, "failed to read redis hash field")
	}
	return data, nil
}

func (r *RedisStorage) Write(ctx context.Context, bucket, id string, data []byte) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.bucketKey(bucket), id, data)
		pipe.SAdd(ctx, r.indexKey(), bucket)
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to write redis hash field")
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, bucket, id string) error {
	if err := r.client.HDel(ctx, r.bucketKey(bucket), id).Err(); err != nil {
		return types.WrapError(err, "failed to delete redis hash field")
	}
	return nil
}

func (r *RedisStorage) DropBucket(ctx context.Context, bucket string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.bucketKey(bucket))
		pipe.SRem(ctx, r.indexKey(), bucket)
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to drop redis bucket")
	}
	return nil
}

func (r *RedisStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	key := r.bucketKey(bucket)
	var cursor uint64

	for {
		fields, next, err := r.client.HScan(ctx, key, cursor, "*", r.config.ScanCount).Result()
		if err != nil {
			return types.WrapError(err, "failed to scan redis bucket")
		}

		for i := 0; i+1 < len(fields); i += 2 {
			if err := fn(fields[i], []byte(fields[i+1])); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *RedisStorage) ListBuckets(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list redis buckets")
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Start() error {
	if !r.transitionState(StorageStateStopped, StorageStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	r.setState(StorageStateRunning)
	r.logger.Info("Redis storage started", zap.String("prefix", r.config.KeyPrefix))

	return nil
}

func (r *RedisStorage) Stop() error {
	if !r.transitionState(StorageStateRunning, StorageStateStopping) {
		return types.ErrServerNotRunning
	}

	defer r.setState(StorageStateStopped)

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis storage closed successfully")
	return nil
}

func (r *RedisStorage) IsRunning() bool {
	return r.getState() == StorageStateRunning
}

func (r *RedisStorage) getState() StorageState {
	return r.state.Load().(StorageState)
}

func (r *RedisStorage) setState(newState StorageState) bool {
	currentState := r.getState()
	return r.state.CompareAndSwap(currentState, newState)
}

func (r *RedisStorage) transitionState(from, to StorageState) bool {
	return r.state.CompareAndSwap(from, to)
}

func (r *RedisStorage) bucketKey(bucket string) string {
	return r.buildFullKey("bucket:" + bucket)
}

func (r *RedisStorage) indexKey() string {
	return r.buildFullKey("buckets")
}

func (r *RedisStorage) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return strings.Join([]string{r.config.KeyPrefix, key}, ":")
	}
	return key
}
