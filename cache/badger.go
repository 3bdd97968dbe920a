package cache

import (
	"context"
	"strings"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const badgerKeyPrefix = "b:"

type BadgerConfig struct {
	Path       string `json:"path"`
	InMemory   bool   `json:"in_memory"`
	SyncWrites bool   `json:"sync_writes"`
}

// BadgerStorage keeps every record under "b:<bucket>\x00<id>", so a bucket is
// a key prefix and dropping it is a prefix drop.
type BadgerStorage struct {
	logger types.Logger
	config *BadgerConfig
	db     *badgerdb.DB
	state  atomic.Value
}

func NewBadgerStorage(ctx context.Context, logger types.Logger, config interface{}) (*BadgerStorage, error) {
	var badgerConfig = &BadgerConfig{
		Path: "./sai-offline.badger",
	}

	if config != nil {
		err := utils.UnmarshalConfig(config, badgerConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal badger storage config")
		}
	}

	opts := badgerdb.DefaultOptions(badgerConfig.Path).
		WithSyncWrites(badgerConfig.SyncWrites).
		WithLogger(nil)
	if badgerConfig.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageConnectError, "badger %s: %v", badgerConfig.Path, err)
	}

	storage := &BadgerStorage{
		logger: logger,
		config: badgerConfig,
		db:     db,
	}

	storage.state.Store(StorageStateStopped)

	return storage, nil
}

func badgerBucketPrefix(bucket string) []byte {
	return []byte(badgerKeyPrefix + bucket + "\x00")
}

func badgerKey(bucket, id string) []byte {
	return append(badgerBucketPrefix(bucket), id...)
}

func (s *BadgerStorage) Read(ctx context.Context, bucket, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte

	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(badgerKey(bucket, id))
		if err != nil {
			return err
		}

		data, err = item.ValueCopy(nil)
		return err
	})

	if err == badgerdb.ErrKeyNotFound {
		return nil, types.Errorf(types.ErrStorageNotFound, "%s/%s", bucket, id)
	}
	if err != nil {
		return nil, types.WrapError(err, "failed to read cache record")
	}

	return data, nil
}

func (s *BadgerStorage) Write(ctx context.Context, bucket, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(badgerKey(bucket, id), data)
	})
	if err != nil {
		return types.WrapError(err, "failed to write cache record")
	}
	return nil
}

func (s *BadgerStorage) Delete(ctx context.Context, bucket, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(badgerKey(bucket, id))
	})
	if err != nil {
		return types.WrapError(err, "failed to delete cache record")
	}
	return nil
}

func (s *BadgerStorage) DropBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.db.DropPrefix(badgerBucketPrefix(bucket)); err != nil {
		return types.WrapError(err, "failed to drop cache bucket")
	}
	return nil
}

func (s *BadgerStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	prefix := badgerBucketPrefix(bucket)

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := fn(string(item.Key()[len(prefix):]), data); err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		return types.WrapError(err, "failed to scan cache bucket")
	}
	return nil
}

func (s *BadgerStorage) ListBuckets(ctx context.Context) ([]string, error) {
	prefix := []byte(badgerKeyPrefix)
	var names []string

	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			rest := string(it.Item().Key()[len(prefix):])
			name, _, ok := strings.Cut(rest, "\x00")
			if !ok {
				continue
			}
			if len(names) == 0 || names[len(names)-1] != name {
				names = append(names, name)
			}
		}
		return nil
	})

	if err != nil {
		return nil, types.WrapError(err, "failed to list cache buckets")
	}

	return names, nil
}

func (s *BadgerStorage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.db.IsClosed() {
		return types.Errorf(types.ErrStorageConnectError, "badger database is closed")
	}

	return s.db.View(func(txn *badgerdb.Txn) error {
		return nil
	})
}

func (s *BadgerStorage) Start() error {
	if !s.transitionState(StorageStateStopped, StorageStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.setState(StorageStateRunning)
	s.logger.Info("Badger storage started",
		zap.String("path", s.config.Path),
		zap.Bool("in_memory", s.config.InMemory))

	return nil
}

func (s *BadgerStorage) Stop() error {
	if !s.transitionState(StorageStateRunning, StorageStateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StorageStateStopped)

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close badger database", zap.Error(err))
		return types.WrapError(err, "failed to close badger database")
	}

	s.logger.Info("Badger storage stopped gracefully")
	return nil
}

func (s *BadgerStorage) IsRunning() bool {
	return s.getState() == StorageStateRunning
}

func (s *BadgerStorage) getState() StorageState {
	return s.state.Load().(StorageState)
}

func (s *BadgerStorage) setState(newState StorageState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *BadgerStorage) transitionState(from, to StorageState) bool {
	return s.state.CompareAndSwap(from, to)
}
