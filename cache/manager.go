package cache

import (
	"context"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

var customStorageCreators = make(map[string]types.StorageCreator)

func RegisterStorage(storageName string, creator types.StorageCreator) {
	customStorageCreators[storageName] = creator
}

func NewStorage(ctx context.Context, config *types.StorageConfig, logger types.Logger, metrics types.MetricsManager) (types.Storage, error) {
	storageName := "memory"
	var storageConfig interface{}
	if config != nil {
		storageName = config.Type
		storageConfig = config.Config
	}

	var impl types.Storage
	var err error

	switch storageName {
	case "memory", "":
		impl = NewMemoryStorage(logger)
	case "redis":
		impl, err = NewRedisStorage(ctx, logger, storageConfig)
	case "sqlite":
		impl, err = NewSQLiteStorage(ctx, logger, storageConfig)
	case "badger":
		impl, err = NewBadgerStorage(ctx, logger, storageConfig)
	default:
		if creator, exists := customStorageCreators[storageName]; exists {
			impl, err = creator(ctx, storageConfig)
		} else {
			return nil, types.Errorf(types.ErrStorageTypeUnknown, "type: %s", storageName)
		}
	}

	if err != nil {
		return nil, err
	}

	if metrics == nil {
		return impl, nil
	}

	return newInstrumentedStorage(metrics, storageName, impl), nil
}

type instrumentedStorage struct {
	impl    types.Storage
	metrics types.MetricsManager
	backend string
}

func newInstrumentedStorage(metrics types.MetricsManager, backend string, impl types.Storage) types.Storage {
	return &instrumentedStorage{
		impl:    impl,
		metrics: metrics,
		backend: backend,
	}
}

func (is *instrumentedStorage) Read(ctx context.Context, bucket, id string) ([]byte, error) {
	start := time.Now()
	data, err := is.impl.Read(ctx, bucket, id)

	result := "success"
	if types.IsError(err, types.ErrStorageNotFound) {
		result = "not_found"
	} else if err != nil {
		result = "error"
	}

	is.recordMetric("read", result, time.Since(start))
	return data, err
}

func (is *instrumentedStorage) Write(ctx context.Context, bucket, id string, data []byte) error {
	start := time.Now()
	err := is.impl.Write(ctx, bucket, id, data)
	is.recordMetric("write", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Delete(ctx context.Context, bucket, id string) error {
	start := time.Now()
	err := is.impl.Delete(ctx, bucket, id)
	is.recordMetric("delete", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) DropBucket(ctx context.Context, bucket string) error {
	start := time.Now()
	err := is.impl.DropBucket(ctx, bucket)
	is.recordMetric("drop", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	start := time.Now()
	err := is.impl.Scan(ctx, bucket, fn)
	is.recordMetric("scan", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) ListBuckets(ctx context.Context) ([]string, error) {
	return is.impl.ListBuckets(ctx)
}

func (is *instrumentedStorage) Ping(ctx context.Context) error {
	return is.impl.Ping(ctx)
}

func (is *instrumentedStorage) Start() error {
	start := time.Now()
	err := is.impl.Start()
	is.recordMetric("start", resultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStorage) IsRunning() bool {
	return is.impl.IsRunning()
}

func (is *instrumentedStorage) recordMetric(operation, result string, duration time.Duration) {
	opCounter := is.metrics.Counter("storage_operations_total", map[string]string{
		"backend":   is.backend,
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := is.metrics.Histogram("storage_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"backend": is.backend, "operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}

func resultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
