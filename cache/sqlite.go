package cache

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type SQLiteConfig struct {
	Path         string         `json:"path"`
	MaxOpenConns int            `json:"max_open_conns"`
	BusyTimeout  types.Duration `json:"busy_timeout"`
}

// SQLiteStorage keeps all buckets in a single table keyed by (bucket, id).
type SQLiteStorage struct {
	logger types.Logger
	config *SQLiteConfig
	db     *sql.DB
	state  atomic.Value
}

func NewSQLiteStorage(ctx context.Context, logger types.Logger, config interface{}) (*SQLiteStorage, error) {
	var sqliteConfig = &SQLiteConfig{
		Path:         "./sai-offline.db",
		MaxOpenConns: 1,
		BusyTimeout:  types.Duration(5 * time.Second),
	}

	if config != nil {
		err := utils.UnmarshalConfig(config, sqliteConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite storage config")
		}
	}

	dsn := sqliteConfig.Path + "?_busy_timeout=" + durationMs(sqliteConfig.BusyTimeout.Std()) + "&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(err, "failed to open SQLite database")
	}
	db.SetMaxOpenConns(sqliteConfig.MaxOpenConns)

	storage := &SQLiteStorage{
		logger: logger,
		config: sqliteConfig,
		db:     db,
	}

	storage.state.Store(StorageStateStopped)

	if err := storage.initDatabase(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("Failed to close database during cleanup", zap.Error(closeErr))
		}
		return nil, types.WrapError(err, "failed to initialize database")
	}

	return storage, nil
}

func (s *SQLiteStorage) initDatabase(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS cache_records (
		bucket TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (bucket, id)
	);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return types.WrapError(err, "failed to create cache_records table")
	}

	return nil
}

func (s *SQLiteStorage) Read(ctx context.Context, bucket, id string) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM cache_records WHERE bucket = ? AND id = ?`, bucket, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.Errorf(types.ErrStorageNotFound, "%s/%s", bucket, id)
		}
		return nil, types.WrapError(err, "failed to read cache record")
	}

	return data, nil
}

func (s *SQLiteStorage) Write(ctx context.Context, bucket, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_records (bucket, id, data) VALUES (?, ?, ?)
		ON CONFLICT(bucket, id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`,
		bucket, id, data)
	if err != nil {
		return types.WrapError(err, "failed to write cache record")
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, bucket, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_records WHERE bucket = ? AND id = ?`, bucket, id); err != nil {
		return types.WrapError(err, "failed to delete cache record")
	}
	return nil
}

func (s *SQLiteStorage) DropBucket(ctx context.Context, bucket string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_records WHERE bucket = ?`, bucket); err != nil {
		return types.WrapError(err, "failed to drop cache bucket")
	}
	return nil
}

func (s *SQLiteStorage) Scan(ctx context.Context, bucket string, fn func(id string, data []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM cache_records WHERE bucket = ? ORDER BY id`, bucket)
	if err != nil {
		return types.WrapError(err, "failed to scan cache bucket")
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close rows", zap.Error(err))
		}
	}(rows)

	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return types.WrapError(err, "failed to scan cache record")
		}
		if err := fn(id, data); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (s *SQLiteStorage) ListBuckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT bucket FROM cache_records ORDER BY bucket`)
	if err != nil {
		return nil, types.WrapError(err, "failed to list cache buckets")
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			s.logger.Error("Failed to close rows", zap.Error(err))
		}
	}(rows)

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, types.WrapError(err, "failed to scan bucket name")
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Start() error {
	if !s.transitionState(StorageStateStopped, StorageStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.setState(StorageStateRunning)
	s.logger.Info("SQLite storage started", zap.String("path", s.config.Path))

	return nil
}

func (s *SQLiteStorage) Stop() error {
	if !s.transitionState(StorageStateRunning, StorageStateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StorageStateStopped)

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
		return types.WrapError(err, "failed to close sqlite database")
	}

	s.logger.Info("SQLite storage stopped gracefully")
	return nil
}

func (s *SQLiteStorage) IsRunning() bool {
	return s.getState() == StorageStateRunning
}

func (s *SQLiteStorage) getState() StorageState {
	return s.state.Load().(StorageState)
}

func (s *SQLiteStorage) setState(newState StorageState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *SQLiteStorage) transitionState(from, to StorageState) bool {
	return s.state.CompareAndSwap(from, to)
}

func durationMs(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
