package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrMiddlewareNotFound    = errors.New("middleware not found")
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
)

// Engine failure taxonomy. Network and timeout errors never reach the caller
// of a strategy; they select the next fallback step.
var (
	ErrNetwork              = errors.New("network error")
	ErrTimeoutExceeded      = errors.New("network timeout exceeded")
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
	ErrEntryCorrupt         = errors.New("cache entry corrupt")
	ErrFallbackUnavailable  = errors.New("fallback unavailable")
)

var (
	ErrEntryNotFound       = errors.New("cache entry not found")
	ErrBucketNotFound      = errors.New("cache bucket not found")
	ErrBucketExists        = errors.New("cache bucket exists")
	ErrCacheKeyEmpty       = errors.New("cache key empty")
	ErrStorageNotFound     = errors.New("storage record not found")
	ErrStorageTypeUnknown  = errors.New("storage type unknown")
	ErrStorageWriteFailed  = errors.New("storage write failed")
	ErrStorageConnectError = errors.New("storage connection failed")
)

var (
	ErrRuleInvalid          = errors.New("strategy rule invalid")
	ErrStrategyUnknown      = errors.New("strategy kind unknown")
	ErrGenerationNotFound   = errors.New("generation not found")
	ErrNoWaitingGeneration  = errors.New("no waiting generation")
	ErrInstallFailed        = errors.New("generation install failed")
	ErrGenerationRetired    = errors.New("generation retired")
	ErrGenerationInProgress = errors.New("generation install in progress")
)

var (
	ErrCommandUnknown       = errors.New("control command unknown")
	ErrCommandPayload       = errors.New("control command payload invalid")
	ErrChannelClosed        = errors.New("control channel closed")
	ErrPreloadFailed        = errors.New("preload failed")
	ErrTransportFailed      = errors.New("control transport failed")
	ErrSyncTaskNotFound     = errors.New("sync task not found")
	ErrSyncStoreTypeUnknown = errors.New("sync store type unknown")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrClientRequestFailed   = errors.New("client request failed")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrAuthProviderUnknown = errors.New("auth provider unknown")
	ErrAuthFailed          = errors.New("authentication failed")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
