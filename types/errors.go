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
	ErrPathNotFound         = errors.New("path not found")
)

var (
	ErrMiddlewareNotFound    = errors.New("middleware not found")
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrMiddlewareExists      = errors.New("middleware already registered")
	ErrMiddlewareLimit       = errors.New("middleware limit reached")
	ErrAuthTokenInvalid      = errors.New("auth token invalid")
)

var (
	ErrCacheNotFound         = errors.New("cache not found")
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheOperationFailed  = errors.New("cache operation failed")
	ErrPartitionUnknown      = errors.New("partition unknown")
	ErrSnapshotCorrupted     = errors.New("snapshot corrupted")
)

var (
	ErrNetworkFailure  = errors.New("network failure")
	ErrNetworkTimeout  = errors.New("network timeout")
	ErrStrategyUnknown = errors.New("strategy unknown")
	ErrNoFallback      = errors.New("no fallback available")
)

var (
	ErrLifecycleInvalidState = errors.New("lifecycle invalid state")
	ErrInstallFailed         = errors.New("install failed")
	ErrActivateFailed        = errors.New("activate failed")
	ErrUnknownMessage        = errors.New("unknown message type")
	ErrMessageInvalid        = errors.New("message invalid")
	ErrCacheURLsFailed       = errors.New("cache urls failed")
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotifierPublish      = errors.New("notifier publish failed")
	ErrNotifierTypeUnknown  = errors.New("notifier type unknown")
	ErrNotifierNotRunning   = errors.New("notifier not running")
	ErrPushPayloadInvalid   = errors.New("push payload invalid")
)

var (
	ErrUnknownSyncTag   = errors.New("unknown sync tag")
	ErrSyncHookIsNil    = errors.New("sync hook is nil")
	ErrSyncQueueFull    = errors.New("sync queue full")
	ErrSyncReplayFailed = errors.New("sync replay failed")
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
)

var (
	ErrClientRequestFailed = errors.New("client request failed")
	ErrClientTimeout       = errors.New("client timeout")
	ErrCircuitBreakerOpen  = errors.New("circuit breaker open")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrTLSConfigInvalid = errors.New("tls config invalid")
)

var (
	ErrServiceIsRunning     = errors.New("service is running")
	ErrServiceIsNotRunning  = errors.New("service is not running")
	ErrComponentStartFailed = errors.New("component start failed")
	ErrComponentStopFailed  = errors.New("component stop failed")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotImplemented   = errors.New("not implemented")
	ErrInvalidState     = errors.New("invalid state")
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
