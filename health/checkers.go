package health

import (
	"context"
	"net/http"

	"github.com/saiset-co/sai-edge/types"
)

type WorkerStatus interface {
	State() types.WorkerState
	Controlling() bool
}

type BreakerReporter interface {
	BreakerStates() map[string]string
}

// StoreChecker reports whether the partition store answers.
func StoreChecker(partitions types.PartitionManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		names, err := partitions.Existing(ctx)
		if err != nil {
			return types.HealthCheck{
				Status:  types.StatusUnhealthy,
				Message: err.Error(),
			}
		}

		return types.HealthCheck{
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{"partitions": names},
		}
	}
}

// OriginChecker probes the upstream with a HEAD request. Any answer below
// 500 counts as reachable.
func OriginChecker(fetcher types.Fetcher, originURL string, breakers BreakerReporter) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		details := map[string]interface{}{"origin": originURL}
		if breakers != nil {
			details["breakers"] = breakers.BreakerStates()
		}

		req, err := types.NewRequest(http.MethodHead, originURL)
		if err != nil {
			return types.HealthCheck{Status: types.StatusUnknown, Message: err.Error(), Details: details}
		}

		snapshot, err := fetcher.Fetch(ctx, req)
		if err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error(), Details: details}
		}

		details["status"] = snapshot.Status

		if snapshot.Status >= http.StatusInternalServerError {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: http.StatusText(snapshot.Status), Details: details}
		}

		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}

// LifecycleChecker is healthy once the edge controls traffic and unhealthy
// when installation failed.
func LifecycleChecker(worker WorkerStatus) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		state := worker.State()
		details := map[string]interface{}{
			"state":       state,
			"controlling": worker.Controlling(),
		}

		switch {
		case state == types.WorkerRedundant:
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "installation failed", Details: details}
		case worker.Controlling():
			return types.HealthCheck{Status: types.StatusHealthy, Details: details}
		default:
			return types.HealthCheck{Status: types.StatusUnknown, Message: "not controlling yet", Details: details}
		}
	}
}
