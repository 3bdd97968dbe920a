package health

import (
	"context"

	"github.com/saiset-co/sai-offline/client"
	"github.com/saiset-co/sai-offline/tls"
	"github.com/saiset-co/sai-offline/types"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type UpstreamStatus interface {
	Online() bool
	Breaker() *client.CircuitBreaker
}

type GenerationSource interface {
	CurrentInfo() *types.GenerationInfo
	WaitingInfo() *types.GenerationInfo
}

type Connection interface {
	Connected() bool
}

type CertificateSource interface {
	Status() map[string]tls.CertificateStatus
}

func StorageChecker(storage Pinger) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if err := storage.Ping(ctx); err != nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: err.Error()}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// UpstreamChecker reports an unreachable origin as unknown. The node keeps
// serving from cache while offline.
func UpstreamChecker(upstream UpstreamStatus) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		breaker := upstream.Breaker()
		details := map[string]interface{}{
			"online":       upstream.Online(),
			"breaker":      breaker.State().String(),
			"times_opened": breaker.TimesOpened(),
		}

		if !upstream.Online() || breaker.State() == client.StateBreakerOpen {
			return types.HealthCheck{Status: types.StatusUnknown, Message: "upstream unreachable", Details: details}
		}
		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}

func GenerationChecker(source GenerationSource) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		current := source.CurrentInfo()
		if current == nil {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "no active generation"}
		}

		details := map[string]interface{}{
			"version": current.Version,
			"clients": current.Clients,
		}
		if waiting := source.WaitingInfo(); waiting != nil {
			details["waiting"] = waiting.Version
		}

		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}

func ConnectionChecker(conn Connection) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		if !conn.Connected() {
			return types.HealthCheck{Status: types.StatusUnknown, Message: "not connected"}
		}
		return types.HealthCheck{Status: types.StatusHealthy}
	}
}

// CertificateChecker is unhealthy when any certificate is invalid and
// unknown while one is close to expiry.
func CertificateChecker(source CertificateSource) types.HealthChecker {
	return func(context.Context) types.HealthCheck {
		status := types.StatusHealthy
		details := make(map[string]interface{})

		for domain, cert := range source.Status() {
			details[domain] = cert.Status
			switch cert.Status {
			case "invalid", "error":
				status = types.StatusUnhealthy
			case "expiring_soon":
				if status == types.StatusHealthy {
					status = types.StatusUnknown
				}
			}
		}

		return types.HealthCheck{Status: status, Details: details}
	}
}
