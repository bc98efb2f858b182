// Package metrics holds the Prometheus collectors shared across broker
// components. Collectors are package-level singletons registered against
// the default registry so cmd/brokerd only needs to mount the handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthRequestsTotal counts authentication attempts by outcome.
	AuthRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "auth",
		Name:      "requests_total",
		Help:      "Total JWT authentication attempts by outcome.",
	}, []string{"outcome"})

	// JWKSRefreshTotal counts JWKS refresh operations by issuer.
	JWKSRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "jwks",
		Name:      "refresh_total",
		Help:      "Total JWKS refresh operations.",
	}, []string{"issuer"})

	// TokenCacheHits counts encrypted token cache hits.
	TokenCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "token_cache",
		Name:      "hits_total",
		Help:      "Total encrypted token cache hits.",
	})

	// TokenCacheMisses counts encrypted token cache misses, including
	// tamper/decrypt failures folded into the miss outcome by design.
	TokenCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "token_cache",
		Name:      "misses_total",
		Help:      "Total encrypted token cache misses.",
	})

	// TokenCacheRejections counts Put calls rejected by the total entry cap.
	TokenCacheRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "token_cache",
		Name:      "rejections_total",
		Help:      "Total token cache writes rejected by the total entry cap.",
	})

	// TokenCacheEntries reports the current total sealed entry count.
	TokenCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "authbroker",
		Subsystem: "token_cache",
		Name:      "entries",
		Help:      "Current number of sealed token cache entries.",
	})

	// TokenCacheSessions reports the current number of live cache sessions.
	TokenCacheSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "authbroker",
		Subsystem: "token_cache",
		Name:      "sessions",
		Help:      "Current number of live token cache sessions.",
	})

	// TokenExchangeTotal counts RFC 8693 exchange attempts by module and outcome.
	TokenExchangeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "token_exchange",
		Name:      "requests_total",
		Help:      "Total token exchange requests by delegation module and outcome.",
	}, []string{"module", "outcome"})

	// DelegationInvocationsTotal counts delegate() calls by module and outcome.
	DelegationInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "delegation",
		Name:      "invocations_total",
		Help:      "Total delegation module invocations by module and outcome.",
	}, []string{"module", "outcome"})

	// TrustBoundaryViolationsTotal counts the mismatch between a module's
	// self-reported outcome and the registry's independently observed one.
	TrustBoundaryViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "delegation",
		Name:      "trust_boundary_violations_total",
		Help:      "Total delegation invocations where the module's reported outcome disagreed with the registry's observed outcome.",
	}, []string{"module"})

	// AuditEntriesTotal counts audit entries appended, by source.
	AuditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authbroker",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Total audit entries appended, by source component.",
	}, []string{"source"})
)
