// Package metrics exposes Prometheus counters for the protocol engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "identity"

var (
	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Tokens issued, by grant type and token type.",
	}, []string{"grant_type", "token_type"})

	protocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "OAuth protocol errors returned, by endpoint and error code.",
	}, []string{"endpoint", "error"})

	grantsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "grants_swept_total",
		Help:      "Rows removed by the cleanup sweeper, by pass.",
	}, []string{"pass"})

	codeReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorization_code_replays_total",
		Help:      "Redemption attempts of an already consumed authorization code.",
	})

	signingKeysCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signing_keys_created_total",
		Help:      "Signing keys generated by the key manager, by algorithm.",
	}, []string{"algorithm"})

	grantStoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "grant_store_operation_seconds",
		Help:      "Latency of persisted grant store operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})
)

// TokenIssued counts an issued token.
func TokenIssued(grantType, tokenType string) {
	tokensIssued.WithLabelValues(grantType, tokenType).Inc()
}

// ProtocolError counts an OAuth error response.
func ProtocolError(endpoint, code string) {
	protocolErrors.WithLabelValues(endpoint, code).Inc()
}

// GrantsSwept adds n removed rows for the sweeper pass.
func GrantsSwept(pass string, n int) {
	if n > 0 {
		grantsSwept.WithLabelValues(pass).Add(float64(n))
	}
}

// CodeReplay counts a replayed authorization code.
func CodeReplay() {
	codeReplays.Inc()
}

// SigningKeyCreated counts a generated signing key.
func SigningKeyCreated(algorithm string) {
	signingKeysCreated.WithLabelValues(algorithm).Inc()
}

// ObserveGrantStore records the duration of a grant store call.
func ObserveGrantStore(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	grantStoreDuration.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
