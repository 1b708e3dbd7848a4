package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks refresh token lifecycle outcomes.
type Metrics struct {
	TokensIssued     prometheus.Counter
	TokensRotated    prometheus.Counter
	ReuseDetected    prometheus.Counter
	FamiliesRevoked  prometheus.Counter
	RevokedPerFamily prometheus.Histogram
	ExpiredDeleted   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_refresh_tokens_issued_total",
			Help: "Refresh tokens issued, including rotation replacements.",
		}),
		TokensRotated: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_refresh_tokens_rotated_total",
			Help: "Successful refresh token rotations.",
		}),
		ReuseDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_refresh_token_reuse_detected_total",
			Help: "Rotation attempts that presented an already used or revoked token.",
		}),
		FamiliesRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_token_families_revoked_total",
			Help: "Token families revoked after reuse detection or explicit revocation.",
		}),
		RevokedPerFamily: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_tokens_revoked_per_family",
			Help:    "Tokens revoked in a single family revocation.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		ExpiredDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_expired_refresh_tokens_deleted_total",
			Help: "Expired refresh tokens removed by the cleanup sweep.",
		}),
	}
}
