package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks lockout policy outcomes.
type Metrics struct {
	FailedAttempts   prometheus.Counter
	AccountsLocked   *prometheus.CounterVec
	AccountsUnlocked *prometheus.CounterVec
	AttemptsDeleted  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FailedAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_login_failed_attempts_total",
			Help: "Failed login attempts recorded by the lockout policy.",
		}),
		AccountsLocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_accounts_locked_total",
			Help: "Account locks applied, by trigger.",
		}, []string{"trigger"}),
		AccountsUnlocked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_accounts_unlocked_total",
			Help: "Account unlocks, by mode.",
		}, []string{"mode"}),
		AttemptsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_login_attempts_deleted_total",
			Help: "Login attempt records removed by retention cleanup.",
		}),
	}
}
