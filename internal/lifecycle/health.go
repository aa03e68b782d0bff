package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/Proton-105/xo-arena/internal/health"
)

// ErrDraining is reported by the readiness probe once shutdown has begun.
var ErrDraining = errors.New("server is draining")

// ErrUnhealthy is reported when a dependency check fails.
var ErrUnhealthy = errors.New("dependency check failed")

// Probes backs the liveness and readiness endpoints.
type Probes struct {
	checker  *health.Checker
	draining atomic.Bool
}

// NewProbes creates probes over checker. checker may be nil.
func NewProbes(checker *health.Checker) *Probes {
	return &Probes{checker: checker}
}

// Liveness succeeds while the process can serve requests at all.
func (p *Probes) Liveness(context.Context) error {
	return nil
}

// Readiness runs the dependency checks and fails while draining.
func (p *Probes) Readiness(ctx context.Context) (health.Report, error) {
	if p.draining.Load() {
		return health.Report{}, ErrDraining
	}
	if p.checker == nil {
		return health.Report{Healthy: true}, nil
	}

	report := p.checker.Check(ctx)
	if !report.Healthy {
		return report, ErrUnhealthy
	}
	return report, nil
}

// Drain marks the service as not ready so load balancers stop routing to it.
func (p *Probes) Drain() {
	p.draining.Store(true)
}
