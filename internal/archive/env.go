package archive

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/oarchive/internal/daal"
	"github.com/tunnelmesh/oarchive/internal/layout"
	"github.com/tunnelmesh/oarchive/internal/logging/audit"
	"github.com/tunnelmesh/oarchive/internal/oid"
)

// EnvConfig holds the collaborators an Env is built from.
type EnvConfig struct {
	Settings Settings
	Backend  daal.Backend
	Layouts  layout.Provider
	Logger   zerolog.Logger
	Metrics  *Metrics      // optional
	Audit    *audit.Logger // optional
	Now      func() time.Time
}

// Env is the shared context of every fragment, set and client operation.
// It is built once by the process and passed down.
type Env struct {
	Settings Settings
	Backend  daal.Backend
	Layouts  layout.Provider
	Pools    *PoolSet
	Metrics  *Metrics
	Audit    *audit.Logger
	Logger   zerolog.Logger

	healLimiter *rate.Limiter
	now         func() time.Time
}

// NewEnv validates cfg and builds an Env.
func NewEnv(cfg EnvConfig) (*Env, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == nil || cfg.Layouts == nil {
		return nil, fmt.Errorf("%w: backend and layout provider are required", ErrInvalidArgument)
	}
	env := &Env{
		Settings: cfg.Settings,
		Backend:  cfg.Backend,
		Layouts:  cfg.Layouts,
		Metrics:  cfg.Metrics,
		Audit:    cfg.Audit,
		Logger:   cfg.Logger.With().Str("component", "archive").Logger(),
		now:      cfg.Now,
	}
	if env.Audit == nil {
		env.Audit = audit.Nop()
	}
	if env.now == nil {
		env.now = time.Now
	}
	env.Pools = NewPoolSet(cfg.Settings.Pools.Max, cfg.Settings.Pools.WaitTimeout, cfg.Metrics)
	if h := cfg.Settings.Heal; h.Rate > 0 {
		env.healLimiter = rate.NewLimiter(rate.Limit(h.Rate), max(h.Burst, 1))
	}
	return env, nil
}

// Now returns the current time from the Env's clock.
func (e *Env) Now() time.Time {
	return e.now()
}

// allowHeal reports whether a repair rewrite may run now.
func (e *Env) allowHeal() bool {
	return e.healLimiter != nil && e.healLimiter.Allow()
}

// layoutFor resolves the disks of a chunk.
func (e *Env) layoutFor(id oid.ID, width int) (layout.Layout, error) {
	l, err := e.Layouts.Layout(id.LayoutID, width)
	if err != nil {
		return nil, fmt.Errorf("%w: layout %d: %w", ErrArchive, id.LayoutID, err)
	}
	return l, nil
}
