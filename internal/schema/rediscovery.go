package schema

import (
	"context"
	"time"

	"github.com/bubbaloop/fleetd/internal/config"
	"github.com/bubbaloop/fleetd/internal/epoch"
	"github.com/bubbaloop/fleetd/internal/transport"
)

// Rediscoverer runs the periodic re-discovery loop described in spec
// §4.3 ("Periodic re-discovery"): every RediscoverPeriod (backing off to
// RediscoverIdlePeriod after IdleCyclesBeforeBackoff consecutive cycles
// with nothing new), it calls DiscoverAllNodeSchemas against the current
// set of known machine IDs.
type Rediscoverer struct {
	registry *Registry
	cfg      config.SchemaConfig
	epoch    epoch.Token

	refreshCh chan struct{}
	stop      chan struct{}
}

// NewRediscoverer builds a Rediscoverer bound to registry.
func NewRediscoverer(registry *Registry, cfg config.SchemaConfig) *Rediscoverer {
	return &Rediscoverer{
		registry:  registry,
		cfg:       cfg,
		refreshCh: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Run blocks, driving the rediscovery loop until ctx is cancelled or
// Stop is called. sessionFn/machineIDsFn are consulted on every cycle so
// callers can swap sessions or update the machine set without
// restarting the loop (spec §5 "tolerate a null session").
func (rd *Rediscoverer) Run(ctx context.Context, sessionFn func() transport.Session, machineIDsFn func() []string) {
	idleCycles := 0
	timer := time.NewTimer(rd.cfg.RediscoverPeriod())
	defer timer.Stop()

	runCycle := func() {
		snapshot := rd.epoch.Current()

		n, _ := rd.registry.DiscoverAllNodeSchemas(ctx, sessionFn(), machineIDsFn())

		if !rd.epoch.StillCurrent(snapshot) {
			// A Refresh() landed mid-cycle: don't let this cycle's idle
			// counters influence cadence, just re-arm immediately so the
			// newer refresh's cycle runs next.
			timer.Reset(0)
			return
		}

		if n == 0 {
			idleCycles++
		} else {
			idleCycles = 0
		}

		next := rd.cfg.RediscoverPeriod()
		if idleCycles >= rd.cfg.IdleCyclesBeforeBackoff {
			next = rd.cfg.RediscoverIdlePeriod()
		}
		timer.Reset(next)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-rd.stop:
			return
		case <-timer.C:
			runCycle()
		case <-rd.refreshCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			runCycle()
		}
	}
}

// Refresh cancels the current cadence and forces the next tick to fire
// immediately, mirroring DiscoveryEngine.Refresh's epoch-bump semantics.
func (rd *Rediscoverer) Refresh() {
	rd.epoch.Bump()
	select {
	case rd.refreshCh <- struct{}{}:
	default:
	}
}

// Stop terminates Run.
func (rd *Rediscoverer) Stop() {
	close(rd.stop)
}
