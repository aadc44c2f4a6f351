// Package coordinator wires the DiscoveryEngine, SubscriptionMux and
// SchemaRegistry together behind one transport session, matching the
// "single-threaded cooperative runtime" composition described in spec
// §2 and §5.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bubbaloop/fleetd/internal/config"
	"github.com/bubbaloop/fleetd/internal/debugapi"
	"github.com/bubbaloop/fleetd/internal/discovery"
	"github.com/bubbaloop/fleetd/internal/schema"
	"github.com/bubbaloop/fleetd/internal/subscription"
	"github.com/bubbaloop/fleetd/internal/transport"
)

// Coordinator owns the transport session and every long-lived
// component built on top of it.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	session transport.Session

	Registry *schema.Registry
	Engine   *discovery.Engine
	Mux      *subscription.Mux

	rediscoverer *schema.Rediscoverer
	debugServer  *http.Server

	cancel context.CancelFunc
}

// New constructs a Coordinator from cfg with no session attached.
func New(cfg *config.Config, logger *slog.Logger) *Coordinator {
	registry := schema.New(logger)
	engine := discovery.New(cfg.Discovery, registry, logger)
	mux := subscription.New(logger)
	rediscoverer := schema.NewRediscoverer(registry, cfg.Schema)

	return &Coordinator{
		cfg:          cfg,
		logger:       logger,
		Registry:     registry,
		Engine:       engine,
		Mux:          mux,
		rediscoverer: rediscoverer,
	}
}

// SetSession injects (or drops, on nil) the shared transport session.
// Every component tolerates a nil session by becoming a no-op (spec §5
// "Shared resources").
func (c *Coordinator) SetSession(session transport.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.Mux.SetSession(session)
}

func (c *Coordinator) sessionFn() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// machineIDs lists the distinct machine ids currently known to the
// engine, used to scope schema (re)discovery queries.
func (c *Coordinator) machineIDs() []string {
	snap := c.Engine.Snapshot()
	seen := make(map[string]struct{}, len(snap.Nodes))
	ids := make([]string, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if _, ok := seen[n.MachineID]; ok {
			continue
		}
		seen[n.MachineID] = struct{}{}
		ids = append(ids, n.MachineID)
	}
	return ids
}

// Start begins the discovery loops, the schema rediscovery loop, and
// (if enabled) the debug HTTP surface. Cancelling ctx ends the discovery
// and rediscovery loops; it does not shut down the debug HTTP server,
// clear the engine's caches or retract subscriptions, which Stop does.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.Engine.Start(runCtx, c.sessionFn)
	go c.rediscoverer.Run(runCtx, c.sessionFn, c.machineIDs)

	if c.cfg.DebugAPI.Enabled {
		srv := debugapi.New(c.logger, c.Engine, c.Mux)
		addr := fmt.Sprintf("%s:%d", c.cfg.DebugAPI.Host, c.cfg.DebugAPI.Port)
		c.debugServer = &http.Server{Addr: addr, Handler: srv.Handler()}

		go func() {
			c.logger.Info("coordinator: debug api listening", "addr", addr)
			if err := c.debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.logger.Error("coordinator: debug api server failed", "error", err)
			}
		}()
	}
}

// Stop tears down every component deterministically (spec invariant 5:
// "no lost unsubscribes on teardown").
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.Engine.Stop()
	c.rediscoverer.Stop()
	c.Mux.Destroy()

	if c.debugServer != nil {
		return c.debugServer.Shutdown(ctx)
	}
	return nil
}
