// Package lifecycle sequences component startup and shutdown: components
// declare their dependencies, the orchestrator computes a topological
// order and brings them up serially, then tears them down in reverse with
// a bounded per-component deadline.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nodeforge/fabric/internal/errkind"
	"github.com/nodeforge/fabric/internal/log"
)

// Component is one unit the orchestrator brings up and tears down.
// Start must block until the component is ready to serve (or return an
// error); Stop must release all resources within the deadline ctx carries,
// escalating to forced cancellation if the deadline is exceeded.
type Component struct {
	Name      string
	DependsOn []string
	Start     func(ctx context.Context) error
	Stop      func(ctx context.Context) error
}

// Orchestrator computes the dependency order and drives components
// through it. The zero value is not usable; use New.
type Orchestrator struct {
	components map[string]Component
	order      []string

	shutdownGrace time.Duration

	mu       sync.Mutex
	started  []string // components successfully started, in start order
	stopOnce sync.Once
}

// New builds an Orchestrator for components, with shutdownGrace bounding
// each component's Stop call.
func New(shutdownGrace time.Duration, components ...Component) (*Orchestrator, error) {
	byName := make(map[string]Component, len(components))
	names := make([]string, 0, len(components))
	for _, c := range components {
		if _, dup := byName[c.Name]; dup {
			return nil, errkind.New(errkind.InvariantViolation, fmt.Sprintf("lifecycle: duplicate component %q", c.Name))
		}
		byName[c.Name] = c
		names = append(names, c.Name)
	}

	order, err := topoSort(byName, names)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		components:    byName,
		order:         order,
		shutdownGrace: shutdownGrace,
	}, nil
}

// topoSort runs Kahn's algorithm over the declared DependsOn edges,
// breaking ties by declaration order to keep Start deterministic.
func topoSort(byName map[string]Component, names []string) ([]string, error) {
	indegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string)
	var declOrder []string

	for _, name := range names {
		c := byName[name]
		declOrder = append(declOrder, name)
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range c.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, errkind.New(errkind.InvariantViolation, fmt.Sprintf("lifecycle: %q depends on unknown component %q", name, dep))
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range declOrder {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(byName) {
		return nil, errkind.New(errkind.InvariantViolation, "lifecycle: dependency cycle detected")
	}
	return order, nil
}

// Start brings up every component in dependency order, serially. If any
// component fails, already-started components are torn down in reverse
// before the error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	logger := log.WithComponent("lifecycle")
	for _, name := range o.order {
		c := o.components[name]
		logger.Info().Str("component", name).Msg("starting component")
		if err := c.Start(ctx); err != nil {
			logger.Error().Err(err).Str("component", name).Msg("component failed to start")
			o.Shutdown(context.Background())
			return fmt.Errorf("lifecycle: start %s: %w", name, err)
		}
		o.mu.Lock()
		o.started = append(o.started, name)
		o.mu.Unlock()
	}
	return nil
}

// Shutdown tears down every started component in reverse start order, each
// bounded by shutdownGrace. Safe to call more than once; only the first
// call does anything.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.stopOnce.Do(func() {
		logger := log.WithComponent("lifecycle")
		o.mu.Lock()
		started := append([]string(nil), o.started...)
		o.mu.Unlock()

		for i := len(started) - 1; i >= 0; i-- {
			name := started[i]
			c := o.components[name]
			logger.Info().Str("component", name).Msg("stopping component")

			stopCtx, cancel := context.WithTimeout(ctx, o.shutdownGrace)
			if err := c.Stop(stopCtx); err != nil {
				logger.Warn().Err(err).Str("component", name).Msg("component stop returned error")
			}
			cancel()
		}
	})
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives (or ctx is done)
// and runs Shutdown exactly once; a second signal while shutdown is in
// flight is ignored.
func (o *Orchestrator) WaitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.WithComponent("lifecycle").Info().Msg("received shutdown signal")
	case <-ctx.Done():
	}
	o.Shutdown(context.Background())
}
