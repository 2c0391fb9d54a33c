// Package router dispatches events to named routes. Each route binds an
// event type to a set of handlers through a selection strategy; global
// filters veto events before any route is consulted.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmarceau/eventkit/pkg/eventkit/event"
)

// DefaultLoadDecay approximates handler completion time for the
// load-balanced strategy.
const DefaultLoadDecay = 100 * time.Millisecond

// RouteHandler is one handler slot inside a route.
type RouteHandler struct {
	// Name identifies the handler within the route.
	Name string

	// Handler processes routed events.
	Handler event.Handler

	// Priority orders handlers for the priority strategy. Higher runs
	// first.
	Priority int

	// Active handlers participate in selection. Inactive ones are
	// skipped by every strategy.
	Active bool
}

// NewRouteHandler builds an active handler slot.
func NewRouteHandler(name string, h event.Handler) RouteHandler {
	return RouteHandler{Name: name, Handler: h, Active: true}
}

// RouteConfig declares a route. Name must be unique per event type.
type RouteConfig struct {
	Name      string
	EventType string
	Filter    *event.Filter
	Strategy  string
	Handlers  []RouteHandler

	// Inactive routes are kept but never matched.
	Inactive bool
}

// route is a registered route with its bound strategy instance.
type route struct {
	cfg      RouteConfig
	strategy Strategy
	active   bool
}

// RouteResult reports the outcome of evaluating one route (or the
// global filters) against an event.
type RouteResult struct {
	// Route names the evaluated route. Empty for the global-filter
	// rejection result.
	Route string

	// Matched reports whether the route selected handlers.
	Matched bool

	// Handlers are the selected handler slots, in strategy order.
	Handlers []RouteHandler

	// Reason explains a non-match.
	Reason string
}

// Option configures a Router.
type Option func(*Router)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithLoadDecay overrides the load-balanced strategy's decay interval.
func WithLoadDecay(d time.Duration) Option {
	return func(r *Router) { r.loadDecay = d }
}

// Router owns route definitions, per-route strategy state, and the
// global filter list.
type Router struct {
	logger    *slog.Logger
	loadDecay time.Duration

	mu            sync.RWMutex
	routes        map[string][]*route
	globalFilters []*event.Filter
	strategies    map[string]StrategyFactory
}

// New creates a router with the four built-in strategies registered.
func New(opts ...Option) *Router {
	r := &Router{
		loadDecay:  DefaultLoadDecay,
		routes:     make(map[string][]*route),
		strategies: make(map[string]StrategyFactory),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.strategies[StrategyBroadcast] = func() Strategy { return broadcastStrategy{} }
	r.strategies[StrategyRoundRobin] = func() Strategy { return &roundRobinStrategy{} }
	r.strategies[StrategyPriority] = func() Strategy { return priorityStrategy{} }
	r.strategies[StrategyLoadBalanced] = func() Strategy {
		return newLoadBalancedStrategy(r.loadDecay)
	}
	return r
}

// RegisterStrategy adds or replaces a strategy factory. Routes added
// after registration can reference it by name.
func (r *Router) RegisterStrategy(name string, factory StrategyFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// AddRoute registers a route. It fails when the name is already taken
// for the event type or the route has no handlers.
func (r *Router) AddRoute(cfg RouteConfig) error {
	if cfg.Name == "" {
		return errors.New("router: route name is required")
	}
	if cfg.EventType == "" {
		return errors.New("router: route event type is required")
	}
	if len(cfg.Handlers) == 0 {
		return fmt.Errorf("router: route %q has no handlers", cfg.Name)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBroadcast
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.routes[cfg.EventType] {
		if existing.cfg.Name == cfg.Name {
			return fmt.Errorf("router: route %q already registered for %s", cfg.Name, cfg.EventType)
		}
	}

	rt := &route{cfg: cfg, active: !cfg.Inactive}
	if factory, ok := r.strategies[cfg.Strategy]; ok {
		rt.strategy = factory()
	}
	r.routes[cfg.EventType] = append(r.routes[cfg.EventType], rt)
	return nil
}

// RemoveRoute deletes a route by event type and name.
func (r *Router) RemoveRoute(eventType, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes := r.routes[eventType]
	for i, rt := range routes {
		if rt.cfg.Name == name {
			r.routes[eventType] = append(routes[:i], routes[i+1:]...)
			return true
		}
	}
	return false
}

// SetRouteActive toggles a route without removing it.
func (r *Router) SetRouteActive(eventType, name string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rt := range r.routes[eventType] {
		if rt.cfg.Name == name {
			rt.active = active
			return true
		}
	}
	return false
}

// AddGlobalFilter appends a filter applied before any route matching.
func (r *Router) AddGlobalFilter(f *event.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalFilters = append(r.globalFilters, f)
}

// RouteCount reports how many routes are registered for an event type.
func (r *Router) RouteCount(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[eventType])
}

// RouteEvent evaluates the global filters and every route registered
// for the event's type. A global filter rejection yields a single
// unmatched result; otherwise one result per route is returned.
func (r *Router) RouteEvent(evt event.Event) []RouteResult {
	r.mu.RLock()
	filters := r.globalFilters
	routes := r.routes[evt.Type]
	r.mu.RUnlock()

	for _, f := range filters {
		if !f.Matches(evt) {
			return []RouteResult{{Matched: false, Reason: "globally filtered"}}
		}
	}

	results := make([]RouteResult, 0, len(routes))
	for _, rt := range routes {
		results = append(results, r.evaluate(rt, evt))
	}
	return results
}

func (r *Router) evaluate(rt *route, evt event.Event) RouteResult {
	res := RouteResult{Route: rt.cfg.Name}

	if !rt.active {
		res.Reason = "route inactive"
		return res
	}
	if rt.cfg.Filter != nil && !rt.cfg.Filter.Matches(evt) {
		res.Reason = "filter mismatch"
		return res
	}
	if rt.strategy == nil {
		res.Reason = fmt.Sprintf("unknown strategy %q", rt.cfg.Strategy)
		return res
	}

	active := make([]RouteHandler, 0, len(rt.cfg.Handlers))
	for _, h := range rt.cfg.Handlers {
		if h.Active {
			active = append(active, h)
		}
	}

	selected := rt.strategy.Select(active)
	if len(selected) == 0 {
		res.Reason = "no active handlers"
		return res
	}

	res.Matched = true
	res.Handlers = selected
	return res
}

// Dispatch routes the event and invokes every selected handler in
// order. Handler errors are collected rather than short-circuiting, so
// one failure never starves the remaining handlers.
func (r *Router) Dispatch(ctx context.Context, evt event.Event) ([]RouteResult, error) {
	results := r.RouteEvent(evt)

	var errs []error
	for _, res := range results {
		if !res.Matched {
			continue
		}
		for _, h := range res.Handlers {
			if err := h.Handler.Handle(ctx, evt); err != nil {
				if r.logger != nil {
					r.logger.Error("route handler failed",
						slog.String("route", res.Route),
						slog.String("handler", h.Name),
						slog.String("event_type", evt.Type),
						slog.String("error", err.Error()),
					)
				}
				errs = append(errs, fmt.Errorf("route %s handler %s: %w", res.Route, h.Name, err))
			}
		}
	}
	return results, errors.Join(errs...)
}
