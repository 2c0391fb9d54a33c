package router

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy names accepted by RouteConfig.Strategy. Custom strategies can
// be added with Router.RegisterStrategy.
const (
	StrategyBroadcast    = "broadcast"
	StrategyRoundRobin   = "round_robin"
	StrategyPriority     = "priority"
	StrategyLoadBalanced = "load_balanced"
)

// Strategy selects which of a route's handlers receive an event. Each
// route owns its own Strategy instance, so stateful strategies keep
// per-route counters.
type Strategy interface {
	// Name identifies the strategy for diagnostics.
	Name() string

	// Select picks handlers from the active set. The slice passed in
	// contains only handlers with Active set.
	Select(handlers []RouteHandler) []RouteHandler
}

// StrategyFactory builds a fresh Strategy instance for one route.
type StrategyFactory func() Strategy

// broadcastStrategy sends the event to every active handler.
type broadcastStrategy struct{}

func (broadcastStrategy) Name() string { return StrategyBroadcast }

func (broadcastStrategy) Select(handlers []RouteHandler) []RouteHandler {
	return handlers
}

// roundRobinStrategy rotates through active handlers, one per call.
type roundRobinStrategy struct {
	counter atomic.Uint64
}

func (*roundRobinStrategy) Name() string { return StrategyRoundRobin }

func (s *roundRobinStrategy) Select(handlers []RouteHandler) []RouteHandler {
	if len(handlers) == 0 {
		return nil
	}
	n := s.counter.Add(1) - 1
	return []RouteHandler{handlers[int(n)%len(handlers)]}
}

// priorityStrategy returns active handlers ordered by descending
// priority. Equal priorities keep registration order.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return StrategyPriority }

func (priorityStrategy) Select(handlers []RouteHandler) []RouteHandler {
	sorted := make([]RouteHandler, len(handlers))
	copy(sorted, handlers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted
}

// loadBalancedStrategy tracks an in-flight load count per handler and
// picks the least loaded one. Load increments on selection and decays
// after a fixed delay approximating handler completion.
type loadBalancedStrategy struct {
	decay time.Duration

	mu    sync.Mutex
	loads map[string]int
}

func newLoadBalancedStrategy(decay time.Duration) *loadBalancedStrategy {
	return &loadBalancedStrategy{
		decay: decay,
		loads: make(map[string]int),
	}
}

func (*loadBalancedStrategy) Name() string { return StrategyLoadBalanced }

func (s *loadBalancedStrategy) Select(handlers []RouteHandler) []RouteHandler {
	if len(handlers) == 0 {
		return nil
	}

	s.mu.Lock()
	selected := handlers[0]
	minLoad := s.loads[selected.Name]
	for _, h := range handlers[1:] {
		if load := s.loads[h.Name]; load < minLoad {
			selected = h
			minLoad = load
		}
	}
	s.loads[selected.Name]++
	s.mu.Unlock()

	time.AfterFunc(s.decay, func() {
		s.mu.Lock()
		if s.loads[selected.Name] > 0 {
			s.loads[selected.Name]--
		}
		s.mu.Unlock()
	})

	return []RouteHandler{selected}
}

// Load reports the current in-flight count for a handler name. Used by
// tests and diagnostics.
func (s *loadBalancedStrategy) Load(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[name]
}
