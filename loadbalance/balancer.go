// Package loadbalance picks which game server a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  heterogeneous servers (different CPU/memory)
//   - Affinity:        the same player lands on the same server while the set is stable,
//     built on the ConsistentHash ring
package loadbalance

import (
	"clash-session/registry"
	"errors"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// Pick is called every time the transport resolves an address, so it must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by "affinity".
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "affinity":
		return NewAffinityBalancer(key), nil
	default:
		return nil, errors.New("unknown balancer: " + name)
	}
}
