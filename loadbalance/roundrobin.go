package loadbalance

import (
	"clash-session/registry"
	"sync/atomic"
)

// RoundRobinBalancer cycles through the instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % int64(len(instances))
	inst := instances[index]
	return &inst, nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
