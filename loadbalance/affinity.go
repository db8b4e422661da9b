package loadbalance

import (
	"clash-session/registry"
	"sort"
	"strings"
	"sync"
)

// AffinityBalancer adapts ConsistentHashBalancer to the Balancer interface by
// hashing a fixed key, usually the player's username. The ring is rebuilt only
// when the instance set changes.
type AffinityBalancer struct {
	mu   sync.Mutex
	key  string
	ring *ConsistentHashBalancer
	sig  string
}

func NewAffinityBalancer(key string) *AffinityBalancer {
	return &AffinityBalancer{key: key, ring: NewConsistentHashBalancer()}
}

// SetKey changes the affinity key, e.g. after the player logs in.
func (b *AffinityBalancer) SetKey(key string) {
	b.mu.Lock()
	b.key = key
	b.mu.Unlock()
}

func (b *AffinityBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.sig {
		b.ring.Reset(instances)
		b.sig = sig
	}
	return b.ring.Pick(b.key)
}

func (b *AffinityBalancer) Name() string {
	return "Affinity"
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}
