package loadbalance

import (
	"clash-session/registry"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes, so a
// reconnecting player returns to the server that still holds their match.
//
// Each real instance is placed on the ring as N virtual nodes so a handful of
// servers still spread evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	mu       sync.RWMutex
	replicas int                                 // Virtual nodes per real instance
	ring     []uint32                            // Sorted hash values on the ring
	nodes    map[uint32]registry.ServiceInstance // Hash value → instance
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the ring. Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	b.sortLocked()
}

// Reset replaces every node on the ring with instances.
func (b *ConsistentHashBalancer) Reset(instances []registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		b.addLocked(inst)
	}
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = instance
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick finds the instance responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest node.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
