package loadbalance

import (
	"clash-session/registry"
	"math/rand/v2"
)

// WeightedRandomBalancer picks an instance with probability proportional to its weight.
// Instances with no weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		totalWeight += weightOf(v)
	}

	// Walk the list subtracting weights until r drops below zero.
	r := rand.IntN(totalWeight)
	for _, v := range instances {
		r -= weightOf(v)
		if r < 0 {
			return &v, nil
		}
	}

	last := instances[len(instances)-1]
	return &last, nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
