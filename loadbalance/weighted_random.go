package loadbalance

import (
	"math/rand/v2"

	"portrpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its weight. Non-positive weights never win unless all weights are, in which
// case the pick is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	totalWeight := 0
	for _, v := range instances {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	r := rand.IntN(totalWeight)
	for i := range instances {
		if instances[i].Weight <= 0 {
			continue
		}
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i], nil
		}
	}
	panic("unreachable")
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
