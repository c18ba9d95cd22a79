package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"portrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// which keeps a client on the instance holding its state.
//
// Each real instance is mapped to N virtual nodes on the ring so that a few
// instances do not cluster together.
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
	replicas int

	mu    sync.Mutex
	addrs string                              // instance set the ring was built from
	ring  []uint32                            // Sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	slices.Sort(b.ring)
}

// PickKey finds the instance responsible for key.
func (b *ConsistentHashBalancer) PickKey(key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pick(key)
}

func (b *ConsistentHashBalancer) pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// first node with hash >= key's hash, wrapping around to the first node
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

// rebuild rebuilds the ring when the instance set changed. Called with mu held.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	joined := strings.Join(addrs, ",")
	if joined == b.addrs {
		return
	}
	b.addrs = joined
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, inst := range instances {
		b.add(inst)
	}
}

// For binds the ring to key, giving a Balancer that always picks key's
// instance among those offered.
func (b *ConsistentHashBalancer) For(key string) Balancer {
	return &keyed{ring: b, key: key}
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

type keyed struct {
	ring *ConsistentHashBalancer
	key  string
}

func (k *keyed) Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	k.ring.mu.Lock()
	defer k.ring.mu.Unlock()
	k.ring.rebuild(instances)
	return k.ring.pick(k.key)
}

func (k *keyed) Name() string { return "ConsistentHash(" + k.key + ")" }
