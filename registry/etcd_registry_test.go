package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newEtcd connects to a local etcd, skipping the test when none is running.
func newEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := reg.client.Get(ctx, keyPrefix); err != nil {
		reg.Close()
		t.Skipf("etcd not reachable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := newEtcd(t)

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Codec: "proto"}

	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst1.Addr))

	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Echo")
	inst := ServiceInstance{Addr: "127.0.0.1:8100", Weight: 1}
	require.NoError(t, reg.Register(ctx, "Echo", inst, 10))

	select {
	case got := <-updates:
		assert.Contains(t, got, inst)
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update after register")
	}
	require.NoError(t, reg.Deregister(ctx, "Echo", inst.Addr))
}
