// Package registry keeps track of where services are served.
package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
	Codec   string `json:",omitempty"` // Wire codec the instance speaks, "json" when empty
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
