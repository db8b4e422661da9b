// Package registry lets game servers advertise themselves and lets clients find them.
package registry

import "context"

// ServiceInstance is one reachable game server.
type ServiceInstance struct {
	Addr    string `json:"addr"`   // host:port of the WebSocket endpoint
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
	Region  string `json:"region,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done,
	// then closes the channel.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
