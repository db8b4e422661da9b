package transport

import (
	"clash-session/loadbalance"
	"clash-session/registry"
	"context"
	"errors"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

// Resolver decides which server URL the next Connect dials.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always dials the same URL.
type StaticResolver string

func (r StaticResolver) Resolve(context.Context) (string, error) {
	if r == "" {
		return "", errors.New("empty server url")
	}
	return string(r), nil
}

// RegistryResolver discovers game servers in a registry and picks one with a
// balancer. Scheme and Path complete the instance address into a URL.
type RegistryResolver struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer
	Service  string
	Scheme   string // "ws" when empty
	Path     string // "/ws" when empty
	Logger   *zap.Logger

	mu      sync.RWMutex
	cached  []registry.ServiceInstance
	watched bool
}

func (r *RegistryResolver) Resolve(ctx context.Context) (string, error) {
	instances, err := r.instances(ctx)
	if err != nil {
		return "", err
	}

	balancer := r.Balancer
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	inst, err := balancer.Pick(instances)
	if err != nil {
		return "", err
	}

	u := url.URL{Scheme: r.Scheme, Host: inst.Addr, Path: r.Path}
	if u.Scheme == "" {
		u.Scheme = "ws"
	}
	if u.Path == "" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (r *RegistryResolver) instances(ctx context.Context) ([]registry.ServiceInstance, error) {
	r.mu.RLock()
	if r.watched {
		cached := r.cached
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()
	return r.Registry.Discover(ctx, r.Service)
}

// Watch keeps a local copy of the instance list fresh until ctx is done, so
// Resolve no longer queries the registry on every connect.
func (r *RegistryResolver) Watch(ctx context.Context) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	updates := r.Registry.Watch(ctx, r.Service)

	go func() {
		defer func() {
			r.mu.Lock()
			r.watched = false
			r.cached = nil
			r.mu.Unlock()
		}()
		for instances := range updates {
			r.mu.Lock()
			r.cached = instances
			r.watched = true
			r.mu.Unlock()
			logger.Debug("server list updated",
				zap.String("service", r.Service),
				zap.Int("instances", len(instances)))
		}
	}()
}
