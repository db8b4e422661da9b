// Package registry provides the etcd-based implementation of the Registry interface.
//
// Game servers publish themselves under a per-service prefix:
//
//	Key:   /clash/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a server crashes, the lease expires
// and the entry is removed, so clients never resolve a dead server for long.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/clash/"

func serviceKey(serviceName string) string { return keyPrefix + serviceName + "/" }

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	// Lease keep-alives outlive the ctx passed to Register, so they hang off
	// the registry's own context and stop on Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key -> lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger.With(zap.String("component", "etcd-registry")),
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

// Register adds a server instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := serviceKey(serviceName) + instance.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.logger.Info("registered instance",
		zap.String("service", serviceName),
		zap.String("addr", instance.Addr),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes a server instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.logger.Warn("revoke lease failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch monitors a service prefix in etcd and emits updated instance lists
// whenever changes occur (new registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, serviceKey(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list instead of applying single events.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("re-discover after watch event failed", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, serviceKey(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops every lease keep-alive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
