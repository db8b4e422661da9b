package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are ignored: an instance stays until it is deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[serviceName] == nil {
		r.services[serviceName] = make(map[string]ServiceInstance)
	}
	r.services[serviceName][instance.Addr] = instance
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceName], addr)
	r.notifyLocked(serviceName)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceName), nil
}

// Watch emits the current list immediately, then after every change.
func (r *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	ch <- r.listLocked(serviceName)
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		list := r.watchers[serviceName]
		for i, w := range list {
			if w == ch {
				r.watchers[serviceName] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// notifyLocked replaces any unread list with the latest one, so a slow
// watcher always sees the newest state.
func (r *MemoryRegistry) notifyLocked(serviceName string) {
	instances := r.listLocked(serviceName)
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- instances
	}
}

func (r *MemoryRegistry) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}
