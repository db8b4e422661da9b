package registry

import (
	"context"
	"testing"
	"time"
)

func recvInstances(t *testing.T, ch <-chan []ServiceInstance) []ServiceInstance {
	t.Helper()
	select {
	case instances, ok := <-ch:
		if !ok {
			t.Fatal("watch channel closed")
		}
		return instances
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for watch update")
	}
	return nil
}

func TestMemoryRegistryDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Register(ctx, "game", ServiceInstance{Addr: "b:2", Weight: 1}, 10)
	reg.Register(ctx, "game", ServiceInstance{Addr: "a:1", Weight: 1}, 10)
	reg.Register(ctx, "other", ServiceInstance{Addr: "c:3"}, 10)

	instances, err := reg.Discover(ctx, "game")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 || instances[0].Addr != "a:1" || instances[1].Addr != "b:2" {
		t.Fatalf("unexpected instances: %+v", instances)
	}

	reg.Deregister(ctx, "game", "a:1")
	instances, _ = reg.Discover(ctx, "game")
	if len(instances) != 1 || instances[0].Addr != "b:2" {
		t.Fatalf("unexpected instances after deregister: %+v", instances)
	}
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates := reg.Watch(ctx, "game")
	if initial := recvInstances(t, updates); len(initial) != 0 {
		t.Fatalf("expect empty initial list, got %+v", initial)
	}

	reg.Register(context.Background(), "game", ServiceInstance{Addr: "a:1"}, 10)
	if got := recvInstances(t, updates); len(got) != 1 {
		t.Fatalf("expect 1 instance, got %+v", got)
	}

	// Two changes without a read collapse into the latest list.
	reg.Register(context.Background(), "game", ServiceInstance{Addr: "b:2"}, 10)
	reg.Deregister(context.Background(), "game", "a:1")
	if got := recvInstances(t, updates); len(got) != 1 || got[0].Addr != "b:2" {
		t.Fatalf("expect only b:2, got %+v", got)
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
