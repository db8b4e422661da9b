// Package router fans inbound push messages and transport pseudo-events out to
// subscribers by type tag.
//
// Handlers for a tag run in registration order, synchronously on the goroutine
// that calls Dispatch (the transport read loop in production). Dispatch works on
// a snapshot of the handler list, so subscribing or unsubscribing from inside a
// handler only affects later dispatches.
package router

import (
	"clash-session/message"
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one inbound envelope.
type Handler func(env *message.Envelope)

type entry struct {
	id      uint64
	handler Handler
}

type Router struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	nextID   uint64
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers: make(map[string][]entry),
		logger:   logger.With(zap.String("component", "router")),
	}
}

// OnMessage registers handler for tag and returns a function that removes it.
// The returned function is idempotent.
func (r *Router) OnMessage(tag string, handler Handler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[tag] = append(r.handlers[tag], entry{id: id, handler: handler})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(tag, id) })
	}
}

func (r *Router) remove(tag string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[tag]
	for i, e := range list {
		if e.id != id {
			continue
		}
		// Copy instead of shifting in place: a Dispatch may still be ranging over the old slice.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, tag)
		} else {
			r.handlers[tag] = next
		}
		return
	}
}

// Dispatch delivers env to every handler registered for its type. Messages with
// no handler are dropped.
func (r *Router) Dispatch(env *message.Envelope) {
	if env == nil {
		return
	}
	r.mu.RLock()
	list := r.handlers[env.Type]
	r.mu.RUnlock()

	if len(list) == 0 {
		r.logger.Debug("no handler, dropping message", zap.String("type", env.Type))
		return
	}
	for _, e := range list {
		e.handler(env)
	}
}

// Handlers returns how many handlers are registered for tag.
func (r *Router) Handlers(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[tag])
}
