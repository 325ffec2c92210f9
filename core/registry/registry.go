// Package registry keeps the set of XA-capable resources known to the
// process. Pools register on start and deregister on close; the recovery
// coordinator lists them and subscribes to registrations.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/transx/core/xa"
)

var (
	ErrDuplicateResource = errors.New("resource already registered")
	ErrUnknownResource   = errors.New("resource not registered")
)

// Resource is a registered XA resource manager.
type Resource interface {
	Name() string
	// Paginated reports whether recovery scans must page through Recover
	// with TMNoFlags calls instead of a single bracketed call.
	Paginated() bool
	// OpenRecovery returns an XA resource to scan and complete in-doubt
	// branches with. The closer releases whatever connection backs it.
	OpenRecovery(ctx context.Context) (xa.Resource, io.Closer, error)
}

// EventKind tells registration from deregistration.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventDeregistered
)

func (k EventKind) String() string {
	if k == EventDeregistered {
		return "deregistered"
	}
	return "registered"
}

// Event is delivered to subscribers on every registry change.
type Event struct {
	Kind     EventKind
	Name     string
	Resource Resource
}

// Registry is safe for concurrent use. Subscribers are called synchronously
// after the change and must not block.
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	resources map[string]Resource
	subs      map[int]func(Event)
	nextSub   int
}

// New returns an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:    logger.Named("registry"),
		resources: make(map[string]Resource),
		subs:      make(map[int]func(Event)),
	}
}

// Register adds res. Names must be unique.
func (r *Registry) Register(res Resource) error {
	if res == nil || res.Name() == "" {
		return fmt.Errorf("register: resource must have a name")
	}
	name := res.Name()
	r.mu.Lock()
	if _, ok := r.resources[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateResource, name)
	}
	r.resources[name] = res
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.logger.Info("Resource registered", zap.String("resource", name), zap.Bool("paginated", res.Paginated()))
	notify(subs, Event{Kind: EventRegistered, Name: name, Resource: res})
	return nil
}

// Deregister removes the named resource and notifies subscribers.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	res, ok := r.resources[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	delete(r.resources, name)
	subs := r.subscribersLocked()
	r.mu.Unlock()

	r.logger.Info("Resource deregistered", zap.String("resource", name))
	notify(subs, Event{Kind: EventDeregistered, Name: name, Resource: res})
	return nil
}

// Lookup returns the named resource.
func (r *Registry) Lookup(name string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[name]
	return res, ok
}

// List returns the registered resources sorted by name.
func (r *Registry) List() []Resource {
	r.mu.RLock()
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Subscribe registers fn for future events and returns a function that
// removes it.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) subscribersLocked() []func(Event) {
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, r.subs[id])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}
