package crac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Resource is notified around a checkpoint. BeforeCheckpoint must release
// everything that cannot be part of a process image, such as sockets, and
// only return once it is released. AfterRestore reacquires it. Returning an
// error from BeforeCheckpoint aborts the checkpoint.
type Resource interface {
	BeforeCheckpoint(ctx context.Context, c Context) error
	AfterRestore(ctx context.Context, c Context) error
}

// Context is passed to resource hooks. It is the registry the resource is
// registered with. Resources registered from a hook are notified from the
// next checkpoint on.
type Context interface {
	Register(r Resource) (*Registration, error)
}

// Registration records a resource in a Registry.
type Registration struct {
	registry *Registry
	resource Resource
	order    uint64
}

// Order returns the registration order, starting at 1.
func (r *Registration) Order() uint64 {
	return r.order
}

// Resource returns the registered resource.
func (r *Registration) Resource() Resource {
	return r.resource
}

// Unregister removes the resource from the registry. It returns false if the
// resource was not registered anymore.
func (r *Registration) Unregister() bool {
	return r.registry.remove(r)
}

// Registry is an ordered set of resources. Resources are prepared for a
// checkpoint in registration order and restored in the reverse order.
// Resources must be comparable, typically pointers.
type Registry struct {
	mut     sync.Mutex
	entries []*Registration
	next    uint64
	logger  Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. logger may be nil.
func NewRegistry(logger Logger) *Registry {
	return &Registry{logger: orNop(logger)}
}

// Register adds r to the registry. Registering a resource twice is logged and
// returns the existing registration.
func (g *Registry) Register(r Resource) (*Registration, error) {
	if r == nil {
		return nil, errNilResource
	}
	reg, created := g.registerIf(func(e Resource) bool {
		return e == r
	}, func() Resource {
		return r
	})
	if !created {
		g.logger.Warn("resource already registered",
			"resource", resourceName(r), "order", reg.order)
	}
	return reg, nil
}

// registerIf returns the first registration whose resource matches, or
// registers the resource returned by create. The lookup and the registration
// happen under the same lock.
func (g *Registry) registerIf(match func(Resource) bool,
	create func() Resource) (*Registration, bool) {
	g.mut.Lock()
	defer g.mut.Unlock()
	for _, e := range g.entries {
		if match(e.resource) {
			return e, false
		}
	}
	g.next++
	reg := &Registration{registry: g, resource: create(), order: g.next}
	g.entries = append(g.entries, reg)
	g.logger.Info("resource registered", "resource", resourceName(reg.resource),
		"order", reg.order)
	return reg, true
}

// Len returns the number of registered resources.
func (g *Registry) Len() int {
	g.mut.Lock()
	defer g.mut.Unlock()
	return len(g.entries)
}

// Resources returns the registered resources in registration order.
func (g *Registry) Resources() []Resource {
	entries := g.snapshot()
	res := make([]Resource, len(entries))
	for i, e := range entries {
		res[i] = e.resource
	}
	return res
}

func (g *Registry) snapshot() []*Registration {
	g.mut.Lock()
	defer g.mut.Unlock()
	return append([]*Registration(nil), g.entries...)
}

func (g *Registry) remove(reg *Registration) bool {
	g.mut.Lock()
	defer g.mut.Unlock()
	for i, e := range g.entries {
		if e == reg {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			g.logger.Info("resource unregistered",
				"resource", resourceName(reg.resource), "order", reg.order)
			return true
		}
	}
	return false
}

// beforeCheckpoint notifies the registered resources in registration order.
// It stops at the first failure and returns the registrations that were
// successfully prepared.
func (g *Registry) beforeCheckpoint(ctx context.Context) ([]*Registration,
	error) {
	entries := g.snapshot()
	prepared := make([]*Registration, 0, len(entries))
	for _, e := range entries {
		start := time.Now()
		err := e.resource.BeforeCheckpoint(ctx, g)
		g.metrics.hook(phaseBeforeCheckpoint, time.Since(start))
		if err != nil {
			g.logger.Error(err, "resource failed to prepare for checkpoint",
				"resource", resourceName(e.resource), "order", e.order)
			return prepared, fmt.Errorf("%s: %w", resourceName(e.resource), err)
		}
		prepared = append(prepared, e)
	}
	return prepared, nil
}

// afterRestore notifies the given registrations in reverse order. A failure
// does not prevent the remaining resources from being restored; all the
// failures are returned.
func (g *Registry) afterRestore(ctx context.Context,
	prepared []*Registration) error {
	var result *multierror.Error
	for i := len(prepared) - 1; i >= 0; i-- {
		e := prepared[i]
		start := time.Now()
		err := e.resource.AfterRestore(ctx, g)
		g.metrics.hook(phaseAfterRestore, time.Since(start))
		if err != nil {
			g.logger.Error(err, "resource failed to restore",
				"resource", resourceName(e.resource), "order", e.order)
			result = multierror.Append(result,
				fmt.Errorf("%s: %w", resourceName(e.resource), err))
		}
	}
	return result.ErrorOrNil()
}

// resourceName returns the name of r if it has one, or its type.
func resourceName(r Resource) string {
	if n, ok := r.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", r)
}
