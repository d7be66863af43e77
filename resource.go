package crac

import (
	"context"
	"fmt"
	"time"
)

// Defaults of ResourceOptions.
const (
	DefaultGracePeriod = time.Second
	DefaultHardTimeout = 2 * time.Second
)

// ResourceOptions contains options for a ListenerResource.
type ResourceOptions struct {
	// GracePeriod given to in-flight requests before a checkpoint
	// (default: DefaultGracePeriod).
	GracePeriod time.Duration
	// HardTimeout after which the listener is stopped regardless of the
	// remaining connections (default: DefaultHardTimeout).
	HardTimeout time.Duration
	// If nil, the logging messages are discarded.
	Logger Logger
}

// ListenerResource stops a listener before a checkpoint and starts it again
// after a restore.
type ListenerResource struct {
	listener Listener
	grace    time.Duration
	hard     time.Duration
	logger   Logger
}

// NewListenerResource creates a resource controlling l. It does not register
// it; see RegisterListener.
func NewListenerResource(l Listener, opts *ResourceOptions) *ListenerResource {
	if opts == nil {
		opts = &ResourceOptions{}
	}
	r := &ListenerResource{
		listener: l,
		grace:    opts.GracePeriod,
		hard:     opts.HardTimeout,
		logger:   orNop(opts.Logger),
	}
	if r.grace <= 0 {
		r.grace = DefaultGracePeriod
	}
	if r.hard <= 0 {
		r.hard = DefaultHardTimeout
	}
	return r
}

// RegisterListener creates a ListenerResource for l and registers it with
// registry. A listener is registered at most once: registering it again logs
// and returns the existing resource.
func RegisterListener(registry *Registry, l Listener,
	opts *ResourceOptions) (*ListenerResource, *Registration, error) {
	if l == nil {
		return nil, nil, fmt.Errorf("register listener: %w", errNilResource)
	}
	reg, created := registry.registerIf(func(r Resource) bool {
		lr, ok := r.(*ListenerResource)
		return ok && lr.listener == l
	}, func() Resource {
		return NewListenerResource(l, opts)
	})
	if !created {
		registry.logger.Warn("listener already registered", "order", reg.Order())
	}
	return reg.Resource().(*ListenerResource), reg, nil
}

// Name implements the naming used in the registry logs.
func (r *ListenerResource) Name() string {
	if n, ok := r.listener.(interface{ Name() string }); ok {
		return "listener/" + n.Name()
	}
	return "listener"
}

// Listener returns the controlled listener.
func (r *ListenerResource) Listener() Listener {
	return r.listener
}

// BeforeCheckpoint stops the listener. It returns once no socket is bound
// and no connection is left open.
func (r *ListenerResource) BeforeCheckpoint(ctx context.Context, _ Context) error {
	r.logger.Info("stopping listener before checkpoint", "resource", r.Name(),
		"grace", r.grace, "timeout", r.hard)
	if err := r.listener.Stop(ctx, r.grace, r.hard); err != nil {
		return fmt.Errorf("before checkpoint: %w", err)
	}
	r.logger.Info("listener stopped, ready for checkpoint", "resource", r.Name())
	return nil
}

// AfterRestore starts the listener again. It returns once the address is
// bound.
func (r *ListenerResource) AfterRestore(ctx context.Context, _ Context) error {
	start := time.Now()
	r.logger.Info("restarting listener after restore", "resource", r.Name())
	if err := r.listener.Start(ctx); err != nil {
		return fmt.Errorf("after restore: %w", err)
	}
	r.logger.Info("listener restarted", "resource", r.Name(),
		"elapsed", time.Since(start))
	return nil
}
