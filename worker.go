package crac

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ContextHook is a context-aware hook.
type ContextHook = func(context.Context) error

// Hook is a naive hook.
type Hook = func() error

// ErrorHook is a hook aimed at receiving events and optionally transforming
// errors.
type ErrorHook = func(event Event) error

// Event is a struct passed to a service observers on a state change. It
// contains contextual information about the event.
type Event struct {
	// The context of the event, typically the one passed to the function from
	// which the event originated.
	Context context.Context
	// The error that caused this status change, if any.
	Error error
	// The previous status of the service.
	From State
	// The new status of the service.
	To State
}

// Hooks contain the functions called by the worker to control the underlying
// service.
type Hooks struct {
	// A friendly name for the service (optional)
	Name string
	// Start the service. This function is expected to block while the service
	// is running. Returning from this function while the service is Starting
	// or Running transitions it to Stopped if no error is returned or if the
	// returned error is ignored by the Error hook, and to Error otherwise.
	Start ContextHook
	// Gracefully shuts down the service. This function is expected to block
	// until the service is shut down. Returning an error from this function
	// will cause the service to transition to an Error state, unless the error
	// is ignored by the Error hook.
	Shutdown ContextHook
	// Terminates the service. This function is expected to quickly terminate
	// the service. Returning an error from this function will cause the
	// service to transition to an Error state, unless the error is ignored by
	// the Error hook.
	Terminate ContextHook
	// Error receives error events. The event struct contains the context
	// passed to the hook from which it occured, as well as the error itself.
	// The error returned by this function will be passed to the caller. If nil
	// is returned, the error is ignored. This can be useful to suppress errors,
	// for example http.ErrServerClosed when the service wraps an HTTP server.
	Error ErrorHook
}

func (h Hooks) copy() *Hooks {
	return &h
}

// WorkerOptions contains options for the worker.
type WorkerOptions struct {
	// ReadinessProbe allows to specify how the service transitions from a
	// Starting to a Running state. It is called once per start. If provided,
	// the worker waits for the returned chan to either be closed, or to
	// return an error. In the latter case, the service transitions to an
	// Error state, unless the error is ignored by the Error hook.
	ReadinessProbe func() <-chan error
	// ShutdownTimeout defines a maximum amount of time for which the service
	// can remain in Stopping state. When the specified amount of time is
	// elapsed, the service is terminated (default: 15 seconds).
	ShutdownTimeout time.Duration
	// Signals defines the signals to listen to while the service runs. When
	// one of these signals is received, the action defined by SignalAction
	// will be taken (default: syscall.SIGINT, syscall.SIGTERM). An empty,
	// non-nil slice disables signal handling.
	Signals []os.Signal
	// Defines the action to be taken when a signal is received (default:
	// Shutdown)
	SignalAction Action
	// Sets the Logger to use to log worker events. If nil, the logging messages
	// are discarded.
	Logger Logger
}

func (o WorkerOptions) copy() *WorkerOptions {
	return &o
}

// run holds the channels of a single start of the worker. A new run is
// installed each time the worker transitions to Starting.
type run struct {
	ready     chan struct{}
	done      chan struct{}
	readyOnce sync.Once
	doneOnce  sync.Once
}

func newRun() *run {
	return &run{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (r *run) markReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// finish unlocks the done chan. It is protected by a Once struct to avoid
// multiple closes, that could happen when terminate is invoked concurrently
// with shutdown.
func (r *run) finish() {
	r.markReady()
	r.doneOnce.Do(func() { close(r.done) })
}

// Worker is a service that can be started, stopped and terminated, then
// started again, based on a set of provided hooks.
type Worker struct {
	// Service hooks
	hooks *Hooks
	// Worker options
	opts *WorkerOptions
	// Current state
	state State
	// Cause of the last transition to Error, reset on start
	err error
	// Enforces atomic state change
	mut sync.Mutex
	// Channels of the current run
	run *run
	// Observers
	observers []chan<- Event
}

// NewWorker creates a Worker with the provided hooks. It returns nil if either
// of the hook structure, the start hook or the shutdown hook is nil.
func NewWorker(hooks *Hooks) *Worker {
	return NewWorkerWithOptions(hooks, nil)
}

// NewWorkerWithOptions creates a Worker with the provided hooks and options. It
// returns nil if either of the hook structure, the start hook or the shutdown
// hook is nil.
func NewWorkerWithOptions(hooks *Hooks, opts *WorkerOptions) *Worker {
	if hooks == nil || hooks.Start == nil || hooks.Shutdown == nil {
		return nil
	}
	if opts == nil {
		opts = &WorkerOptions{}
	}
	hooks = hooks.copy()
	opts = opts.copy()
	if opts.Signals == nil {
		opts.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}
	if opts.SignalAction == Undefined {
		opts.SignalAction = Shutdown
	}
	opts.Logger = orNop(opts.Logger)

	// A worker that never ran is done.
	initial := newRun()
	initial.doneOnce.Do(func() { close(initial.done) })

	return &Worker{
		hooks: hooks,
		opts:  opts,
		state: Stopped,
		run:   initial,
	}
}

// Start the service. This function blocks until the service is stopped, and
// returns the error that moved the service to an Error state, if any.
func (c *Worker) Start() error {
	return c.StartCtx(context.Background())
}

// StartCtx starts the service providing context. This function blocks until
// the service is stopped, and returns the error that moved the service to an
// Error state, if any.
func (c *Worker) StartCtx(ctx context.Context) error {
	if err := c.StartBackgroundCtx(ctx); err != nil {
		return err
	}
	<-c.Done()
	return c.Err()
}

// StartBackground starts the service in the background. This function does not
// block. It should typically be used in combination with Done. This function
// returns a non-nil error if either the start hook or the readiness probe
// return an error, unless the error is ignored by the Error hook.
func (c *Worker) StartBackground() error {
	return c.StartBackgroundCtx(context.Background())
}

// StartBackgroundCtx starts the service in the background providing context.
// It returns once the service is ready, that is once the readiness probe
// reported success. This function returns a non-nil error if either the start
// hook or the readiness probe return an error, unless the error is ignored by
// the Error hook.
func (c *Worker) StartBackgroundCtx(ctx context.Context) error {
	// Transition to starting
	r, err := c.begin(ctx)
	if err != nil {
		return err
	}

	// Start service
	go func() {
		defer r.finish()

		var err error
		if c.hooks.Start != nil {
			err = c.hooks.Start(ctx)
		}
		if err != nil {
			c.handleError(ctx, r, err)
		}

		// The service exited on its own ; when it is being stopped, the
		// stopping side owns the transition to Stopped.
		c.transitionRun(ctx, r, Stopped, []State{Starting, Running}, nil)
	}()

	// Execute readiness probe
	ready := make(chan error, 1)
	go func() {
		defer close(ready)
		if c.opts.ReadinessProbe != nil {
			c.info("waiting for readiness")
			select {
			case err := <-c.opts.ReadinessProbe():
				ready <- err
			case <-r.done:
				c.info("interrupting readiness probe")
				if err := c.Err(); err != nil {
					ready <- err
				} else {
					ready <- fmt.Errorf("stopped before ready: %w", errInterrupted)
				}
			}
		}
	}()

	// Install signal handlers
	if len(c.opts.Signals) > 0 {
		sc := make(chan os.Signal, 1)
		signal.Notify(sc, c.opts.Signals...)
		go func() {
			// Wait for a signal to show up or for the service to stop
			select {
			case sig := <-sc:
				c.info("received signal", "signal", sig)
				switch c.opts.SignalAction {
				case Shutdown:
					go c.ShutdownCtx(ctx)
				case Terminate:
					go c.TerminateCtx(ctx)
				}
			case <-r.done:
			}

			// Uninstall signal handlers
			signal.Stop(sc)
		}()
	}

	// Wait for the service to be ready ; the readiness probe wait is
	// interrupted when the run finishes, so we will not keep blocking the
	// caller here.
	if err := <-ready; err != nil {
		if cause := c.Err(); cause != nil {
			return cause
		}
		return c.handleError(ctx, r, err)
	}
	r.markReady()

	// Transition to Running
	c.transitionRun(ctx, r, Running, []State{Starting}, nil)

	return nil
}

// Shutdown shuts the service down gracefully. This function returns a non-nil
// error if the Shutdown hook returns an error, unless the error is ignored by
// the Error hook.
func (c *Worker) Shutdown() error {
	return c.ShutdownCtx(context.Background())
}

// ShutdownCtx shuts the service down gracefully providing context. The
// graceful period ends at the earliest of the context deadline and the
// configured ShutdownTimeout, after which the service is terminated. This
// function returns a non-nil error if the Shutdown hook returns an error,
// unless the error is ignored by the Error hook.
func (c *Worker) ShutdownCtx(ctx context.Context) error {
	// Transition to stopping
	if _, err := c.transition(ctx, Stopping,
		[]State{Starting, Running}, nil); err != nil {
		return err
	}

	// Gracefully shutdown the service
	ctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
	defer cancel()
	gracefulTermination := make(chan error, 1)
	go func() {
		c.info("starting graceful shutdown")
		var err error
		if c.hooks.Shutdown != nil {
			err = c.hooks.Shutdown(ctx)
		}
		gracefulTermination <- err
	}()

	// Wait for either the service to gracefully shut down, or kill it
	select {
	case err := <-gracefulTermination:
		if err == nil {
			c.transition(ctx, Stopped, []State{Stopping}, nil)
			return nil
		}
		if ctx.Err() == nil {
			return c.handleError(ctx, nil, err)
		}
	case <-ctx.Done():
	}

	c.warn("service did not stop in time -- terminating")
	return c.TerminateCtx(ctx)
}

// Terminate forcefully terminates the service. This function returns a non-nil
// error if the Terminate hook returns an error, unless the error is ignored by
// the Error hook.
func (c *Worker) Terminate() error {
	return c.TerminateCtx(context.Background())
}

// TerminateCtx forcefully terminates the service providing context.
func (c *Worker) TerminateCtx(ctx context.Context) error {
	// Transition to terminating
	if _, err := c.transition(ctx, Terminating,
		[]State{Starting, Running, Stopping}, nil); err != nil {
		return err
	}
	r := c.currentRun()

	var err error
	if c.hooks.Terminate != nil {
		err = c.hooks.Terminate(ctx)
	}

	if err != nil {
		return c.handleError(ctx, nil, err)
	}

	// Transition to stopped
	c.transition(ctx, Stopped, []State{Terminating}, nil)

	// Unblock the waiters
	r.finish()

	return nil
}

// Done returns a chan that is closed when the current run of the service is
// either stopped or has transitioned to an Error state. The chan of a worker
// that was never started is closed.
func (c *Worker) Done() <-chan struct{} {
	return c.currentRun().done
}

// Ready returns a chan that is closed when the current run of the service is
// either started or has transitioned to an Error state.
func (c *Worker) Ready() <-chan struct{} {
	return c.currentRun().ready
}

// Name provides a user-friendly name for the service, that is used in
// the logs.
func (c *Worker) Name() string {
	return c.hooks.Name
}

// State returns the current state of the service.
func (c *Worker) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.state
}

// Err returns the error that caused the current run to transition to an Error
// state, if any.
func (c *Worker) Err() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.err
}

// Observe registers a chan on which the service will post lifecycle events
// such as state changes and errors. Events are sent synchronously, so the
// chan must be drained. No action is taken if ch is nil.
func (c *Worker) Observe(ch chan<- Event) {
	if ch == nil {
		return
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	c.observers = append(c.observers, ch)
}

// Unobserve removes the provided chan from the list of observers. No action is
// taken if ch is nil or not in the list of observers. The chan is not closed.
func (c *Worker) Unobserve(ch chan<- Event) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for i, o := range c.observers {
		if o == ch {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

func (c *Worker) currentRun() *run {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.run
}

// begin transitions the service to Starting and installs a new run.
func (c *Worker) begin(ctx context.Context) (*run, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, err := c.transitionLocked(ctx, Starting,
		[]State{Stopped, Error}, nil); err != nil {
		return nil, err
	}
	c.err = nil
	c.run = newRun()
	return c.run, nil
}

// transition transitions the service to a new state. If a non-empty list of
// allowed states is provided, the service is transitioned only if the current
// state is in this list. It optionally takes the error causing this state
// change. This function is thread-safe.
func (c *Worker) transition(ctx context.Context, to State,
	allowedFromStates []State, cause error) (State, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.transitionLocked(ctx, to, allowedFromStates, cause)
}

// transitionRun is like transition, but it is a no-op if r is no longer the
// current run. This keeps a goroutine of a previous run from altering the
// state of the service once it was restarted.
func (c *Worker) transitionRun(ctx context.Context, r *run, to State,
	allowedFromStates []State, cause error) (State, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if r != nil && r != c.run {
		return c.state, fmt.Errorf("stale run: %w", errInvalidState)
	}
	return c.transitionLocked(ctx, to, allowedFromStates, cause)
}

// transitionLocked performs the transition. The caller must hold the lock.
func (c *Worker) transitionLocked(ctx context.Context, to State,
	allowedFromStates []State, cause error) (State, error) {
	current := c.state
	if len(allowedFromStates) > 0 && !c.isStateOneOf(allowedFromStates) {
		err := fmt.Errorf("cannot transition from %s to %s: %w",
			current.String(), to.String(), errInvalidState)
		return current, err
	}

	c.state = to
	if to == Error {
		c.err = cause
	}
	if to != current {
		c.info("transitioned to state", "to", to.String(), "from",
			current.String())
	}

	// Notify observers
	event := Event{
		Context: ctx,
		From:    current,
		To:      to,
		Error:   cause,
	}
	for _, observer := range c.observers {
		observer <- event
	}

	return current, nil
}

// isStateOneOf checks whether the current state is in the list of provided
// states. This function is not thread-safe.
func (c *Worker) isStateOneOf(states []State) bool {
	for _, state := range states {
		if c.state == state {
			return true
		}
	}
	return false
}

// info logs an information message.
func (c *Worker) info(msg string, keysAndValues ...interface{}) {
	c.opts.Logger.Info(msg, append(keysAndValues, "name", c.hooks.Name)...)
}

// warn logs a warning.
func (c *Worker) warn(msg string, keysAndValues ...interface{}) {
	c.opts.Logger.Warn(msg, append(keysAndValues, "name", c.hooks.Name)...)
}

// error logs an error
func (c *Worker) error(err error, msg string, keysAndValues ...interface{}) {
	c.opts.Logger.Error(err, msg, append(keysAndValues, "name",
		c.hooks.Name)...)
}

// handleError handles an error caused by an invalid state, an interruption or
// returned by a hook. It calls the Error hook if defined to transform the
// error. It also transitions the service to an Error state if the provided
// error is not an interruption error (in which case the error is expected and
// the interrupting event will set the new state itself). When r is non-nil,
// the transition only applies if r is still the current run.
func (c *Worker) handleError(ctx context.Context, r *run, err error) error {
	if err == nil {
		return nil
	}

	// Pass / transform error
	if c.hooks.Error != nil {
		err = c.hooks.Error(Event{
			Context: ctx,
			Error:   err,
			From:    c.State(),
		})
		if err == nil {
			return nil
		}
	}

	// Transition to Error state and unblock waiters
	c.error(err, "received error")
	if !IsInterrupted(err) {
		if r == nil {
			r = c.currentRun()
		}
		if _, terr := c.transitionRun(ctx, r, Error,
			[]State{Starting, Running, Stopping, Terminating}, err); terr == nil {
			r.finish()
		}
	}

	return err
}
