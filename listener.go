package crac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Listener is a network listener that can be stopped before a checkpoint and
// started again after a restore. Start and Stop must be safe to call on an
// already started, respectively stopped, listener. They are not meant to be
// called concurrently with each other.
type Listener interface {
	// Start binds the listener and begins serving. It returns once the
	// bind succeeded.
	Start(ctx context.Context) error
	// Stop stops accepting connections and drains in-flight work for up to
	// grace, then force-closes what remains. It returns within hard.
	Stop(ctx context.Context, grace, hard time.Duration) error
	// State returns the current state of the listener.
	State() State
}

// ListenerOptions contains options for an HTTPListener.
type ListenerOptions struct {
	// Name used in the logs (default: "http").
	Name string
	// BindTimeout bounds the time spent retrying a bind on an address still
	// in use, for example right after a restore. Zero means a single attempt.
	BindTimeout time.Duration
	// ReadHeaderTimeout is passed to the underlying http.Server.
	ReadHeaderTimeout time.Duration
	// Metrics records listener starts. Optional.
	Metrics *Metrics
	// Logger used by the listener and its worker. If nil, the logging
	// messages are discarded.
	Logger Logger
}

func (o ListenerOptions) copy() *ListenerOptions {
	return &o
}

// HTTPListener serves an http.Handler on a TCP address. The same handler is
// served on every start; the socket and the http.Server are recreated each
// time, as an http.Server cannot be reused once shut down. After the first
// bind the port is pinned, so a listener configured on port 0 comes back on
// the port it first obtained.
type HTTPListener struct {
	worker  *Worker
	handler http.Handler
	opts    *ListenerOptions
	logger  Logger

	mut  sync.Mutex
	addr string
	run  *listenerRun
}

// listenerRun holds the state of a single start of an HTTPListener.
type listenerRun struct {
	// Receives the bind error, closed once bound
	bound chan error
	// Closed when the run is stopped, possibly before the server exists
	abort     chan struct{}
	abortOnce sync.Once
	// Closed when the start hook returned and the socket is released
	exited chan struct{}
	// Nil until bound, guarded by the listener mutex
	server *http.Server
}

func newListenerRun() *listenerRun {
	return &listenerRun{
		bound:  make(chan error, 1),
		abort:  make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (r *listenerRun) stop() {
	r.abortOnce.Do(func() { close(r.abort) })
}

func (r *listenerRun) aborted() bool {
	select {
	case <-r.abort:
		return true
	default:
		return false
	}
}

// NewHTTPListener creates a stopped listener serving handler on addr.
func NewHTTPListener(addr string, handler http.Handler,
	opts *ListenerOptions) *HTTPListener {
	if opts == nil {
		opts = &ListenerOptions{}
	}
	opts = opts.copy()
	if opts.Name == "" {
		opts.Name = "http"
	}
	initial := newListenerRun()
	initial.stop()
	close(initial.exited)
	l := &HTTPListener{
		handler: handler,
		opts:    opts,
		logger:  orNop(opts.Logger),
		addr:    addr,
		run:     initial,
	}
	l.worker = NewWorkerWithOptions(&Hooks{
		Name:      opts.Name,
		Start:     l.serve,
		Shutdown:  l.shutdown,
		Terminate: l.terminate,
		Error: func(event Event) error {
			if errors.Is(event.Error, http.ErrServerClosed) {
				return nil
			}
			return event.Error
		},
	}, &WorkerOptions{
		ReadinessProbe: l.readiness,
		// Stop bounds the shutdown with its own grace period.
		ShutdownTimeout: time.Hour,
		Signals:         []os.Signal{},
		Logger:          opts.Logger,
	})
	return l
}

// Start binds the address and starts serving in the background. It returns
// once the socket is bound, or with the bind error. Starting a listener that
// is already started is logged and ignored. When the listener is stopped
// before the bind completes, Start returns an error satisfying IsInterrupted
// and no socket is left bound.
func (l *HTTPListener) Start(ctx context.Context) error {
	l.mut.Lock()
	prev := l.run
	l.run = newListenerRun()
	l.mut.Unlock()

	err := l.worker.StartBackgroundCtx(ctx)
	if IsInvalidState(err) {
		l.mut.Lock()
		l.run = prev
		l.mut.Unlock()
		l.logger.Info("listener already started", "name", l.opts.Name,
			"state", l.State().String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("start listener %s: %w", l.opts.Name, err)
	}
	l.opts.Metrics.listenerStarted(l.opts.Name)
	l.logger.Info("listener started", "name", l.opts.Name, "addr", l.Addr())
	return nil
}

// Stop shuts the listener down. In-flight requests get up to grace to
// complete, after which remaining connections are closed. Stop returns once
// the socket is released, or after hard at the latest; exceeding hard is
// logged, not returned. Stopping a stopped listener is logged and ignored.
func (l *HTTPListener) Stop(ctx context.Context, grace,
	hard time.Duration) error {
	if hard < grace {
		hard = grace
	}
	deadline := time.Now().Add(hard)
	exited := l.current().exited

	sctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	err := l.worker.ShutdownCtx(sctx)
	if IsInvalidState(err) {
		l.logger.Info("listener already stopped", "name", l.opts.Name,
			"state", l.State().String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("stop listener %s: %w", l.opts.Name, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		l.logger.Warn("listener did not stop within hard timeout",
			"name", l.opts.Name, "timeout", hard)
	}
	l.logger.Info("listener stopped", "name", l.opts.Name)
	return nil
}

// Name returns the name of the listener.
func (l *HTTPListener) Name() string {
	return l.opts.Name
}

// State returns the current state of the listener.
func (l *HTTPListener) State() State {
	return l.worker.State()
}

// Addr returns the address the listener binds to. Once the listener was
// started, the port is the one actually bound.
func (l *HTTPListener) Addr() string {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.addr
}

// Observe registers a chan receiving the state changes of the listener.
func (l *HTTPListener) Observe(ch chan<- Event) {
	l.worker.Observe(ch)
}

// Unobserve removes a chan registered with Observe.
func (l *HTTPListener) Unobserve(ch chan<- Event) {
	l.worker.Unobserve(ch)
}

func (l *HTTPListener) readiness() <-chan error {
	return l.current().bound
}

// serve is the Start hook: it binds, reports the bind result to the
// readiness probe, then serves until the server is shut down.
func (l *HTTPListener) serve(ctx context.Context) error {
	l.mut.Lock()
	r := l.run
	addr := l.addr
	l.mut.Unlock()
	defer close(r.exited)

	ln, err := l.listen(ctx, r, addr)
	if err != nil {
		if r.aborted() {
			err = fmt.Errorf("stopped while binding %s: %w", addr, errInterrupted)
		}
		r.bound <- err
		return err
	}

	server := &http.Server{
		Handler:           l.handler,
		ReadHeaderTimeout: l.opts.ReadHeaderTimeout,
	}
	l.mut.Lock()
	if r.aborted() {
		l.mut.Unlock()
		ln.Close()
		err = fmt.Errorf("stopped while binding %s: %w", addr, errInterrupted)
		r.bound <- err
		return err
	}
	r.server = server
	l.addr = pin(addr, ln.Addr())
	l.mut.Unlock()
	close(r.bound)

	return server.Serve(ln)
}

func (l *HTTPListener) shutdown(ctx context.Context) error {
	if server := l.abort(); server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

func (l *HTTPListener) terminate(context.Context) error {
	if server := l.abort(); server != nil {
		return server.Close()
	}
	return nil
}

// abort stops the current run and returns its server, nil when the run is
// not serving yet. serve checks the abort under the same lock before
// installing the server, so one of the two always sees the other.
func (l *HTTPListener) abort() *http.Server {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.run.stop()
	return l.run.server
}

func (l *HTTPListener) current() *listenerRun {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.run
}

// listen binds addr, retrying with an exponential backoff for as long as the
// address is in use and BindTimeout is not elapsed. Stopping r cancels the
// retries.
func (l *HTTPListener) listen(ctx context.Context, r *listenerRun,
	addr string) (net.Listener, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lc net.ListenConfig
	var ln net.Listener
	op := func() error {
		var err error
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err != nil && !errors.Is(err, syscall.EADDRINUSE) {
			return backoff.Permanent(err)
		}
		if err != nil {
			l.logger.Info("address in use, retrying", "name", l.opts.Name,
				"addr", addr)
		}
		return err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if l.opts.BindTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 20 * time.Millisecond
		eb.MaxElapsedTime = l.opts.BindTimeout
		b = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return ln, nil
}

// pin returns the configured address with its port replaced by the port
// actually bound.
func pin(configured string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(configured)
	if err != nil {
		return bound.String()
	}
	tcp, ok := bound.(*net.TCPAddr)
	if !ok {
		return bound.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
}
