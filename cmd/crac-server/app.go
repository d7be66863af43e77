package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go.tickamp.dev/crac"
)

// appOptions holds the collaborators of an app.
type appOptions struct {
	// Checkpoint triggers a checkpoint once the listener is started.
	Checkpoint  bool
	Coordinator crac.Coordinator
	Metrics     *crac.Metrics
	// If nil, the logging messages are discarded.
	Logger crac.Logger
	// Signals stopping the app, the worker defaults apply when nil.
	Signals []os.Signal
}

// app starts the listener, registers it for checkpoints and blocks until it
// is asked to stop. An app is started once.
type app struct {
	*crac.Worker

	cfg         Config
	opts        appOptions
	listener    *crac.HTTPListener
	ready       chan error
	quit        chan struct{}
	quitOnce    sync.Once
	coordinator crac.Coordinator
	logger      crac.Logger
	// Held while the listener is started, registered and checkpointed, and
	// while it is stopped, so that a stop never overlaps a checkpoint.
	mut sync.Mutex
}

func newApp(cfg Config, handler http.Handler, opts appOptions) *app {
	if opts.Logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		opts.Logger = newLogger(discard, "server")
	}
	if opts.Coordinator == nil {
		opts.Coordinator = crac.NewCheckpointer(crac.Simulated,
			&crac.CheckpointerOptions{Metrics: opts.Metrics, Logger: opts.Logger})
	}
	a := &app{
		cfg:         cfg,
		opts:        opts,
		ready:       make(chan error),
		quit:        make(chan struct{}),
		coordinator: opts.Coordinator,
		logger:      opts.Logger,
	}
	a.listener = crac.NewHTTPListener(cfg.Addr, handler, &crac.ListenerOptions{
		BindTimeout:       cfg.BindTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		Metrics:           opts.Metrics,
		Logger:            opts.Logger,
	})
	a.Worker = crac.NewWorkerWithOptions(&crac.Hooks{
		Name:      "crac-server",
		Start:     a.run,
		Shutdown:  a.shutdown,
		Terminate: crac.DropContext(a.terminate),
	}, &crac.WorkerOptions{
		ReadinessProbe:  func() <-chan error { return a.ready },
		ShutdownTimeout: 2 * cfg.HardTimeout,
		Signals:         opts.Signals,
		Logger:          opts.Logger,
	})
	return a
}

// Addr returns the address the listener is bound to.
func (a *app) Addr() string {
	return a.listener.Addr()
}

// Start runs the app until it is stopped. A stop received while the app is
// starting is a clean exit.
func (a *app) Start() error {
	err := a.Worker.Start()
	if crac.IsInterrupted(err) {
		a.logger.Info("stopped during startup")
		<-a.Done()
		return nil
	}
	return err
}

func (a *app) run(ctx context.Context) error {
	a.mut.Lock()
	err := a.startup(ctx)
	a.mut.Unlock()
	if err != nil {
		return err
	}
	close(a.ready)

	<-a.quit
	return nil
}

// startup starts and registers the listener, then checkpoints when asked to.
// It does nothing once the app was stopped.
func (a *app) startup(ctx context.Context) error {
	select {
	case <-a.quit:
		return nil
	default:
	}

	start := time.Now()
	if err := a.listener.Start(ctx); err != nil {
		return err
	}

	_, _, err := crac.RegisterListener(a.coordinator.Registry(), a.listener,
		&crac.ResourceOptions{
			GracePeriod: a.cfg.GracePeriod,
			HardTimeout: a.cfg.HardTimeout,
			Logger:      a.logger,
		})
	if err != nil {
		a.stopListener(ctx)
		return err
	}
	a.logger.Info("server started", "addr", a.listener.Addr(),
		"elapsed", time.Since(start))
	a.logger.Info("serving", "endpoints", []string{"GET /", "GET /health",
		"GET /metrics"})

	if !a.opts.Checkpoint {
		return nil
	}
	a.logger.Info("triggering checkpoint")
	if err := a.coordinator.CheckpointRestore(ctx); err != nil {
		a.logger.Error(err, "checkpoint failed")
		a.stopListener(ctx)
		return fmt.Errorf("checkpoint: %w", err)
	}
	a.logger.Info("restored from checkpoint", "addr", a.listener.Addr())
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	a.mut.Lock()
	defer a.mut.Unlock()
	defer a.closeQuit()
	return a.listener.Stop(ctx, a.cfg.GracePeriod, a.cfg.HardTimeout)
}

func (a *app) terminate() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	defer a.closeQuit()
	return a.listener.Stop(context.Background(), 0, a.cfg.HardTimeout)
}

func (a *app) stopListener(ctx context.Context) {
	if err := a.listener.Stop(ctx, a.cfg.GracePeriod,
		a.cfg.HardTimeout); err != nil {
		a.logger.Error(err, "could not stop listener")
	}
}

func (a *app) closeQuit() {
	a.quitOnce.Do(func() { close(a.quit) })
}
