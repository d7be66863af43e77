package crac

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerShutdown(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	<-s.Ready()
	assert.NoError(t, s.Shutdown())
	s.assertSequence(t, Starting, Running, Stopping, Stopped)
	<-s.Done()
}

func TestWorkerShutdownTimeout(t *testing.T) {
	s := newTestWorker(10*time.Second, 50*time.Millisecond, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Shutdown())
	s.assertSequence(t, Starting, Running, Stopping, Terminating, Stopped)
}

func TestWorkerShutdownContextDeadline(t *testing.T) {
	s := newTestWorker(10*time.Second, time.Minute, nil)
	require.NoError(t, s.StartBackground())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.NoError(t, s.ShutdownCtx(ctx))
	assert.Less(t, time.Since(start), time.Second)
	s.assertSequence(t, Starting, Running, Stopping, Terminating, Stopped)
}

func TestWorkerTerminate(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Terminate())
	s.assertSequence(t, Starting, Running, Terminating, Stopped)
}

func TestWorkerSignal(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	syscall.Kill(syscall.Getpid(), syscall.SIGUSR2)
	s.assertSequence(t, Starting, Running, Stopping, Stopped)
}

func TestWorkerSignalShutdownTimeout(t *testing.T) {
	s := newTestWorker(10*time.Second, 50*time.Millisecond, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	syscall.Kill(syscall.Getpid(), syscall.SIGUSR2)
	s.assertSequence(t, Starting, Running, Stopping, Terminating, Stopped)
}

func TestWorkerExitingNoError(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	s.interrupt(nil)
	s.assertSequence(t, Starting, Running, Stopped)
}

func TestWorkerExitingWithError(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	s.interrupt(errors.New("oops"))
	s.assertSequence(t, Starting, Running, Error)
	<-s.Done()
	assert.EqualError(t, s.Err(), "oops")
}

func TestWorkerExitingWithIgnoredError(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	s.interrupt(errors.New("ignore"))
	s.assertSequence(t, Starting, Running, Stopped)
}

func TestWorkerStartReturnsError(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	go func() {
		<-time.After(20 * time.Millisecond)
		s.interrupt(errors.New("oops"))
	}()
	assert.EqualError(t, s.Start(), "oops")
}

func TestWorkerStartTwice(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	require.NoError(t, s.StartBackground())
	assert.True(t, IsInvalidState(s.StartBackground()))
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Shutdown())
}

func TestWorkerShutdownStopped(t *testing.T) {
	s := newTestWorker(0, time.Second, nil)
	assert.True(t, IsInvalidState(s.Shutdown()))
	assert.True(t, IsInvalidState(s.Terminate()))
	assert.Equal(t, Stopped, s.State())
	<-s.Done()
}

func TestWorkerRestart(t *testing.T) {
	s := newRestartableWorker()
	require.NoError(t, s.StartBackground())
	first := s.Done()
	assert.NoError(t, s.Shutdown())
	<-first

	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	second := s.Done()
	assert.NotEqual(t, first, second)
	select {
	case <-second:
		t.Fatal("done chan of the new run is closed")
	default:
	}
	assert.NoError(t, s.Shutdown())
	<-second
	s.assertSequence(t, Starting, Running, Stopping, Stopped,
		Starting, Running, Stopping, Stopped)
}

func TestWorkerRestartAfterError(t *testing.T) {
	s := newRestartableWorker()
	require.NoError(t, s.StartBackground())
	s.release(errors.New("oops"))
	<-s.Done()
	assert.Equal(t, Error, s.State())

	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Shutdown())
}

func TestWorkerStaleRunKeepsNewState(t *testing.T) {
	s := newRestartableWorker()
	require.NoError(t, s.StartBackground())
	first := s.current()

	// The first run is terminated, but its start hook keeps running.
	assert.NoError(t, s.Terminate())
	require.NoError(t, s.StartBackground())

	first <- errors.New("late failure")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Shutdown())
}

func TestReadinessProbe(t *testing.T) {
	s := newTestWorker(0, time.Second, func() <-chan error {
		ch := make(chan error)
		go func() {
			<-time.After(5 * time.Millisecond)
			close(ch)
		}()
		return ch
	})
	require.NoError(t, s.StartBackground())
	assert.Equal(t, Running, s.State())
	assert.NoError(t, s.Shutdown())
	s.assertSequence(t, Starting, Running, Stopping, Stopped)
}

func TestReadinessProbeError(t *testing.T) {
	s := newTestWorker(0, time.Second, func() <-chan error {
		ch := make(chan error)
		go func() {
			<-time.After(5 * time.Millisecond)
			ch <- errors.New("oops")
			close(ch)
		}()
		return ch
	})
	assert.EqualError(t, s.StartBackground(), "oops")
	assert.Equal(t, Error, s.State())
	s.assertSequence(t, Starting, Error)
}

func TestReadinessProbeInterrupted(t *testing.T) {
	s := newTestWorker(0, time.Second, func() <-chan error {
		return make(chan error)
	})
	go func() {
		<-time.After(20 * time.Millisecond)
		s.interrupt(nil)
	}()
	assert.True(t, IsInterrupted(s.StartBackground()))
	s.assertSequence(t, Starting, Stopped)
}

func TestNewWorkerRequiresHooks(t *testing.T) {
	assert.Nil(t, NewWorker(nil))
	assert.Nil(t, NewWorker(&Hooks{Start: DropContext(func() error {
		return nil
	})}))
}

// Event observer
type eventObserver struct {
	mut    sync.Mutex
	events []Event
	ch     chan Event
}

func newEventObserver() *eventObserver {
	e := &eventObserver{ch: make(chan Event)}
	go func() {
		for event := range e.ch {
			e.mut.Lock()
			e.events = append(e.events, event)
			e.mut.Unlock()
		}
	}()
	return e
}

func (e *eventObserver) ObserverChan() chan<- Event {
	return e.ch
}

func (e *eventObserver) ObserverEventSequence() []State {
	e.mut.Lock()
	defer e.mut.Unlock()
	res := make([]State, len(e.events))
	for i, event := range e.events {
		res[i] = event.To
	}
	return res
}

func (e *eventObserver) assertSequence(t *testing.T, states ...State) {
	t.Helper()
	if !assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(states, e.ObserverEventSequence())
	}, time.Second, 5*time.Millisecond) {
		assert.Equal(t, states, e.ObserverEventSequence())
	}
}

type testWorker struct {
	*Worker
	*eventObserver
	interrupt func(err error)
}

func newTestWorker(shutdownDelay time.Duration,
	shutdownTimeout time.Duration,
	readinessProbe func() <-chan error) *testWorker {
	ch := make(chan error, 1)

	var closeOnce sync.Once
	closeCh := func(err error) {
		closeOnce.Do(func() {
			if err != nil {
				ch <- err
			}
			close(ch)
		})
	}

	s := &testWorker{
		Worker: NewWorkerWithOptions(
			&Hooks{
				Name: "worker",
				Start: func(ctx context.Context) error {
					err := <-ch
					return err
				},
				Shutdown: func(ctx context.Context) error {
					<-time.After(shutdownDelay)
					closeCh(nil)
					return nil
				},
				Terminate: func(ctx context.Context) error {
					closeCh(nil)
					return nil
				},
				Error: func(event Event) error {
					if event.Error != nil && event.Error.Error() == "ignore" {
						return nil
					}
					return event.Error
				},
			},
			&WorkerOptions{
				ReadinessProbe:  readinessProbe,
				ShutdownTimeout: shutdownTimeout,
				Logger:          simpleLogger{},
				Signals:         []os.Signal{syscall.SIGUSR2},
			},
		),
		eventObserver: newEventObserver(),
		interrupt:     closeCh,
	}
	s.Observe(s.ObserverChan())

	return s
}

// restartableWorker gives each run its own start chan.
type restartableWorker struct {
	*Worker
	*eventObserver
	mut  sync.Mutex
	runs []chan error
}

func newRestartableWorker() *restartableWorker {
	s := &restartableWorker{eventObserver: newEventObserver()}
	s.Worker = NewWorkerWithOptions(&Hooks{
		Name: "restartable",
		Start: func(ctx context.Context) error {
			ch := make(chan error, 1)
			s.mut.Lock()
			s.runs = append(s.runs, ch)
			s.mut.Unlock()
			return <-ch
		},
		Shutdown: func(ctx context.Context) error {
			s.release(nil)
			return nil
		},
		Terminate: func(ctx context.Context) error {
			return nil
		},
	}, &WorkerOptions{
		// The start hook registers its chan asynchronously.
		ReadinessProbe: func() <-chan error {
			ch := make(chan error)
			go func() {
				for s.current() == nil {
					time.Sleep(time.Millisecond)
				}
				close(ch)
			}()
			return ch
		},
		Logger:  simpleLogger{},
		Signals: []os.Signal{},
	})
	s.Observe(s.ObserverChan())
	return s
}

// current returns the start chan of the latest run that was not released.
func (s *restartableWorker) current() chan error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.runs) == 0 {
		return nil
	}
	return s.runs[len(s.runs)-1]
}

func (s *restartableWorker) release(err error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if n := len(s.runs); n > 0 {
		s.runs[n-1] <- err
		s.runs = s.runs[:n-1]
	}
}

type simpleLogger struct{}

func (s simpleLogger) Info(msg string, keysAndValues ...interface{}) {
	fmt.Println(msg, keysAndValues)
}

func (s simpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	fmt.Println(msg, keysAndValues)
}

func (s simpleLogger) Error(err error, msg string,
	keysAndValues ...interface{}) {
	fmt.Println(msg, append(keysAndValues, "error", err))
}
