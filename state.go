package crac

import "fmt"

// State represents a state in the lifecycle state machine. Unlike a one-shot
// service, a worker can be started again once it is Stopped or in Error, which
// is what happens to a listener across a checkpoint:
//
//          +--------------+
//     +----> Stopped      <-------------------+
//     |    +-+------------+                   |
//     |      |                                |
//     |    +-v------------+                   |
//     |    | Starting     +----+              |
//     |    +-+------------+    |              |
//     |      |                 |              |
//     |    +-v------------+    |              |
//     +----+ Running      +----+              |
//     |    +-+------------+    |              |
//     |      |                 |              |
//     |    +-v------------+  +-v------------+ |
//     +----+ Stopping     +--> Terminating  +-+
//          +-+------------+  +-+------------+
//            |                 |
//          +-v------------+    |
//          | Error        <----+
//          +--------------+
//
// Error is not final: Start is accepted from Error as well as Stopped.
type State uint8

const (
	// Stopped is the initial state, and the state of a service shut down
	// without errors.
	Stopped State = iota
	// Starting represents a service in the process of starting.
	Starting
	// Running represents a started service.
	Running
	// Stopping represents a service being shut down gracefully.
	Stopping
	// Terminating represents a service being forcefully terminated.
	Terminating
	// Error represents a service having reached an error.
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Terminating:
		return "Terminating"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// Action defines the action to be taken when an event occurs.
type Action uint8

const (
	// Undefined action.
	Undefined Action = iota
	// DoNothing instructs no action.
	DoNothing
	// Shutdown the service.
	Shutdown
	// Terminate the service.
	Terminate
)
