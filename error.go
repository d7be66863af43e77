package crac

import "errors"

var (
	errInvalidState         = errors.New("invalid state")
	errInterrupted          = errors.New("interrupted")
	errNilResource          = errors.New("nil resource")
	errCheckpointInProgress = errors.New("checkpoint in progress")
	errCheckpointAborted    = errors.New("checkpoint aborted")
	errSnapshotFailed       = errors.New("snapshot failed")
	errRestoreFailed        = errors.New("restore failed")
)

// IsInvalidState returns true if the cause of the error is an invalid initial
// state. This can be for example trying to start a running service, or
// stopping a stopped service.
func IsInvalidState(err error) bool {
	return errors.Is(err, errInvalidState)
}

// IsInterrupted returns true if the cause of the error is an interruption. This
// is for example returned by StartBackground when the service is shut down
// before it became ready.
func IsInterrupted(err error) bool {
	return errors.Is(err, errInterrupted)
}

// IsCheckpointInProgress returns true if a checkpoint was requested while
// another one was still running.
func IsCheckpointInProgress(err error) bool {
	return errors.Is(err, errCheckpointInProgress)
}

// IsCheckpointAborted returns true if a resource refused to prepare for the
// checkpoint. No snapshot was taken in this case.
func IsCheckpointAborted(err error) bool {
	return errors.Is(err, errCheckpointAborted)
}

// IsSnapshotFailed returns true if the snapshotter could not capture or
// restore the process image.
func IsSnapshotFailed(err error) bool {
	return errors.Is(err, errSnapshotFailed)
}

// IsRestoreFailed returns true if at least one resource failed to reacquire
// its resources after a restore.
func IsRestoreFailed(err error) bool {
	return errors.Is(err, errRestoreFailed)
}
