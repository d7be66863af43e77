package crac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Coordinator coordinates checkpoints of the process with the resources
// registered in its registry.
type Coordinator interface {
	// Registry returns the registry whose resources are notified around a
	// checkpoint.
	Registry() *Registry
	// CheckpointRestore prepares the registered resources, captures the
	// process image and restores the resources. From the caller's point of
	// view it blocks for the whole checkpoint, and returns in the restored
	// process.
	CheckpointRestore(ctx context.Context) error
}

// CheckpointerOptions contains options for a Checkpointer.
type CheckpointerOptions struct {
	// Metrics records checkpoints and hook durations. Optional.
	Metrics *Metrics
	// Logger used by the checkpointer and its registry. If nil, the logging
	// messages are discarded.
	Logger Logger
}

// Checkpointer is a Coordinator capturing the process image with a
// Snapshotter. Only one checkpoint runs at a time.
type Checkpointer struct {
	registry    *Registry
	snapshotter Snapshotter
	metrics     *Metrics
	logger      Logger
	mut         sync.Mutex
}

// NewCheckpointer creates a Checkpointer with an empty registry. A nil
// snapshotter is replaced by Simulated.
func NewCheckpointer(s Snapshotter, opts *CheckpointerOptions) *Checkpointer {
	if opts == nil {
		opts = &CheckpointerOptions{}
	}
	if s == nil {
		s = Simulated
	}
	logger := orNop(opts.Logger)
	registry := NewRegistry(logger)
	registry.metrics = opts.Metrics
	return &Checkpointer{
		registry:    registry,
		snapshotter: s,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// Registry returns the registry of the checkpointer.
func (c *Checkpointer) Registry() *Registry {
	return c.registry
}

// CheckpointRestore runs a checkpoint:
//
//   - BeforeCheckpoint is called on every registered resource, in
//     registration order. If one fails, the resources already prepared are
//     restored and the checkpoint is aborted without a snapshot.
//   - The snapshotter captures the process image.
//   - AfterRestore is called on every prepared resource, in reverse order,
//     whether or not the snapshot succeeded.
//
// A call made while another checkpoint is running fails immediately.
func (c *Checkpointer) CheckpointRestore(ctx context.Context) error {
	if !c.mut.TryLock() {
		return errCheckpointInProgress
	}
	defer c.mut.Unlock()

	c.logger.Info("checkpoint requested", "resources", c.registry.Len())
	prepared, err := c.registry.beforeCheckpoint(ctx)
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if rerr := c.registry.afterRestore(ctx, prepared); rerr != nil {
			result = multierror.Append(result, rerr)
		}
		c.metrics.checkpoint(resultAborted)
		return fmt.Errorf("%w: %w", errCheckpointAborted, result)
	}

	c.logger.Info("resources prepared, taking snapshot",
		"resources", len(prepared))
	snapErr := c.snapshotter.Snapshot(ctx)
	if snapErr != nil {
		c.logger.Error(snapErr, "snapshot failed, restoring resources")
	} else {
		c.logger.Info("snapshot complete, restoring resources")
	}

	start := time.Now()
	restoreErr := c.registry.afterRestore(ctx, prepared)
	c.metrics.restored(time.Since(start))

	var result *multierror.Error
	if snapErr != nil {
		result = multierror.Append(result,
			fmt.Errorf("%w: %w", errSnapshotFailed, snapErr))
	}
	if restoreErr != nil {
		result = multierror.Append(result,
			fmt.Errorf("%w: %w", errRestoreFailed, restoreErr))
	}
	if err := result.ErrorOrNil(); err != nil {
		c.metrics.checkpoint(resultFailed)
		return err
	}

	c.metrics.checkpoint(resultSuccess)
	c.logger.Info("restore complete", "resources", len(prepared),
		"elapsed", time.Since(start))
	return nil
}
