package crac

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Snapshotter captures the image of the running process. Snapshot returns
// once the process runs again, either because it was restored from the image
// or because the capture left it running.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// SnapshotterFunc adapts a function to a Snapshotter.
type SnapshotterFunc func(ctx context.Context) error

// Snapshot calls f(ctx).
func (f SnapshotterFunc) Snapshot(ctx context.Context) error {
	return f(ctx)
}

// Simulated takes no snapshot and returns immediately. It exercises the
// resource hooks on platforms without checkpoint support.
var Simulated Snapshotter = SnapshotterFunc(func(context.Context) error {
	return nil
})

// PIDPlaceholder is replaced by the process id in the arguments of a
// CommandSnapshotter.
const PIDPlaceholder = "{pid}"

// CommandSnapshotter delegates the snapshot to an external command, for
// example a CRIU dump of the current process. The command succeeds when it
// exits with status 0.
type CommandSnapshotter struct {
	// Path of the command.
	Path string
	// Args of the command. Occurrences of PIDPlaceholder are replaced by the
	// process id.
	Args []string
	// Logger receives the output of the command. Optional.
	Logger Logger
}

// Snapshot runs the command and waits for it to exit.
func (s *CommandSnapshotter) Snapshot(ctx context.Context) error {
	if s.Path == "" {
		return fmt.Errorf("snapshot command: empty path")
	}
	pid := strconv.Itoa(os.Getpid())
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = strings.ReplaceAll(a, PIDPlaceholder, pid)
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, s.Path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	logger := orNop(s.Logger)
	if out.Len() > 0 {
		logger.Info("snapshot command output", "command", s.Path,
			"output", strings.TrimSpace(out.String()))
	}
	if err != nil {
		return fmt.Errorf("snapshot command %s: %w", s.Path, err)
	}
	return nil
}
