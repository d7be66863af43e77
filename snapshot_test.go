package crac

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandSnapshotter(t *testing.T) {
	s := &CommandSnapshotter{Path: "/bin/sh", Args: []string{"-c", "exit 0"}}
	assert.NoError(t, s.Snapshot(context.Background()))
}

func TestCommandSnapshotterPID(t *testing.T) {
	pid := strconv.Itoa(os.Getpid())
	s := &CommandSnapshotter{
		Path:   "/bin/sh",
		Args:   []string{"-c", `[ "$0" = "` + pid + `" ]`, PIDPlaceholder},
		Logger: simpleLogger{},
	}
	assert.NoError(t, s.Snapshot(context.Background()))
}

func TestCommandSnapshotterFailure(t *testing.T) {
	log := &callLog{}
	s := &CommandSnapshotter{
		Path:   "/bin/sh",
		Args:   []string{"-c", "echo dump failed; exit 3"},
		Logger: simpleLogger{},
	}
	c := NewCheckpointer(s, nil)
	c.Registry().Register(&recordingResource{name: "a", log: log})

	err := c.CheckpointRestore(context.Background())
	assert.True(t, IsSnapshotFailed(err))
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Equal(t, []string{"before a", "after a"}, log.calls())
}

func TestCommandSnapshotterEmptyPath(t *testing.T) {
	s := &CommandSnapshotter{}
	assert.Error(t, s.Snapshot(context.Background()))
}
