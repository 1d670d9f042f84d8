package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosuda.org/solo"
	"gosuda.org/solo/internal/shm"
)

func startPrimary(t *testing.T) (dir, name string, guard *solo.Guard) {
	t.Helper()

	dir = t.TempDir()
	name = "app-" + uuid.NewString()
	guard = solo.New(name, solo.WithDir(dir))

	ok, err := guard.TryRun()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { guard.Close() })

	return dir, name, guard
}

// TestRunSecondary tests that a second launch forwards its arguments
func TestRunSecondary(t *testing.T) {
	dir, name, primary := startPrimary(t)

	var stdout bytes.Buffer
	err := run([]string{"--dir", dir, "--name", name, "--log-level", "error", "a.txt", "b.txt"}, &stdout)
	require.NoError(t, err)
	assert.Empty(t, stdout.String())

	asked, err := primary.FetchAskedToShow()
	require.NoError(t, err)
	assert.True(t, asked)

	files, err := primary.FetchFilesToOpen()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, files)
}

func TestRunSecondaryWithoutShow(t *testing.T) {
	dir, name, primary := startPrimary(t)

	err := run([]string{"--dir", dir, "--name", name, "--log-level", "error", "--show=false"}, &bytes.Buffer{})
	require.NoError(t, err)

	asked, err := primary.FetchAskedToShow()
	require.NoError(t, err)
	assert.False(t, asked)
}

// TestRunUnlink tests that only an abandoned segment can be unlinked
func TestRunUnlink(t *testing.T) {
	dir, name, primary := startPrimary(t)
	args := []string{"--dir", dir, "--name", name, "--log-level", "error", "--unlink"}

	// Refused while the primary runs
	err := run(args, &bytes.Buffer{})
	assert.ErrorIs(t, err, shm.ErrBusy)
	assert.True(t, primary.Online())

	// A crash leaves the segment with nobody attached
	require.NoError(t, primary.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, 16), 0o600))

	require.NoError(t, run(args, &bytes.Buffer{}))
	_, err = shm.Attach(dir, name)
	assert.ErrorIs(t, err, shm.ErrNotExist)

	// Unlinking a missing segment is not an error
	assert.NoError(t, run(args, &bytes.Buffer{}))
}

// TestRunFlagsOverrideEnvironment tests that a flag fixes an invalid environment value
func TestRunFlagsOverrideEnvironment(t *testing.T) {
	dir, name, _ := startPrimary(t)
	t.Setenv("SOLO_RETRY_ROUNDS", "0")

	assert.Error(t, run([]string{"--dir", dir, "--name", name, "--log-level", "error"}, &bytes.Buffer{}))
	assert.NoError(t, run([]string{"--dir", dir, "--name", name, "--log-level", "error", "--retry-rounds", "5"}, &bytes.Buffer{}))
}

func TestRunInvalidFlags(t *testing.T) {
	assert.Error(t, run([]string{"--retry-rounds", "0"}, &bytes.Buffer{}))
	assert.Error(t, run([]string{"--no-such-flag"}, &bytes.Buffer{}))
	assert.NoError(t, run([]string{"--help"}, &bytes.Buffer{}))
}

// TestPoll tests that the primary loop prints what secondaries send
func TestPoll(t *testing.T) {
	dir, name, primary := startPrimary(t)

	secondary := solo.New(name, solo.WithDir(dir))
	defer secondary.Close()
	require.NoError(t, secondary.ShowInstance())
	_, err := secondary.OpenExternalFiles(context.Background(), []string{"a.txt", "b.txt"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var stdout bytes.Buffer
	require.NoError(t, poll(ctx, primary, 10*time.Millisecond, &stdout))

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	assert.Equal(t, []string{"show", "open a.txt", "open b.txt"}, lines)
}
