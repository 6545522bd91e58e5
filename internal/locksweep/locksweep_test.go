package locksweep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ansible-dev/ansible/internal/common/logger"
)

func newSweeper(t *testing.T, dir string, stale time.Duration) *Sweeper {
	t.Helper()
	s := New(Options{Dir: dir, Interval: time.Hour, Stale: stale}, logger.NewNop())
	s.pidAlive = func(int) bool { return true }
	return s
}

func writeLock(t *testing.T, dir, name, content string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if age > 0 {
		old := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, old, old))
	}
	return path
}

func TestSweepRemovesDeadOwnerLocks(t *testing.T) {
	dir := t.TempDir()
	s := newSweeper(t, dir, time.Hour)
	s.pidAlive = func(pid int) bool { return pid != 4242 }

	dead := writeLock(t, dir, "session-a.jsonl.lock", `{"pid":4242}`, 0)
	live := writeLock(t, dir, "session-b.jsonl.lock", `{"pid":1}`, 0)

	assert.Equal(t, 1, s.Sweep())
	assert.NoFileExists(t, dead)
	assert.FileExists(t, live)
}

func TestSweepRemovesOldLocks(t *testing.T) {
	dir := t.TempDir()
	s := newSweeper(t, dir, 30*time.Minute)

	old := writeLock(t, dir, "session-a.jsonl.lock", `{"pid":1}`, time.Hour)
	fresh := writeLock(t, dir, "session-b.jsonl.lock", `{"pid":1}`, time.Minute)

	assert.Equal(t, 1, s.Sweep())
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestSweepAcceptsBarePIDLocks(t *testing.T) {
	dir := t.TempDir()
	s := newSweeper(t, dir, time.Hour)
	s.pidAlive = func(int) bool { return false }

	bare := writeLock(t, dir, "session-a.jsonl.lock", "4242\n", 0)
	assert.Equal(t, 1, s.Sweep())
	assert.NoFileExists(t, bare)
}

func TestSweepIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	s := newSweeper(t, dir, time.Minute)

	session := writeLock(t, dir, "session-a.jsonl", "{}", time.Hour)
	assert.Equal(t, 0, s.Sweep())
	assert.FileExists(t, session)
}

func TestSweepUnreadablePIDFallsBackToMtime(t *testing.T) {
	dir := t.TempDir()
	s := newSweeper(t, dir, 30*time.Minute)
	s.pidAlive = func(int) bool { return false }

	garbled := writeLock(t, dir, "session-a.jsonl.lock", "not a pid", time.Minute)
	assert.Equal(t, 0, s.Sweep(), "unreadable PID plus fresh mtime keeps the lock")

	old := writeLock(t, dir, "session-b.jsonl.lock", "not a pid", time.Hour)
	assert.Equal(t, 1, s.Sweep())
	assert.NoFileExists(t, old)
	assert.FileExists(t, garbled)
}

func TestSweepMissingDirIsQuiet(t *testing.T) {
	s := newSweeper(t, filepath.Join(t.TempDir(), "absent"), time.Hour)
	assert.Equal(t, 0, s.Sweep())
}

func TestSweeperLoop(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Dir: dir, Interval: 10 * time.Millisecond, Stale: time.Hour}, logger.NewNop())
	s.pidAlive = func(int) bool { return false }

	s.Start(context.Background())
	defer s.Stop()

	path := writeLock(t, dir, "session-a.jsonl.lock", `{"pid":4242}`, 0)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
}
