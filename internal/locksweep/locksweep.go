// Package locksweep removes stale session lock files left behind by
// gateways that crashed or were killed. It runs on every node that has
// a session directory, without coordinator gating, since locks are
// purely local artifacts.
package locksweep

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
)

const lockSuffix = ".jsonl.lock"

// Options configures the sweeper.
type Options struct {
	Dir      string
	Interval time.Duration
	Stale    time.Duration
}

// Sweeper periodically deletes lock files whose owner process is gone
// or whose mtime is older than the staleness threshold.
type Sweeper struct {
	opts Options
	log  *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// pidAlive is swapped out by tests.
	pidAlive func(pid int) bool
}

// New builds a sweeper over the given session directory.
func New(opts Options, log *logger.Logger) *Sweeper {
	return &Sweeper{
		opts:     opts,
		log:      log.WithFields(zap.String("component", "locksweep"), zap.String("dir", opts.Dir)),
		pidAlive: pidAlive,
	}
}

// Start begins the sweep loop. The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass and returns how many lock files were removed.
func (s *Sweeper) Sweep() int {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Session dir unreadable", zap.Error(err))
		}
		return 0
	}
	removed := 0
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		path := filepath.Join(s.opts.Dir, entry.Name())
		if !s.stale(path, now) {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("Stale lock removal failed", zap.String("lock", entry.Name()), zap.Error(err))
			}
			continue
		}
		s.log.Info("Removed stale session lock", zap.String("lock", entry.Name()))
		removed++
	}
	return removed
}

// stale reports whether a lock file should be removed: its recorded
// owner PID no longer runs, or its mtime exceeds the staleness
// threshold. A lock with an unreadable PID falls back to the mtime
// check alone.
func (s *Sweeper) stale(path string, now time.Time) bool {
	if pid, ok := lockPID(path); ok && !s.pidAlive(pid) {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > s.opts.Stale
}

// lockPID reads the owner PID from a lock file. Locks are written as a
// small JSON object with a "pid" field; a bare decimal PID is accepted
// for older gateways.
func lockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	var rec struct {
		PID int `json:"pid"`
	}
	if err := json.Unmarshal(data, &rec); err == nil && rec.PID > 0 {
		return rec.PID, true
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
		return pid, true
	}
	return 0, false
}

// pidAlive probes a process with signal 0. A permission error still
// means the process exists.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
