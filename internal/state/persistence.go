package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
)

const (
	// StateFileName is the single snapshot file under the state dir.
	StateFileName = "ansible-state.bin"
	// MaxStateBytes caps snapshot size on both read and write.
	MaxStateBytes = int64(50 << 20)

	defaultSaveDebounce = 5 * time.Second
)

// Persister loads the snapshot at startup and writes a compacted
// snapshot after every document change, debounced. Write failures are
// logged and never crash the service.
type Persister struct {
	store *Store
	log   *logger.Logger

	dir  string
	path string

	maxBytes int64
	debounce time.Duration

	mu          sync.Mutex
	timer       *time.Timer
	unsubscribe func()

	saveMu sync.Mutex
}

// NewPersister resolves and creates the state directory and verifies
// the snapshot path stays inside it.
func NewPersister(store *Store, stateDir string, log *logger.Logger) (*Persister, error) {
	dir, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, apperrors.PersistFailed("resolve state dir", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apperrors.PersistFailed("create state dir", err)
	}
	p := &Persister{
		store:    store,
		log:      log,
		dir:      dir,
		path:     filepath.Join(dir, StateFileName),
		maxBytes: MaxStateBytes,
		debounce: defaultSaveDebounce,
	}
	if err := p.checkPath(p.path); err != nil {
		return nil, err
	}
	return p, nil
}

// checkPath rejects any write target that resolves outside the state
// directory.
func (p *Persister) checkPath(path string) error {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return apperrors.PathTraversal(path)
	}
	if resolved != p.dir && !strings.HasPrefix(resolved, p.dir+string(filepath.Separator)) {
		return apperrors.PathTraversal(path)
	}
	return nil
}

// Load reads the persisted snapshot into the store. A missing file is a
// clean first start; an oversized file is refused.
func (p *Persister) Load() error {
	info, err := os.Stat(p.path)
	if os.IsNotExist(err) {
		p.log.Info("no persisted state, starting fresh", zap.String("path", p.path))
		return nil
	}
	if err != nil {
		return apperrors.PersistFailed("stat state file", err)
	}
	if info.Size() > p.maxBytes {
		return apperrors.StateTooLarge(info.Size(), p.maxBytes)
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return apperrors.PersistFailed("read state file", err)
	}
	snap, err := crdt.DecodeSnapshot(data)
	if err != nil {
		return apperrors.PersistFailed("decode state file", err)
	}
	p.store.LoadSnapshot(snap)
	p.log.Info("loaded persisted state", zap.String("path", p.path), zap.Int64("bytes", info.Size()))
	return nil
}

// Start subscribes to document updates and schedules debounced saves.
func (p *Persister) Start() {
	p.unsubscribe = p.store.Subscribe(func(crdt.UpdateInfo) {
		p.schedule()
	})
}

func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Reset(p.debounce)
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.timer = nil
		p.mu.Unlock()
		if err := p.SaveNow(); err != nil {
			p.log.WithError(err).Error("state snapshot write failed")
		}
	})
}

// SaveNow writes the compacted snapshot atomically: re-encoding from
// visible state sheds tombstones, and temp-write plus rename keeps the
// previous snapshot intact on failure.
func (p *Persister) SaveNow() error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	data, err := p.store.CompactSnapshot().Encode()
	if err != nil {
		return apperrors.PersistFailed("encode snapshot", err)
	}
	if int64(len(data)) > p.maxBytes {
		return apperrors.StateTooLarge(int64(len(data)), p.maxBytes)
	}

	tmp := p.path + ".tmp"
	if err := p.checkPath(tmp); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.PersistFailed("write snapshot", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return apperrors.PersistFailed("rename snapshot", err)
	}
	p.log.Debug("state snapshot written", zap.Int("bytes", len(data)))
	return nil
}

// Stop cancels pending saves, unsubscribes, and writes a final
// snapshot.
func (p *Persister) Stop() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
		p.unsubscribe = nil
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.SaveNow()
}
