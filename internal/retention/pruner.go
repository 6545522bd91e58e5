// Package retention prunes old read messages from the local replica.
//
// Pruning runs on every node, unforced: deletes converge through the
// document merge, so two nodes pruning the same message is harmless.
// Unread messages are never deleted, whatever their age.
package retention

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

const (
	// DefaultInterval is the pruning cadence.
	DefaultInterval = 60 * time.Second
	// DefaultInitialDelay is how long after start the first prune runs.
	DefaultInitialDelay = 5 * time.Second
	// DefaultMaxAge is how long read messages are kept.
	DefaultMaxAge = 24 * time.Hour
	// DefaultMaxMessages caps the total message count; the newest
	// survive, but only read messages are eligible for trimming.
	DefaultMaxMessages = 50
)

// Options configures a Pruner. Zero values take the defaults.
type Options struct {
	Interval     time.Duration
	InitialDelay time.Duration
	MaxAge       time.Duration
	MaxMessages  int
}

// Pruner deletes read messages past their age or count bound.
type Pruner struct {
	store *state.Store
	bus   bus.EventBus
	opts  Options
	log   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruner builds the local message pruner. The bus may be nil.
func NewPruner(store *state.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Pruner {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	return &Pruner{
		store: store,
		bus:   eventBus,
		opts:  opts,
		log:   log.WithFields(zap.String("component", "retention")),
	}
}

// Start begins the prune loop: one run after the initial delay, then
// on every interval tick.
func (p *Pruner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
}

// Stop cancels the loop and waits for it to exit.
func (p *Pruner) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.done)
	delay := time.NewTimer(p.opts.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}
	p.pruneAndReport(ctx)

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pruneAndReport(ctx)
		}
	}
}

func (p *Pruner) pruneAndReport(ctx context.Context) {
	deleted, err := p.Prune()
	if err != nil {
		p.log.Warn("Message prune failed", zap.Error(err))
		return
	}
	if deleted == 0 {
		return
	}
	p.log.Info("Pruned messages", zap.Int("deleted", deleted))
	if p.bus == nil {
		return
	}
	event := bus.NewEvent(events.RetentionSwept, p.store.ReplicaID(), map[string]interface{}{
		"kind":    "messages",
		"deleted": deleted,
	})
	if err := p.bus.Publish(ctx, events.RetentionSwept, event); err != nil {
		p.log.Warn("Failed to publish sweep event", zap.Error(err))
	}
}

type candidate struct {
	id        string
	timestamp int64
	read      bool
}

// Prune runs one pass: age-expire read messages, then trim the oldest
// read messages until the total fits the cap. Returns how many were
// deleted.
func (p *Pruner) Prune() (int, error) {
	now := schema.NowMillis()
	cutoff := now - p.opts.MaxAge.Milliseconds()
	deleted := 0
	err := p.store.Update("retention", func(tx *state.Tx) error {
		messages := tx.Map(schema.MapMessages)
		var all []candidate
		for _, entry := range messages.Entries() {
			msg, err := schema.MessageFromValue(entry.Value)
			if err != nil {
				continue
			}
			all = append(all, candidate{
				id:        entry.Key,
				timestamp: msg.Timestamp,
				read:      len(msg.ReadByAgents) > 0,
			})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].timestamp != all[j].timestamp {
				return all[i].timestamp < all[j].timestamp
			}
			return all[i].id < all[j].id
		})

		remaining := len(all)
		kept := all[:0]
		for _, c := range all {
			if c.read && c.timestamp < cutoff {
				messages.Delete(c.id)
				deleted++
				remaining--
				continue
			}
			kept = append(kept, c)
		}

		// Trim oldest read messages while over the cap. Unread ones
		// are skipped, so an unread backlog can exceed the cap.
		for _, c := range kept {
			if remaining <= p.opts.MaxMessages {
				break
			}
			if !c.read {
				continue
			}
			messages.Delete(c.id)
			deleted++
			remaining--
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}
