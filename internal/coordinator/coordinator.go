// Package coordinator runs the single-writer background sweeps over
// shared state: closed-task retention and SLA breach escalation.
//
// Sweeps run only while this node is the elected coordinator, named by
// the coordination.coordinator field, and only on backbone tier. Every
// sweep gates on its *LastAt key before writing, so two nodes that
// briefly both believe they are the coordinator fire at most one sweep
// per cadence window between them.
package coordinator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/config"
	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

const (
	// DefaultCheckInterval is how often election and sweep due-ness are
	// re-evaluated, independent of change notifications.
	DefaultCheckInterval = 30 * time.Second
	// DefaultRetentionEvery is how often closed-task retention runs.
	DefaultRetentionEvery = 24 * time.Hour
	// DefaultRetentionAge is how long closed tasks are kept.
	DefaultRetentionAge = 7 * 24 * time.Hour
	// DefaultSLAInterval is the SLA sweep cadence.
	DefaultSLAInterval = 300 * time.Second
	// DefaultSLABudget caps escalation messages per sweep.
	DefaultSLABudget = 20
)

// Options configures the coordinator services.
type Options struct {
	NodeID        string
	Tier          string
	CheckInterval time.Duration

	SLAEnabled    bool
	SLAInterval   time.Duration
	SLARecordOnly bool
	SLABudget     int
	SLAFYIAgents  []string
}

// Coordinator watches the election field and runs the sweeps it owns.
type Coordinator struct {
	store *state.Store
	bus   bus.EventBus
	opts  Options
	log   *logger.Logger

	kick        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()

	mu      sync.Mutex
	elected bool
}

// New builds the coordinator services for the local node. The bus may
// be nil.
func New(store *state.Store, eventBus bus.EventBus, opts Options, log *logger.Logger) *Coordinator {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.SLAInterval <= 0 {
		opts.SLAInterval = DefaultSLAInterval
	}
	if opts.SLABudget <= 0 {
		opts.SLABudget = DefaultSLABudget
	}
	return &Coordinator{
		store: store,
		bus:   eventBus,
		opts:  opts,
		log:   log.WithFields(zap.String("component", "coordinator")),
		kick:  make(chan struct{}, 1),
	}
}

// Start claims the coordinator role if vacant, attaches the
// coordination observer, and begins the check loop.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	c.claimIfVacant()
	c.unsubscribe = c.store.Subscribe(func(info crdt.UpdateInfo) {
		if _, ok := info.Changed[schema.MapCoordination]; ok {
			c.Kick()
		}
	})

	go c.run(runCtx)
	c.Kick()
}

// Stop halts the check loop.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	<-c.done
	c.cancel = nil
}

// Kick requests an election re-check and sweep pass. Signals coalesce.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Elected reports whether this node currently holds the coordinator
// role.
func (c *Coordinator) Elected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elected
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.checkAndSweep(ctx)
	}
}

// claimIfVacant writes this node as coordinator when the field is empty
// and this node is backbone. Concurrent claims converge by LWW; the
// loser observes the winner on the next change notification and backs
// off.
func (c *Coordinator) claimIfVacant() {
	if c.opts.Tier != config.TierBackbone {
		return
	}
	err := c.store.Update("coordinator", func(tx *state.Tx) error {
		coord := tx.Map(schema.MapCoordination)
		raw, _ := coord.Get(schema.CoordCoordinator)
		if schema.AsString(raw, "") == "" {
			coord.Set(schema.CoordCoordinator, c.opts.NodeID)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Coordinator claim failed", zap.Error(err))
	}
}

// checkAndSweep re-evaluates election and runs whichever sweeps are
// due. Preference records can move the role: when every node that
// filed a preference names the same desired coordinator, the current
// holder yields to it.
func (c *Coordinator) checkAndSweep(ctx context.Context) {
	elected := c.electionCheck()
	c.mu.Lock()
	changed := elected != c.elected
	c.elected = elected
	c.mu.Unlock()
	if changed {
		if elected {
			c.log.Info("Elected coordinator", zap.String("node", c.opts.NodeID))
		} else {
			c.log.Info("Coordinator role ceded", zap.String("node", c.opts.NodeID))
		}
	}
	if !elected {
		return
	}
	c.RunRetention(ctx)
	if c.opts.SLAEnabled {
		c.RunSLA(ctx)
	}
}

func (c *Coordinator) electionCheck() bool {
	if c.opts.Tier != config.TierBackbone {
		return false
	}
	holder := ""
	desired := ""
	unanimous := true
	c.store.View(func(v *state.View) {
		coord := v.Map(schema.MapCoordination)
		raw, _ := coord.Get(schema.CoordCoordinator)
		holder = schema.AsString(raw, "")
		for _, key := range coord.Keys() {
			if len(key) <= 5 || key[:5] != "pref:" {
				continue
			}
			val, _ := coord.Get(key)
			rec, ok := val.(map[string]any)
			if !ok {
				continue
			}
			want := schema.AsString(rec["desiredCoordinator"], "")
			if want == "" {
				continue
			}
			if desired == "" {
				desired = want
			} else if desired != want {
				unanimous = false
			}
		}
	})
	if holder == c.opts.NodeID && unanimous && desired != "" && desired != c.opts.NodeID {
		err := c.store.Update("coordinator", func(tx *state.Tx) error {
			tx.Map(schema.MapCoordination).Set(schema.CoordCoordinator, desired)
			return nil
		})
		if err != nil {
			c.log.Warn("Coordinator handoff failed", zap.Error(err))
		}
		return false
	}
	return holder == c.opts.NodeID
}

// coordSeconds reads a numeric coordination value as a duration,
// falling back when unset or non-positive.
func coordSeconds(coord *crdt.Map, key string, fallback time.Duration) time.Duration {
	raw, _ := coord.Get(key)
	secs := schema.AsInt64(raw, 0)
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}
