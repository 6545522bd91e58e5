// Package dispatch delivers inbound messages and assigned tasks to the
// host agent runtime, at most once per (item, receiver) success.
//
// There is no per-event delivery path. Document observers, the synced
// event, and fired retry timers all enqueue the same reconcile, which
// re-derives the eligible set from current state and dispatches in a
// deterministic order. Retries are therefore re-evaluations, not
// replays: a message claimed elsewhere or already delivered simply
// drops out of the next cycle.
package dispatch

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ansible-dev/ansible/internal/common/logger"
	"github.com/ansible-dev/ansible/internal/crdt"
	"github.com/ansible-dev/ansible/internal/events"
	"github.com/ansible-dev/ansible/internal/events/bus"
	"github.com/ansible-dev/ansible/internal/schema"
	"github.com/ansible-dev/ansible/internal/state"
)

const (
	// DefaultMaxAttempts is the per-(item, receiver) delivery cap;
	// past it the item is dropped permanently for that receiver.
	DefaultMaxAttempts = 15
	// DefaultRetryBase is the first retry delay.
	DefaultRetryBase = 2 * time.Second
	// DefaultRetryCap bounds exponential growth.
	DefaultRetryCap = 5 * time.Minute
	// DefaultRetryFloor is the minimum delay after jitter.
	DefaultRetryFloor = 250 * time.Millisecond
)

const (
	kindMessage = "msg"
	kindTask    = "task"
)

// Options tunes the dispatcher. Zero values take the defaults.
type Options struct {
	NodeID      string
	MaxAttempts int
	RetryBase   time.Duration
	RetryCap    time.Duration
	RetryFloor  time.Duration
}

// Dispatcher watches the document and pushes eligible items into the
// host agent runtime.
type Dispatcher struct {
	store   *state.Store
	bus     bus.EventBus
	runtime AgentRuntime
	opts    Options
	log     *logger.Logger

	kick        chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	busSub      bus.Subscription

	mu       sync.Mutex
	inFlight map[string]bool
	retries  map[string]*time.Timer
	dropped  map[string]bool
}

// NewDispatcher builds a dispatcher. The bus may be nil; the runtime
// must not be.
func NewDispatcher(store *state.Store, eventBus bus.EventBus, runtime AgentRuntime, opts Options, log *logger.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = DefaultRetryCap
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = DefaultRetryFloor
	}
	return &Dispatcher{
		store:    store,
		bus:      eventBus,
		runtime:  runtime,
		opts:     opts,
		log:      log.WithFields(zap.String("component", "dispatch")),
		kick:     make(chan struct{}, 1),
		inFlight: make(map[string]bool),
		retries:  make(map[string]*time.Timer),
		dropped:  make(map[string]bool),
	}
}

// Start attaches the observers and runs an initial reconcile, which
// covers the restart and reconnect cases.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.unsubscribe = d.store.Subscribe(func(info crdt.UpdateInfo) {
		if _, ok := info.Changed[schema.MapMessages]; ok {
			d.Kick()
			return
		}
		if _, ok := info.Changed[schema.MapTasks]; ok {
			d.Kick()
		}
	})
	if d.bus != nil {
		sub, err := d.bus.Subscribe(events.SyncReady, func(ctx context.Context, _ *bus.Event) error {
			d.Kick()
			return nil
		})
		if err != nil {
			d.log.Warn("Failed to subscribe to sync events", zap.Error(err))
		} else {
			d.busSub = sub
		}
	}

	go d.run(runCtx)
	d.Kick()
}

// Stop cancels timers and the reconcile loop. An in-flight runtime call
// is abandoned through context cancellation; the next start reconciles.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	if d.busSub != nil {
		_ = d.busSub.Unsubscribe()
		d.busSub = nil
	}
	d.mu.Lock()
	for key, timer := range d.retries {
		timer.Stop()
		delete(d.retries, key)
	}
	d.mu.Unlock()
	<-d.done
	d.cancel = nil
}

// Kick enqueues a reconcile. Signals coalesce: at most one reconcile
// is pending while another runs, and it observes all state written
// before it fires.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			d.reconcile(ctx)
		}
	}
}

type item struct {
	kind     string
	id       string
	receiver string
	orderKey int64
}

func (it item) key() string { return it.kind + ":" + it.id + ":" + it.receiver }

func (d *Dispatcher) reconcile(ctx context.Context) {
	receivers := d.localReceivers()
	if len(receivers) == 0 {
		return
	}
	for _, it := range d.collect(receivers) {
		if ctx.Err() != nil {
			return
		}
		d.dispatch(ctx, it)
	}
}

// localReceivers is this node's id plus every internal agent gatewayed
// here, sorted for deterministic iteration.
func (d *Dispatcher) localReceivers() []string {
	seen := map[string]bool{d.opts.NodeID: true}
	out := []string{d.opts.NodeID}
	d.store.View(func(v *state.View) {
		for _, entry := range v.Map(schema.MapAgents).Entries() {
			rec, err := schema.AgentFromValue(entry.Value)
			if err != nil || !rec.HostedOn(d.opts.NodeID) {
				continue
			}
			if !seen[entry.Key] {
				seen[entry.Key] = true
				out = append(out, entry.Key)
			}
		}
	})
	sort.Strings(out)
	return out
}

// collect selects the eligible (item, receiver) pairs from a snapshot
// view: messages by (timestamp, id), then tasks by (createdAt, id).
func (d *Dispatcher) collect(receivers []string) []item {
	var msgs, tasks []item
	liveMsgs := map[string]bool{}
	liveTasks := map[string]bool{}
	d.store.View(func(v *state.View) {
		skills := map[string]*schema.NodeContext{}
		for _, entry := range v.Map(schema.MapNodeContext).Entries() {
			if c, err := schema.ContextFromValue(entry.Value); err == nil {
				skills[entry.Key] = c
			}
		}

		for _, entry := range v.Map(schema.MapMessages).Entries() {
			liveMsgs[entry.Key] = true
			m, err := schema.MessageFromValue(entry.Value)
			if err != nil {
				continue
			}
			for _, r := range receivers {
				if !messageEligible(m, r) {
					continue
				}
				if d.guarded(kindMessage, entry.Key, r, m.Delivery[r].Attempts) {
					continue
				}
				msgs = append(msgs, item{kindMessage, entry.Key, r, m.Timestamp})
			}
		}

		for _, entry := range v.Map(schema.MapTasks).Entries() {
			liveTasks[entry.Key] = true
			t, err := schema.TaskFromValue(entry.Value)
			if err != nil {
				continue
			}
			for _, r := range receivers {
				if !taskEligible(t, r, skills[r]) {
					continue
				}
				if d.guarded(kindTask, entry.Key, r, t.Delivery[r].Attempts) {
					continue
				}
				tasks = append(tasks, item{kindTask, entry.Key, r, t.CreatedAt})
			}
		}
	})

	byOrder := func(items []item) func(i, j int) bool {
		return func(i, j int) bool {
			if items[i].orderKey != items[j].orderKey {
				return items[i].orderKey < items[j].orderKey
			}
			if items[i].id != items[j].id {
				return items[i].id < items[j].id
			}
			return items[i].receiver < items[j].receiver
		}
	}
	sort.Slice(msgs, byOrder(msgs))
	sort.Slice(tasks, byOrder(tasks))
	d.pruneDropped(liveMsgs, liveTasks)
	return append(msgs, tasks...)
}

// pruneDropped forgets dropped entries whose item left the document, so
// the log-once ledger stays bounded by the live item count.
func (d *Dispatcher) pruneDropped(liveMsgs, liveTasks map[string]bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.dropped {
		kind, rest, ok := strings.Cut(key, ":")
		if !ok {
			delete(d.dropped, key)
			continue
		}
		id, _, _ := strings.Cut(rest, ":")
		live := false
		switch kind {
		case kindMessage:
			live = liveMsgs[id]
		case kindTask:
			live = liveTasks[id]
		}
		if !live {
			delete(d.dropped, key)
		}
	}
}

func messageEligible(m *schema.Message, r string) bool {
	if m.FromAgent == r {
		return false
	}
	if !m.AddressedTo(r) {
		return false
	}
	return !m.DeliveredTo(r)
}

func taskEligible(t *schema.Task, r string, ctx *schema.NodeContext) bool {
	if !t.AssignedTo(r) {
		return false
	}
	switch t.Status {
	case schema.TaskStatusPending, schema.TaskStatusClaimed, schema.TaskStatusInProgress:
	default:
		return false
	}
	if t.ClaimedByAgent != "" && t.ClaimedByAgent != r {
		return false
	}
	if t.CreatedByAgent == r {
		return false
	}
	if t.SkillRequired != "" && (ctx == nil || !ctx.HasSkill(t.SkillRequired)) {
		return false
	}
	return !t.DeliveredTo(r)
}

// guarded applies the attempts cap and the in-flight/scheduled-retry
// guards. Cap hits are dropped permanently with one warning.
func (d *Dispatcher) guarded(kind, id, r string, attempts int) bool {
	key := kind + ":" + id + ":" + r
	if attempts >= d.opts.MaxAttempts {
		d.markDropped(key, kind, id, r, attempts)
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[key] || d.retries[key] != nil
}

func (d *Dispatcher) markDropped(key, kind, id, r string, attempts int) {
	d.mu.Lock()
	already := d.dropped[key]
	d.dropped[key] = true
	d.mu.Unlock()
	if already {
		return
	}
	d.log.Warn("Dropping delivery after attempts cap",
		zap.String("kind", kind),
		zap.String("id", id),
		zap.String("receiver", r),
		zap.Int("attempts", attempts))
	d.publishEvent(events.DispatchDropped, kind, id, r, attempts, "")
}

func (d *Dispatcher) dispatch(ctx context.Context, it item) {
	key := it.key()
	d.mu.Lock()
	if d.inFlight[key] || d.retries[key] != nil {
		d.mu.Unlock()
		return
	}
	d.inFlight[key] = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inFlight, key)
		d.mu.Unlock()
	}()

	env, attempts, ok := d.markAttempted(it)
	if !ok {
		return
	}
	reply, err := d.runtime.Deliver(ctx, env)
	if err != nil {
		d.markFailed(it, attempts, err)
		d.scheduleRetry(key, attempts)
		d.publishEvent(events.DispatchFailed, it.kind, it.id, it.receiver, attempts, err.Error())
		d.log.Warn("Delivery failed",
			zap.String("key", key),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}
	d.markDelivered(it, attempts)
	d.publishEvent(events.DispatchDelivered, it.kind, it.id, it.receiver, attempts, "")
	d.log.Info("Delivered",
		zap.String("key", key),
		zap.Int("attempts", attempts))
	if it.kind == kindMessage {
		d.publishReply(it, reply)
	}
}

// markAttempted re-validates the item against fresh state and stamps
// delivery[r] attempted with the bumped attempt count. Returns the
// envelope built from that same fresh read.
func (d *Dispatcher) markAttempted(it item) (Envelope, int, bool) {
	var (
		env      Envelope
		attempts int
		proceed  bool
	)
	now := schema.NowMillis()
	err := d.store.Update("dispatch", func(tx *state.Tx) error {
		switch it.kind {
		case kindMessage:
			messages := tx.Map(schema.MapMessages)
			raw, ok := messages.Get(it.id)
			if !ok {
				return nil
			}
			m, err := schema.MessageFromValue(raw)
			if err != nil {
				return nil
			}
			if !messageEligible(m, it.receiver) {
				return nil
			}
			attempts = m.Delivery[it.receiver].Attempts + 1
			if attempts > d.opts.MaxAttempts {
				return nil
			}
			setDelivery(messages, it.id, m.Delivery, it.receiver, schema.DeliveryRecord{
				State:    schema.DeliveryAttempted,
				At:       now,
				By:       d.opts.NodeID,
				Attempts: attempts,
			})
			env = messageEnvelope(it.id, m, it.receiver, attempts)
			proceed = true
		case kindTask:
			tasks := tx.Map(schema.MapTasks)
			raw, ok := tasks.Get(it.id)
			if !ok {
				return nil
			}
			t, err := schema.TaskFromValue(raw)
			if err != nil {
				return nil
			}
			var rctx *schema.NodeContext
			if ctxRaw, ok := tx.Map(schema.MapNodeContext).Get(it.receiver); ok {
				rctx, _ = schema.ContextFromValue(ctxRaw)
			}
			if !taskEligible(t, it.receiver, rctx) {
				return nil
			}
			attempts = t.Delivery[it.receiver].Attempts + 1
			if attempts > d.opts.MaxAttempts {
				return nil
			}
			setDelivery(tasks, it.id, t.Delivery, it.receiver, schema.DeliveryRecord{
				State:    schema.DeliveryAttempted,
				At:       now,
				By:       d.opts.NodeID,
				Attempts: attempts,
			})
			env = taskEnvelope(it.id, t, it.receiver, attempts)
			proceed = true
		}
		return nil
	})
	if err != nil {
		d.log.Warn("Attempt mark failed", zap.String("key", it.key()), zap.Error(err))
		return Envelope{}, 0, false
	}
	return env, attempts, proceed
}

// markDelivered stamps delivery[r] delivered, preserving the attempt
// count, and unions the receiver into readBy_agents for messages.
func (d *Dispatcher) markDelivered(it item, attempts int) {
	now := schema.NowMillis()
	err := d.store.Update("dispatch", func(tx *state.Tx) error {
		rec := schema.DeliveryRecord{
			State:    schema.DeliveryDelivered,
			At:       now,
			By:       d.opts.NodeID,
			Attempts: attempts,
		}
		switch it.kind {
		case kindMessage:
			messages := tx.Map(schema.MapMessages)
			raw, ok := messages.Get(it.id)
			if !ok {
				return nil
			}
			m, err := schema.MessageFromValue(raw)
			if err != nil {
				return nil
			}
			setDelivery(messages, it.id, m.Delivery, it.receiver, rec)
			if m.MarkRead(it.receiver) {
				messages.SetField(it.id, "readBy_agents", m.ReadByAgents)
			}
		case kindTask:
			tasks := tx.Map(schema.MapTasks)
			raw, ok := tasks.Get(it.id)
			if !ok {
				return nil
			}
			t, err := schema.TaskFromValue(raw)
			if err != nil {
				return nil
			}
			setDelivery(tasks, it.id, t.Delivery, it.receiver, rec)
		}
		return nil
	})
	if err != nil {
		d.log.Warn("Delivered mark failed", zap.String("key", it.key()), zap.Error(err))
	}
}

func (d *Dispatcher) markFailed(it item, attempts int, cause error) {
	now := schema.NowMillis()
	rec := schema.DeliveryRecord{
		State:     schema.DeliveryAttempted,
		At:        now,
		By:        d.opts.NodeID,
		Attempts:  attempts,
		LastError: cause.Error(),
	}
	err := d.store.Update("dispatch", func(tx *state.Tx) error {
		switch it.kind {
		case kindMessage:
			messages := tx.Map(schema.MapMessages)
			raw, ok := messages.Get(it.id)
			if !ok {
				return nil
			}
			m, err := schema.MessageFromValue(raw)
			if err != nil {
				return nil
			}
			setDelivery(messages, it.id, m.Delivery, it.receiver, rec)
		case kindTask:
			tasks := tx.Map(schema.MapTasks)
			raw, ok := tasks.Get(it.id)
			if !ok {
				return nil
			}
			t, err := schema.TaskFromValue(raw)
			if err != nil {
				return nil
			}
			setDelivery(tasks, it.id, t.Delivery, it.receiver, rec)
		}
		return nil
	})
	if err != nil {
		d.log.Warn("Failure mark failed", zap.String("key", it.key()), zap.Error(err))
	}
}

// setDelivery writes the full delivery map as one field so concurrent
// claim or status writes on other nodes survive the merge.
func setDelivery(m *crdt.Map, id string, current map[string]schema.DeliveryRecord, receiver string, rec schema.DeliveryRecord) {
	out := make(map[string]any, len(current)+1)
	for k, v := range current {
		out[k] = schema.ToRecord(v)
	}
	out[receiver] = schema.ToRecord(rec)
	m.SetField(id, "delivery", out)
}

// scheduleRetry arms the (kind,id,receiver) timer. A fired timer only
// enqueues a reconcile; eligibility and order are re-derived there.
func (d *Dispatcher) scheduleRetry(key string, attempts int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.retries[key] != nil {
		return
	}
	delay := d.backoff(attempts)
	d.retries[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.retries, key)
		d.mu.Unlock()
		d.Kick()
	})
	d.log.Debug("Retry scheduled",
		zap.String("key", key),
		zap.Duration("delay", delay))
}

// backoff is exponential from base with factor 2, capped, jittered
// ±20%, floored.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.opts.RetryBase
	for i := 1; i < attempts && delay < d.opts.RetryCap; i++ {
		delay *= 2
	}
	if delay > d.opts.RetryCap {
		delay = d.opts.RetryCap
	}
	jittered := time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
	if jittered < d.opts.RetryFloor {
		jittered = d.opts.RetryFloor
	}
	return jittered
}

// publishReply turns a non-empty runtime reply into a message back to
// the original sender, unless it reads like an error transcript.
func (d *Dispatcher) publishReply(it item, reply Reply) {
	if reply.Text == "" {
		return
	}
	if looksLikeErrorTranscript(reply.Text) {
		d.log.Warn("Suppressing error-transcript reply",
			zap.String("message_id", it.id),
			zap.String("receiver", it.receiver))
		return
	}
	now := schema.NowMillis()
	err := d.store.Update("dispatch", func(tx *state.Tx) error {
		messages := tx.Map(schema.MapMessages)
		raw, ok := messages.Get(it.id)
		if !ok {
			return nil
		}
		orig, err := schema.MessageFromValue(raw)
		if err != nil {
			return nil
		}
		id := schema.NewID()
		messages.Set(id, schema.ToRecord(&schema.Message{
			ID:           id,
			FromAgent:    it.receiver,
			FromNode:     d.opts.NodeID,
			ToAgents:     []string{orig.FromAgent},
			Content:      reply.Text,
			Timestamp:    now,
			ReadByAgents: []string{it.receiver},
			Metadata:     map[string]any{"corr": correlationID(orig.Metadata, it.id)},
		}))
		return nil
	})
	if err != nil {
		d.log.Warn("Reply publication failed", zap.Error(err))
	}
}

func (d *Dispatcher) publishEvent(eventType, kind, id, receiver string, attempts int, errText string) {
	if d.bus == nil {
		return
	}
	data := map[string]interface{}{
		"kind":     kind,
		"id":       id,
		"receiver": receiver,
		"attempts": attempts,
	}
	if errText != "" {
		data["error"] = errText
	}
	event := bus.NewEvent(eventType, d.opts.NodeID, data)
	if err := d.bus.Publish(context.Background(), eventType+"."+receiver, event); err != nil {
		d.log.Debug("Event publish failed", zap.Error(err))
	}
}
