package dispatch

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/model"
	"github.com/driftwatch/driftwatch/internal/store"
)

// DeliveryRecord is the observable result of one event's delivery round,
// handed to the configured sink for metrics.
type DeliveryRecord struct {
	EventID     string
	EventType   model.EventType
	Subscribers int
	Failed      int
	DurationNs  int64
	DeadLetter  bool
}

// DeliverySink receives completed delivery records. Implementations must
// not block.
type DeliverySink interface {
	RecordDelivery(rec DeliveryRecord)
}

// Config holds the dispatcher's startup settings. Zero fields fall back to
// conservative defaults.
type Config struct {
	Workers       int
	BatchSize     int
	SweepInterval time.Duration
	LeaseDuration time.Duration
	Debug         bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	return c
}

// Dispatcher drains the outbox to subscribers. Claimed events are sharded
// onto workers by (source, listing_id), so one listing's events always flow
// through the same worker in claim order; the claim query itself refuses to
// hand out an event while an earlier one for the same listing is undelivered,
// which holds per-listing order across sweeps and restarts too.
type Dispatcher struct {
	store      *store.StoreEngine
	sender     Sender
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]
	sink       DeliverySink
	cfg        Config

	shards []chan model.ChangeEvent

	stopCh chan struct{}
	wg     sync.WaitGroup

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	inFlight atomic.Int64
}

// New creates a Dispatcher. sink may be nil.
func New(
	st *store.StoreEngine,
	sender Sender,
	runtimeCfg *atomic.Pointer[config.RuntimeConfig],
	sink DeliverySink,
	cfg Config,
) *Dispatcher {
	if st == nil || sender == nil || runtimeCfg == nil {
		panic("dispatch: New requires store, sender, and runtime config")
	}
	cfg = cfg.withDefaults()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      st,
		sender:     sender,
		runtimeCfg: runtimeCfg,
		sink:       sink,
		cfg:        cfg,
		shards:     make([]chan model.ChangeEvent, cfg.Workers),
		stopCh:     make(chan struct{}),
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	for i := range d.shards {
		d.shards[i] = make(chan model.ChangeEvent, cfg.BatchSize)
	}
	return d
}

// Start launches the claim sweep and the delivery workers.
func (d *Dispatcher) Start() {
	for i := range d.shards {
		d.wg.Add(1)
		go func(shard chan model.ChangeEvent) {
			defer d.wg.Done()
			for ev := range shard {
				d.deliver(ev)
			}
		}(d.shards[i])
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				for _, shard := range d.shards {
					close(shard)
				}
				return
			case <-ticker.C:
				d.sweep()
			}
		}
	}()
}

// Stop halts the sweep, lets the workers finish their queued deliveries,
// then cancels any still-blocked sends. Undelivered claims expire their
// lease and are reclaimed on the next start.
func (d *Dispatcher) Stop() {
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("[dispatch] drain deadline reached, abandoning in-flight deliveries")
		d.lifeCancel()
		<-done
	}
	d.lifeCancel()
}

// InFlight returns the number of events currently queued or delivering.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

// sweep is one dispatcher pass: release retry-eligible failures, then claim
// and shard a batch of pending events.
func (d *Dispatcher) sweep() {
	now := time.Now()
	maxRetries := d.maxRetries()

	d.releaseRetryable(now, maxRetries)

	events, err := d.store.ClaimPendingEvents(d.cfg.BatchSize, d.cfg.LeaseDuration, now, maxRetries)
	if err != nil {
		log.Printf("[dispatch] claim events: %v", err)
		return
	}
	for _, ev := range events {
		d.inFlight.Add(1)
		d.shards[shardFor(&ev, len(d.shards))] <- ev
	}
	if d.cfg.Debug && len(events) > 0 {
		log.Printf("[dispatch] claimed %d events", len(events))
	}
}

// releaseRetryable flips FAILED events whose backoff elapsed back to
// PENDING. Events at or past the retry budget stay FAILED as dead letters
// until an operator requeues them.
func (d *Dispatcher) releaseRetryable(now time.Time, maxRetries int) {
	failed, err := d.store.ListEvents(store.EventFilter{Status: model.EventFailed, Limit: d.cfg.BatchSize * 4})
	if err != nil {
		log.Printf("[dispatch] list failed events: %v", err)
		return
	}
	for i := range failed {
		ev := &failed[i]
		if ev.RetryCount >= maxRetries {
			continue // dead letter
		}
		if now.Sub(time.Unix(0, ev.LastRetryAtNs)) < retryDelay(ev.RetryCount) {
			continue
		}
		if err := d.store.ReleaseFailedEvent(ev.EventID); err != nil && err != store.ErrNotFound {
			log.Printf("[dispatch] release event %s: %v", ev.EventID, err)
		}
	}
}

// shardFor maps an event to a worker. All events for one listing hash to
// the same shard.
func shardFor(ev *model.ChangeEvent, shards int) int {
	return int(xxh3.HashString(ev.Source+"\x00"+ev.ListingID) % uint64(shards))
}

// deliver fans one claimed event out to every enabled subscriber and
// records the outcome on the outbox row. Delivery is at-least-once: a crash
// between a successful POST and CompleteEvent redelivers after the lease
// expires, so subscribers deduplicate on eventId.
func (d *Dispatcher) deliver(ev model.ChangeEvent) {
	defer d.inFlight.Add(-1)
	started := time.Now()

	subs, err := d.store.ListSubscribers()
	if err != nil {
		// Leave the outbox row untouched: the claim lease expires and the
		// event is reclaimed on a later sweep. Completing here would mark
		// it PROCESSED with zero delivery attempts.
		log.Printf("[dispatch] list subscribers: %v", err)
		return
	}

	var attempted, failed int
	for i := range subs {
		sub := &subs[i]
		if !sub.Enabled {
			continue
		}
		if sub.Type != model.SubscriberWebhook {
			// Only webhook delivery is wired; other channels are registered
			// but not served yet.
			if d.cfg.Debug {
				log.Printf("[dispatch] skipping %s subscriber %s for event %s", sub.Type, sub.ID, ev.EventID)
			}
			continue
		}
		attempted++
		if err := d.sender.Send(d.lifeCtx, sub, &ev); err != nil {
			failed++
			log.Printf("[dispatch] %v", err)
		}
	}

	d.complete(ev, attempted, failed, started)
}

// complete records the delivery round on the outbox row and emits the
// delivery record.
func (d *Dispatcher) complete(ev model.ChangeEvent, attempted, failed int, started time.Time) {
	now := time.Now()
	deadLetter := false

	if failed > 0 {
		// A partial failure retries the whole event; redeliveries to the
		// subscribers that already succeeded are covered by at-least-once.
		if err := d.store.CompleteEvent(ev.EventID, model.EventFailed, true, now); err != nil {
			log.Printf("[dispatch] mark event %s failed: %v", ev.EventID, err)
		}
		if ev.RetryCount+1 >= d.maxRetries() {
			deadLetter = true
			log.Printf("[dispatch] event %s dead-lettered after %d retries (listing %s/%s)",
				ev.EventID, ev.RetryCount+1, ev.Source, ev.ListingID)
		}
	} else {
		if err := d.store.CompleteEvent(ev.EventID, model.EventProcessed, false, now); err != nil {
			log.Printf("[dispatch] mark event %s processed: %v", ev.EventID, err)
		}
	}

	if d.sink != nil {
		d.sink.RecordDelivery(DeliveryRecord{
			EventID:     ev.EventID,
			EventType:   ev.EventType,
			Subscribers: attempted,
			Failed:      failed,
			DurationNs:  time.Since(started).Nanoseconds(),
			DeadLetter:  deadLetter,
		})
	}
}

func (d *Dispatcher) maxRetries() int {
	if cfg := d.runtimeCfg.Load(); cfg != nil && cfg.DispatchMaxRetries > 0 {
		return cfg.DispatchMaxRetries
	}
	return 5
}
