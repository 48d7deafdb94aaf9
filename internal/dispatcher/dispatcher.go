// Package dispatcher implements the active coordinator of the event bus:
// incomer registration and liveness, event fan-out with subscription
// filtering, the two-sided transaction log, and the reconciliation loop
// that re-homes work when incomers churn. Dispatcher replicas elect one
// active instance among themselves; the rest stand by for relay.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/metrics"
	"github.com/edirooss/evbus/internal/repo"
	"github.com/edirooss/evbus/internal/store"
)

// Options configures a dispatcher process.
type Options struct {
	// Prefix scopes every key and channel per environment; may be empty.
	Prefix string
	// InstanceName discriminates dispatcher-role-capable processes for
	// leader election. Defaults to "dispatcher".
	InstanceName string
	// IncomerUUID is the baseUUID this process registers into the incomer
	// registry for itself. Defaults to a fresh UUID.
	IncomerUUID string

	PingInterval              time.Duration
	CheckLastActivityInterval time.Duration
	CheckTransactionInterval  time.Duration
	IdleTime                  time.Duration

	// Election jitter bounds; the takeover race waits a uniform random
	// delay in [MinElectionTimeout, MaxElectionTimeout].
	MinElectionTimeout time.Duration
	MaxElectionTimeout time.Duration

	// EventsValidation maps event names to payload validators.
	EventsValidation map[string]event.ValidateFunc
	// ValidationCb, when set, replaces the per-event validators for every
	// event except register and ping.
	ValidationCb event.DelegateFunc
}

func (o *Options) setDefaults() {
	if o.InstanceName == "" {
		o.InstanceName = "dispatcher"
	}
	if o.IncomerUUID == "" {
		o.IncomerUUID = uuid.NewString()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 300_000 * time.Millisecond
	}
	if o.CheckLastActivityInterval <= 0 {
		o.CheckLastActivityInterval = 120_000 * time.Millisecond
	}
	if o.CheckTransactionInterval <= 0 {
		o.CheckTransactionInterval = 180_000 * time.Millisecond
	}
	if o.IdleTime <= 0 {
		o.IdleTime = 600_000 * time.Millisecond
	}
	if o.MaxElectionTimeout <= 0 {
		o.MaxElectionTimeout = 60_000 * time.Millisecond
	}
	if o.MaxElectionTimeout < o.MinElectionTimeout {
		o.MaxElectionTimeout = o.MinElectionTimeout
	}
}

// Dispatcher coordinates the incomer fleet over the broker and the object
// store. All durable state lives in Redis; in-process state is the set of
// subscribed channels and the timer handles.
type Dispatcher struct {
	log     *zap.Logger
	broker  repo.Broker
	kv      repo.ObjectStore
	opts    Options
	metrics *metrics.Metrics

	// privateUUID is this process's lifetime identity on the bus;
	// selfProvidedUUID is the baseUUID of its own incomer registration.
	privateUUID      string
	selfProvidedUUID string

	registry         *store.IncomerRegistry
	transactions     *store.TransactionStore // dispatcher-side
	backupDispatcher *store.TransactionStore
	backupIncomer    *store.TransactionStore

	validator *event.Validator

	// now is the timestamp source, replaceable in tests.
	now func() int64

	mu            sync.Mutex
	active        bool
	channels      map[string]struct{}
	sub           repo.Subscription
	okCh          chan struct{} // armed during an election race
	standbyCancel context.CancelFunc
	// holdActivity suspends the activity sweep after a relay takeover until
	// the first reconciliation pass has re-homed the lost peer's work.
	holdActivity bool

	// reconcileMu disallows re-entrant reconciliation passes.
	reconcileMu sync.Mutex

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a dispatcher over the given broker and object store.
func New(log *zap.Logger, broker repo.Broker, kv repo.ObjectStore, m *metrics.Metrics, opts Options) *Dispatcher {
	opts.setDefaults()
	log = log.Named("dispatcher")
	if m == nil {
		m = metrics.NewNop()
	}

	d := &Dispatcher{
		log:              log,
		broker:           broker,
		kv:               kv,
		opts:             opts,
		metrics:          m,
		privateUUID:      uuid.NewString(),
		selfProvidedUUID: opts.IncomerUUID,
		registry:         store.NewIncomerRegistry(log, kv, opts.Prefix),
		transactions:     store.NewTransactionStore(log, kv, store.DispatcherTransactionsKey(opts.Prefix)),
		backupDispatcher: store.NewTransactionStore(log, kv, store.BackupDispatcherTransactionsKey(opts.Prefix)),
		backupIncomer:    store.NewTransactionStore(log, kv, store.BackupIncomerTransactionsKey(opts.Prefix)),
		validator:        event.NewValidator(opts.EventsValidation, opts.ValidationCb),
		now:              store.NowMillis,
		channels:         make(map[string]struct{}),
	}
	d.runCtx, d.cancel = context.WithCancel(context.Background())
	return d
}

// PrivateUUID returns this process's bus identity.
func (d *Dispatcher) PrivateUUID() string { return d.privateUUID }

// Initialize subscribes to the dispatcher channel and negotiates the role:
// standby when a live peer already holds it, otherwise a jittered takeover
// race that falls back to standby on loss.
func (d *Dispatcher) Initialize(ctx context.Context) error {
	sub, err := d.broker.Subscribe(d.runCtx, store.DispatcherChannel(d.opts.Prefix))
	if err != nil {
		return fmt.Errorf("subscribe dispatcher channel: %w", err)
	}
	d.mu.Lock()
	d.sub = sub
	d.channels[store.DispatcherChannel(d.opts.Prefix)] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.consume(sub)

	live, err := d.liveForeignDispatcher(ctx)
	if err != nil {
		return fmt.Errorf("scan registry: %w", err)
	}
	if live != nil {
		d.log.Info("live peer dispatcher found, standing by",
			zap.String("peer_base_uuid", live.BaseUUID),
			zap.String("peer_provided_uuid", live.ProvidedUUID),
		)
		d.enterStandby()
		return nil
	}

	won, err := d.runElection(ctx)
	if err != nil {
		return fmt.Errorf("election: %w", err)
	}
	if !won {
		d.log.Info("lost takeover race, standing by")
		d.enterStandby()
		return nil
	}
	return d.becomeActive(ctx)
}

// Close cancels the periodic timers, unsubscribes every channel, and drops
// the active flag. In-flight handlers observe the cancellation on their
// next suspension and exit.
func (d *Dispatcher) Close() error {
	d.cancel()

	d.mu.Lock()
	d.active = false
	sub := d.sub
	d.sub = nil
	d.channels = make(map[string]struct{})
	d.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			d.log.Warn("closing subscription", zap.Error(err))
		}
	}
	d.wg.Wait()
	d.log.Info("dispatcher closed")
	return nil
}

// Active reports whether this process currently plays the active role.
func (d *Dispatcher) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// becomeActive flips the role flag, subscribes to every registered
// incomer's private channel, and starts the periodic loops.
func (d *Dispatcher) becomeActive(ctx context.Context) error {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return nil
	}
	d.active = true
	d.mu.Unlock()

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}
	for providedUUID := range incomers {
		if err := d.ensureChannel(ctx, providedUUID); err != nil {
			d.log.Warn("subscribing incomer channel",
				zap.String("incomer", providedUUID), zap.Error(err))
		}
	}

	d.startLoops()
	d.log.Info("dispatcher active",
		zap.String("private_uuid", d.privateUUID),
		zap.Int("incomers", len(incomers)),
	)
	return nil
}

// startLoops launches the three independent periodic tasks. Each pass reads
// the registry fresh; passes of different loops may interleave.
func (d *Dispatcher) startLoops() {
	d.wg.Add(3)
	go d.loop(d.opts.PingInterval, "ping", d.pingRound)
	go d.loop(d.opts.CheckLastActivityInterval, "activity", d.activitySweep)
	go d.loop(d.opts.CheckTransactionInterval, "reconcile", d.reconcile)
}

func (d *Dispatcher) loop(interval time.Duration, name string, fn func(context.Context) error) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.runCtx.Done():
			return
		case <-ticker.C:
			if !d.Active() {
				continue
			}
			if err := fn(d.runCtx); err != nil && d.runCtx.Err() == nil {
				d.log.Error("periodic pass failed", zap.String("loop", name), zap.Error(err))
			}
		}
	}
}

// consume drains the subscription; handlers run serially so a pass never
// observes its own partial writes.
func (d *Dispatcher) consume(sub repo.Subscription) {
	defer d.wg.Done()
	for msg := range sub.Messages() {
		d.handleMessage(d.runCtx, msg)
	}
}

// ensureChannel subscribes to the incomer's private channel once.
func (d *Dispatcher) ensureChannel(ctx context.Context, providedUUID string) error {
	ch := store.IncomerChannel(d.opts.Prefix, providedUUID)
	d.mu.Lock()
	sub := d.sub
	_, have := d.channels[ch]
	if !have && sub != nil {
		d.channels[ch] = struct{}{}
	}
	d.mu.Unlock()

	if have || sub == nil {
		return nil
	}
	if err := sub.Subscribe(ctx, ch); err != nil {
		d.mu.Lock()
		delete(d.channels, ch)
		d.mu.Unlock()
		return err
	}
	return nil
}

// dropChannel unsubscribes from the incomer's private channel.
func (d *Dispatcher) dropChannel(ctx context.Context, providedUUID string) {
	ch := store.IncomerChannel(d.opts.Prefix, providedUUID)
	d.mu.Lock()
	sub := d.sub
	_, have := d.channels[ch]
	delete(d.channels, ch)
	d.mu.Unlock()

	if !have || sub == nil {
		return
	}
	if err := sub.Unsubscribe(ctx, ch); err != nil {
		d.log.Warn("unsubscribe failed", zap.String("channel", ch), zap.Error(err))
	}
}

// incomerStore opens the transaction store owned by the given incomer.
func (d *Dispatcher) incomerStore(ownerUUID string) *store.TransactionStore {
	return store.NewTransactionStore(d.log, d.kv, store.IncomerTransactionsKey(d.opts.Prefix, ownerUUID))
}

// publishTo records a dispatcher-side child transaction for the target and
// publishes the event on the target's private channel.
func (d *Dispatcher) publishTo(ctx context.Context, target store.Incomer, name string, data json.RawMessage, related, eventTxID string, iteration int) (store.Transaction, error) {
	tx := store.Transaction{
		Name: name,
		Data: data,
		Metadata: event.Metadata{
			Origin:             d.privateUUID,
			To:                 target.ProvidedUUID,
			IncomerName:        target.Name,
			Prefix:             d.opts.Prefix,
			EventTransactionID: eventTxID,
			RelatedTransaction: related,
			Iteration:          iteration,
		},
	}
	stored, err := d.transactions.Set(ctx, tx)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("record dispatcher transaction: %w", err)
	}

	if err := d.ensureChannel(ctx, target.ProvidedUUID); err != nil {
		d.log.Warn("subscribing target channel",
			zap.String("incomer", target.ProvidedUUID), zap.Error(err))
	}
	payload, err := json.Marshal(stored.Envelope())
	if err != nil {
		return store.Transaction{}, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := d.broker.Publish(ctx, store.IncomerChannel(d.opts.Prefix, target.ProvidedUUID), payload); err != nil {
		return store.Transaction{}, fmt.Errorf("publish to %s: %w", target.ProvidedUUID, err)
	}
	d.metrics.FanoutTargets.Inc()
	return stored, nil
}

// findCaster returns a live incomer of the given service name that casts
// the event, first match in registry iteration order.
func findCaster(incomers map[string]store.Incomer, serviceName, eventName string) *store.Incomer {
	for _, inc := range incomers {
		if inc.Name == serviceName && inc.Casts(eventName) {
			found := inc
			return &found
		}
	}
	return nil
}

// findSubscriber returns a live incomer subscribed to the event, first
// match in registry iteration order. Callers must not rely on which
// replica is picked.
func findSubscriber(incomers map[string]store.Incomer, eventName string) *store.Incomer {
	for _, inc := range incomers {
		if _, ok := inc.SubscribedTo(eventName); ok {
			found := inc
			return &found
		}
	}
	return nil
}
