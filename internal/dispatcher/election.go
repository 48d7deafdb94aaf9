package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

// liveForeignDispatcher scans the registry for a peer dispatcher record
// that still shows recent activity.
func (d *Dispatcher) liveForeignDispatcher(ctx context.Context) (*store.Incomer, error) {
	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return nil, err
	}
	now := d.now()
	for _, inc := range incomers {
		if inc.Name != d.opts.InstanceName || inc.BaseUUID == d.selfProvidedUUID {
			continue
		}
		if inc.IsDispatcherActiveInstance && inc.LastActivity+d.opts.IdleTime.Milliseconds() >= now {
			found := inc
			return &found, nil
		}
	}
	return nil, nil
}

// runElection races a jittered self-announcement against listening for a
// foreign OK. Two mutually cancelling signals: the timer commits the
// announcement, a foreign OK during the wait aborts quietly.
func (d *Dispatcher) runElection(ctx context.Context) (bool, error) {
	okCh := make(chan struct{}, 1)
	d.mu.Lock()
	d.okCh = okCh
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.okCh = nil
		d.mu.Unlock()
	}()

	delay := d.electionJitter()
	d.log.Info("takeover race armed", zap.Duration("jitter", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-d.runCtx.Done():
		return false, d.runCtx.Err()
	case <-okCh:
		return false, nil
	case <-timer.C:
	}

	// Commit: flag our own incomer record, then announce.
	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return false, fmt.Errorf("get incomers: %w", err)
	}
	for _, inc := range incomers {
		if inc.BaseUUID != d.selfProvidedUUID || inc.IsDispatcherActiveInstance {
			continue
		}
		inc.IsDispatcherActiveInstance = true
		if err := d.registry.UpdateIncomer(ctx, inc); err != nil {
			return false, fmt.Errorf("flag own record: %w", err)
		}
	}

	env := event.Envelope{
		Name: event.OK,
		Metadata: event.Metadata{
			Origin: d.privateUUID,
			Prefix: d.opts.Prefix,
		},
	}
	payload, err := json.Marshal(&env)
	if err != nil {
		return false, fmt.Errorf("marshal OK: %w", err)
	}
	if err := d.broker.Publish(ctx, store.DispatcherChannel(d.opts.Prefix), payload); err != nil {
		return false, fmt.Errorf("announce OK: %w", err)
	}
	return true, nil
}

func (d *Dispatcher) electionJitter() time.Duration {
	min, max := d.opts.MinElectionTimeout, d.opts.MaxElectionTimeout
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// signalForeignOK wakes a pending election race. Called by the router when
// an OK from a different origin lands while we are not active.
func (d *Dispatcher) signalForeignOK() {
	d.mu.Lock()
	ch := d.okCh
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// enterStandby starts the relay poll. The standby only reads the registry
// and writes nothing until it wins a takeover.
func (d *Dispatcher) enterStandby() {
	sctx, cancel := context.WithCancel(d.runCtx)
	d.mu.Lock()
	d.standbyCancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				d.takeRelay(sctx)
			}
		}
	}()
}

// takeRelay checks whether the active peer went idle and, if so, races for
// the role. On win: stop polling, clear the lost peer's record, ping the
// fleet immediately; the reconcile loop performs a full pass one
// checkTransactionInterval later.
func (d *Dispatcher) takeRelay(ctx context.Context) {
	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		d.log.Error("relay poll: get incomers", zap.Error(err))
		return
	}

	now := d.now()
	var stale *store.Incomer
	for _, inc := range incomers {
		if inc.Name != d.opts.InstanceName || inc.BaseUUID == d.selfProvidedUUID {
			continue
		}
		if inc.IsDispatcherActiveInstance && inc.LastActivity+d.opts.IdleTime.Milliseconds() < now {
			found := inc
			stale = &found
			break
		}
	}
	if stale == nil {
		return
	}

	d.log.Warn("active dispatcher went idle, racing for relay",
		zap.String("peer_provided_uuid", stale.ProvidedUUID),
		zap.Int64("last_activity", stale.LastActivity),
	)
	won, err := d.runElection(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Error("relay election failed", zap.Error(err))
		}
		return
	}
	if !won {
		return
	}

	d.mu.Lock()
	cancel := d.standbyCancel
	d.standbyCancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Post-win work runs on the process lifetime context; the standby
	// context above is gone. Eviction stays held until the first
	// reconciliation pass has placed the lost peer's transactions.
	d.mu.Lock()
	d.holdActivity = true
	d.mu.Unlock()

	if err := d.registry.DeleteIncomer(d.runCtx, stale.ProvidedUUID); err != nil {
		d.log.Warn("clearing lost peer record", zap.Error(err))
	}
	if err := d.becomeActive(d.runCtx); err != nil {
		d.log.Error("relay activation failed", zap.Error(err))
		return
	}
	if err := d.pingRound(d.runCtx); err != nil {
		d.log.Warn("relay ping round", zap.Error(err))
	}
	d.metrics.RelayTakeovers.Inc()
	d.log.Info("relay taken", zap.String("private_uuid", d.privateUUID))
}
