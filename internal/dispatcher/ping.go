package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

// pingRound probes every registered incomer. The dispatcher's own incomer
// record gets its activity bumped directly instead of a round-trip.
func (d *Dispatcher) pingRound(ctx context.Context) error {
	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}

	for providedUUID, inc := range incomers {
		if inc.BaseUUID == d.selfProvidedUUID {
			if err := d.registry.UpdateIncomerState(ctx, providedUUID); err != nil {
				d.log.Warn("bumping own activity", zap.Error(err))
			}
			continue
		}
		if err := d.pingIncomer(ctx, providedUUID, inc); err != nil {
			d.log.Warn("ping failed",
				zap.String("incomer", providedUUID),
				zap.String("name", inc.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// pingIncomer writes a dispatcher-side main ping transaction and publishes
// the probe on the incomer's private channel. The incomer answers by
// writing a resolved transaction into its own store; the reconciler sweeps
// the pair.
func (d *Dispatcher) pingIncomer(ctx context.Context, providedUUID string, inc store.Incomer) error {
	tx := store.Transaction{
		Name: event.Ping,
		Metadata: event.Metadata{
			Origin:          d.privateUUID,
			To:              providedUUID,
			IncomerName:     inc.Name,
			Prefix:          d.opts.Prefix,
			MainTransaction: true,
		},
	}
	stored, err := d.transactions.Set(ctx, tx)
	if err != nil {
		return fmt.Errorf("record ping transaction: %w", err)
	}

	payload, err := json.Marshal(stored.Envelope())
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}
	if err := d.broker.Publish(ctx, store.IncomerChannel(d.opts.Prefix, providedUUID), payload); err != nil {
		return fmt.Errorf("publish ping: %w", err)
	}
	return nil
}

// activitySweep evicts incomers idle past the threshold. A candidate with
// a recent ping answer in its store is spared: the answer counts as
// activity, the stale ping is cleared.
func (d *Dispatcher) activitySweep(ctx context.Context) error {
	d.mu.Lock()
	held := d.holdActivity
	d.mu.Unlock()
	if held {
		d.log.Debug("activity sweep held pending reconciliation")
		return nil
	}

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}

	now := d.now()
	idle := d.opts.IdleTime.Milliseconds()
	for providedUUID, inc := range incomers {
		if inc.LastActivity+idle >= now {
			continue
		}

		spared, err := d.spareByRecentPing(ctx, providedUUID, now, idle)
		if err != nil {
			d.log.Warn("checking recent pings",
				zap.String("incomer", providedUUID), zap.Error(err))
			continue
		}
		if spared {
			continue
		}

		if err := d.evictIncomer(ctx, incomers, inc); err != nil {
			d.log.Error("eviction failed",
				zap.String("incomer", providedUUID),
				zap.String("name", inc.Name),
				zap.Error(err),
			)
		}
	}
	return nil
}

// spareByRecentPing looks for a fresh ping transaction in the candidate's
// store. Finding one bumps lastActivity and deletes the stale ping.
func (d *Dispatcher) spareByRecentPing(ctx context.Context, providedUUID string, now, idle int64) (bool, error) {
	st := d.incomerStore(providedUUID)
	txs, err := st.GetAll(ctx)
	if err != nil {
		return false, err
	}
	for id, tx := range txs {
		if tx.Name != event.Ping || tx.AliveSince+idle <= now {
			continue
		}
		if err := d.registry.UpdateIncomerState(ctx, providedUUID); err != nil {
			return false, err
		}
		if err := st.Delete(ctx, id); err != nil {
			d.log.Warn("deleting stale ping", zap.String("incomer", providedUUID), zap.Error(err))
		}
		return true, nil
	}
	return false, nil
}
