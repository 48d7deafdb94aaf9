package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

// evictIncomer removes a dead incomer and re-homes its in-flight work.
// Mains migrate to a surviving replica that casts the same event, related
// transactions get their event re-published to another subscriber; when no
// peer qualifies, transactions park in the backup stores for the
// reconciler to drain later. incomers is the registry snapshot the caller
// iterated; the evictee is removed from it so survivor lookups see the
// post-eviction fleet.
func (d *Dispatcher) evictIncomer(ctx context.Context, incomers map[string]store.Incomer, inc store.Incomer) error {
	d.log.Warn("evicting incomer",
		zap.String("incomer", inc.ProvidedUUID),
		zap.String("name", inc.Name),
		zap.Int64("last_activity", inc.LastActivity),
	)

	if err := d.registry.DeleteIncomer(ctx, inc.ProvidedUUID); err != nil {
		return fmt.Errorf("delete registry record: %w", err)
	}
	delete(incomers, inc.ProvidedUUID)
	d.dropChannel(ctx, inc.ProvidedUUID)

	if err := d.rehomeIncomerTransactions(ctx, incomers, inc); err != nil {
		return err
	}
	if err := d.rehomeDispatcherTransactions(ctx, incomers, inc); err != nil {
		return err
	}

	d.metrics.Evictions.Inc()
	return nil
}

// rehomeIncomerTransactions walks the evictee's own store and disposes of
// every transaction, then drops the store key.
func (d *Dispatcher) rehomeIncomerTransactions(ctx context.Context, incomers map[string]store.Incomer, inc store.Incomer) error {
	st := d.incomerStore(inc.ProvidedUUID)
	txs, err := st.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read incomer store: %w", err)
	}
	dtxs, err := d.transactions.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher store: %w", err)
	}

	for id, tx := range txs {
		switch {
		case tx.Name == event.Ping:
			// Answered ping: drop the dispatcher main it resolves. The
			// incomer side goes away with the store.
			if rel := tx.Metadata.RelatedTransaction; rel != "" {
				if _, ok := dtxs[rel]; ok {
					if err := d.transactions.Delete(ctx, rel); err != nil {
						d.log.Warn("deleting ping main", zap.Error(err))
					}
					delete(dtxs, rel)
				}
			}

		case tx.Name == event.Register && tx.Main():
			// Drop together with the matching approvement.
			for did, dtx := range dtxs {
				if dtx.Metadata.RelatedTransaction != id {
					continue
				}
				if err := d.transactions.Delete(ctx, did); err != nil {
					d.log.Warn("deleting approvement", zap.Error(err))
				}
				delete(dtxs, did)
			}

		case tx.Main():
			if err := d.migrateMain(ctx, incomers, inc, id, tx, dtxs); err != nil {
				d.log.Error("migrating main transaction",
					zap.String("transaction", id), zap.Error(err))
			}

		default:
			if err := d.rehomeRelated(ctx, incomers, id, tx, dtxs); err != nil {
				d.log.Error("re-homing related transaction",
					zap.String("transaction", id), zap.Error(err))
			}
		}
	}

	if err := st.Drop(ctx); err != nil {
		return fmt.Errorf("drop incomer store: %w", err)
	}
	return nil
}

// migrateMain moves an unresolved main to a surviving same-name caster,
// rewriting its origin and re-pointing every dispatcher child at the new
// id; without a survivor the main parks in the incomer backup store.
func (d *Dispatcher) migrateMain(ctx context.Context, incomers map[string]store.Incomer, evictee store.Incomer, id string, tx store.Transaction, dtxs map[string]store.Transaction) error {
	surv := findCaster(incomers, evictee.Name, tx.Name)
	if surv == nil {
		// The backup redistribution matches parked mains by service name.
		if tx.Metadata.IncomerName == "" {
			tx.Metadata.IncomerName = evictee.Name
		}
		if err := d.backupIncomer.Update(ctx, id, tx); err != nil {
			return fmt.Errorf("park main in backup: %w", err)
		}
		return nil
	}

	moved := tx
	moved.Metadata.Origin = surv.ProvidedUUID
	newMain, err := d.incomerStore(surv.ProvidedUUID).Set(ctx, moved)
	if err != nil {
		return fmt.Errorf("insert migrated main: %w", err)
	}

	for did, dtx := range dtxs {
		if dtx.Metadata.RelatedTransaction != id {
			continue
		}
		dtx.Metadata.To = surv.ProvidedUUID
		dtx.Metadata.RelatedTransaction = newMain.ID()
		dtx.Metadata.MainTransaction = false
		if err := d.transactions.Update(ctx, did, dtx); err != nil {
			return fmt.Errorf("re-point dispatcher child %s: %w", did, err)
		}
		dtxs[did] = dtx
	}
	d.log.Info("main transaction migrated",
		zap.String("from", evictee.ProvidedUUID),
		zap.String("to", surv.ProvidedUUID),
		zap.String("old_id", id),
		zap.String("new_id", newMain.ID()),
	)
	return nil
}

// rehomeRelated re-publishes an undelivered event to another subscriber, or
// parks the consumer-side transaction when none exists and it is still
// unresolved. Resolved orphans just vanish with the store.
func (d *Dispatcher) rehomeRelated(ctx context.Context, incomers map[string]store.Incomer, id string, tx store.Transaction, dtxs map[string]store.Transaction) error {
	// The incomer-side related transaction answers a dispatcher child;
	// recover the publisher main reference from it.
	related := tx.Metadata.EventTransactionID
	oldChildID := tx.Metadata.RelatedTransaction
	oldChild, hasChild := dtxs[oldChildID]
	if hasChild && oldChild.Metadata.RelatedTransaction != "" {
		related = oldChild.Metadata.RelatedTransaction
	}

	sub := findSubscriber(incomers, tx.Name)
	switch {
	case sub != nil:
		if _, err := d.publishTo(ctx, *sub, tx.Name, tx.Data, related, tx.Metadata.EventTransactionID, tx.Metadata.Iteration+1); err != nil {
			return err
		}
		if hasChild {
			if err := d.transactions.Delete(ctx, oldChildID); err != nil {
				d.log.Warn("deleting superseded dispatcher child", zap.Error(err))
			}
			delete(dtxs, oldChildID)
		}

	case !tx.Resolved():
		if err := d.backupIncomer.Update(ctx, id, tx); err != nil {
			return fmt.Errorf("park related in backup: %w", err)
		}
	}
	return nil
}

// rehomeDispatcherTransactions disposes of dispatcher-side transactions
// that targeted the evictee.
func (d *Dispatcher) rehomeDispatcherTransactions(ctx context.Context, incomers map[string]store.Incomer, inc store.Incomer) error {
	dtxs, err := d.transactions.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher store: %w", err)
	}

	for did, dtx := range dtxs {
		if dtx.Metadata.To != inc.ProvidedUUID {
			continue
		}
		switch dtx.Name {
		case event.Ping, event.Approvement:
			if err := d.transactions.Delete(ctx, did); err != nil {
				d.log.Warn("deleting stale transaction", zap.Error(err))
			}
			continue
		}

		if sub := findSubscriber(incomers, dtx.Name); sub != nil {
			if _, err := d.publishTo(ctx, *sub, dtx.Name, dtx.Data, dtx.Metadata.RelatedTransaction, dtx.Metadata.EventTransactionID, dtx.Metadata.Iteration+1); err != nil {
				d.log.Error("re-publishing orphaned event",
					zap.String("transaction", did), zap.Error(err))
				continue
			}
		} else {
			if err := d.backupDispatcher.Update(ctx, did, dtx); err != nil {
				d.log.Error("parking dispatcher transaction",
					zap.String("transaction", did), zap.Error(err))
				continue
			}
		}
		if err := d.transactions.Delete(ctx, did); err != nil {
			d.log.Warn("deleting re-homed transaction", zap.Error(err))
		}
	}
	return nil
}
