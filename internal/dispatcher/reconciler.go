package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

// reconcile is the periodic transaction sweep: redistribute parked backups,
// resolve matched pairs, then close out fully-acknowledged mains. The pass
// is idempotent; anything it cannot place this tick waits for the next.
// Passes never overlap themselves.
func (d *Dispatcher) reconcile(ctx context.Context) error {
	if !d.reconcileMu.TryLock() {
		return nil
	}
	defer d.reconcileMu.Unlock()

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}

	if err := d.redistributeBackups(ctx, incomers); err != nil {
		d.log.Error("backup redistribution failed", zap.Error(err))
	}
	if err := d.resolvePairs(ctx, incomers); err != nil {
		d.log.Error("pair resolution failed", zap.Error(err))
	}
	if err := d.resolveMains(ctx, incomers); err != nil {
		d.log.Error("main resolution failed", zap.Error(err))
	}

	d.metrics.ReconcilerSweeps.Inc()
	d.updateBackupGauge(ctx)

	d.mu.Lock()
	d.holdActivity = false
	d.mu.Unlock()
	return nil
}

// redistributeBackups drains the backup stores toward the live fleet.
func (d *Dispatcher) redistributeBackups(ctx context.Context, incomers map[string]store.Incomer) error {
	binc, err := d.backupIncomer.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read incomer backup: %w", err)
	}

	for id, tx := range binc {
		switch {
		case tx.Main():
			surv := findCaster(incomers, tx.Metadata.IncomerName, tx.Name)
			if surv == nil {
				continue
			}
			moved := tx
			moved.Metadata.Origin = surv.ProvidedUUID
			if err := d.incomerStore(surv.ProvidedUUID).Update(ctx, id, moved); err != nil {
				d.log.Error("migrating backup main", zap.String("transaction", id), zap.Error(err))
				continue
			}
			if err := d.backupIncomer.Delete(ctx, id); err != nil {
				d.log.Warn("deleting migrated backup main", zap.Error(err))
			}

		case tx.Metadata.RelatedTransaction != "":
			sub := findSubscriber(incomers, tx.Name)
			if sub == nil {
				continue
			}
			if !tx.Resolved() {
				related := tx.Metadata.EventTransactionID
				if paired, err := d.backupDispatcher.Get(ctx, tx.Metadata.RelatedTransaction); err == nil && paired != nil {
					if paired.Metadata.RelatedTransaction != "" {
						related = paired.Metadata.RelatedTransaction
					}
					if err := d.backupDispatcher.Delete(ctx, tx.Metadata.RelatedTransaction); err != nil {
						d.log.Warn("deleting paired dispatcher backup", zap.Error(err))
					}
				}
				if _, err := d.publishTo(ctx, *sub, tx.Name, tx.Data, related, tx.Metadata.EventTransactionID, tx.Metadata.Iteration+1); err != nil {
					d.log.Error("re-publishing backup related", zap.String("transaction", id), zap.Error(err))
					continue
				}
			} else {
				moved := tx
				moved.Metadata.Origin = sub.ProvidedUUID
				if err := d.incomerStore(sub.ProvidedUUID).Update(ctx, id, moved); err != nil {
					d.log.Error("migrating backup related", zap.String("transaction", id), zap.Error(err))
					continue
				}
			}
			if err := d.backupIncomer.Delete(ctx, id); err != nil {
				d.log.Warn("deleting redistributed backup", zap.Error(err))
			}
		}
	}

	bdisp, err := d.backupDispatcher.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher backup: %w", err)
	}
	for id, dtx := range bdisp {
		sub := findSubscriber(incomers, dtx.Name)
		if sub == nil {
			continue
		}
		if _, err := d.publishTo(ctx, *sub, dtx.Name, dtx.Data, dtx.Metadata.RelatedTransaction, dtx.Metadata.EventTransactionID, dtx.Metadata.Iteration+1); err != nil {
			d.log.Error("re-publishing dispatcher backup", zap.String("transaction", id), zap.Error(err))
			continue
		}
		if err := d.backupDispatcher.Delete(ctx, id); err != nil {
			d.log.Warn("deleting redistributed dispatcher backup", zap.Error(err))
		}
	}
	return nil
}

// resolvePairs matches every dispatcher transaction with a resolved answer
// in its recipient's store and clears or advances the pair.
func (d *Dispatcher) resolvePairs(ctx context.Context, incomers map[string]store.Incomer) error {
	dtxs, err := d.transactions.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher store: %w", err)
	}

	// Per-recipient store snapshots, shared across the pass.
	views := make(map[string]map[string]store.Transaction)
	view := func(uuid string) (map[string]store.Transaction, error) {
		if v, ok := views[uuid]; ok {
			return v, nil
		}
		v, err := d.incomerStore(uuid).GetAll(ctx)
		if err != nil {
			return nil, err
		}
		views[uuid] = v
		return v, nil
	}

	bumps := make(map[string]struct{})
	for did, dtx := range dtxs {
		recipient, ok := incomers[dtx.Metadata.To]
		if !ok {
			// Unknown recipient: skip this tick; eviction will re-home or
			// back it up if the incomer never returns.
			continue
		}

		itxs, err := view(recipient.ProvidedUUID)
		if err != nil {
			d.log.Warn("reading recipient store",
				zap.String("incomer", recipient.ProvidedUUID), zap.Error(err))
			continue
		}

		ackID := ""
		for iid, itx := range itxs {
			if itx.Metadata.RelatedTransaction == did && itx.Resolved() {
				ackID = iid
				break
			}
		}
		if ackID == "" {
			continue // still in-flight
		}

		recipientStore := d.incomerStore(recipient.ProvidedUUID)
		switch {
		case dtx.Main():
			// A self-originated ping that was answered.
			bumps[recipient.ProvidedUUID] = struct{}{}
			if err := d.transactions.Delete(ctx, did); err != nil {
				d.log.Warn("deleting answered ping", zap.Error(err))
			}
			if err := recipientStore.Delete(ctx, ackID); err != nil {
				d.log.Warn("deleting ping answer", zap.Error(err))
			}

		case dtx.Name == event.Approvement:
			if err := d.transactions.Delete(ctx, did); err != nil {
				d.log.Warn("deleting approvement", zap.Error(err))
			}
			if err := recipientStore.Delete(ctx, ackID); err != nil {
				d.log.Warn("deleting approvement answer", zap.Error(err))
			}

		default:
			dtx.Metadata.Resolved = true
			if err := d.transactions.Update(ctx, did, dtx); err != nil {
				d.log.Warn("marking pair resolved", zap.Error(err))
				continue
			}
			if err := recipientStore.Delete(ctx, ackID); err != nil {
				d.log.Warn("deleting consumer answer", zap.Error(err))
			}
			bumps[recipient.ProvidedUUID] = struct{}{}
		}
		delete(itxs, ackID)
		d.metrics.TransactionsClosed.Inc()
	}

	for uuid := range bumps {
		if err := d.registry.UpdateIncomerState(ctx, uuid); err != nil {
			d.log.Warn("bumping recipient activity", zap.String("incomer", uuid), zap.Error(err))
		}
	}
	return nil
}

// resolveMains closes out publisher mains whose dispatcher children are all
// resolved. Backup children are re-published first when a subscriber came
// back; a main with pending or parked children stays put.
func (d *Dispatcher) resolveMains(ctx context.Context, incomers map[string]store.Incomer) error {
	dtxs, err := d.transactions.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher store: %w", err)
	}
	bdisp, err := d.backupDispatcher.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read dispatcher backup: %w", err)
	}

	for ownerUUID, owner := range incomers {
		st := d.incomerStore(ownerUUID)
		itxs, err := st.GetAll(ctx)
		if err != nil {
			d.log.Warn("reading incomer store", zap.String("incomer", ownerUUID), zap.Error(err))
			continue
		}

		for mid, m := range itxs {
			if !m.Main() || !m.Published {
				continue
			}

			pending := false
			var children []string
			for did, dtx := range dtxs {
				if dtx.Metadata.RelatedTransaction != mid {
					continue
				}
				children = append(children, did)
				if !dtx.Resolved() {
					pending = true
				}
			}
			for bid, b := range bdisp {
				if b.Metadata.RelatedTransaction != mid {
					continue
				}
				// A parked child keeps the main open either way; with a
				// live subscriber it turns back into an in-flight child.
				pending = true
				sub := findSubscriber(incomers, b.Name)
				if sub == nil {
					continue
				}
				if _, err := d.publishTo(ctx, *sub, b.Name, b.Data, b.Metadata.RelatedTransaction, b.Metadata.EventTransactionID, b.Metadata.Iteration+1); err != nil {
					d.log.Error("re-publishing parked child", zap.String("transaction", bid), zap.Error(err))
					continue
				}
				if err := d.backupDispatcher.Delete(ctx, bid); err != nil {
					d.log.Warn("deleting re-published parked child", zap.Error(err))
				}
				delete(bdisp, bid)
			}
			if pending {
				continue
			}

			for _, did := range children {
				recipient := dtxs[did].Metadata.To
				if err := d.transactions.Delete(ctx, did); err != nil {
					d.log.Warn("deleting resolved child", zap.Error(err))
				}
				delete(dtxs, did)
				if _, ok := incomers[recipient]; ok {
					if err := d.registry.UpdateIncomerState(ctx, recipient); err != nil {
						d.log.Warn("bumping recipient activity", zap.Error(err))
					}
				}
			}
			if err := st.Delete(ctx, mid); err != nil {
				d.log.Warn("deleting closed main", zap.Error(err))
			}
			if err := d.registry.UpdateIncomerState(ctx, ownerUUID); err != nil {
				d.log.Warn("bumping publisher activity", zap.Error(err))
			}
			d.metrics.TransactionsClosed.Inc()
			d.log.Debug("main transaction closed",
				zap.String("publisher", owner.Name),
				zap.String("transaction", mid),
				zap.Int("children", len(children)),
			)
		}
	}
	return nil
}

func (d *Dispatcher) updateBackupGauge(ctx context.Context) {
	binc, err := d.backupIncomer.GetAll(ctx)
	if err != nil {
		return
	}
	bdisp, err := d.backupDispatcher.GetAll(ctx)
	if err != nil {
		return
	}
	d.metrics.BackupTransactions.Set(float64(len(binc) + len(bdisp)))
}
