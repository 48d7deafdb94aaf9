package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/store"
)

var (
	// ErrDuplicateRegistration means a record with the sender's baseUUID
	// already exists; re-registering the same process is rejected.
	ErrDuplicateRegistration = errors.New("duplicate registration")
	// ErrMissingRegistrationTransaction means the sender has no incomer-side
	// transaction backing its register message.
	ErrMissingRegistrationTransaction = errors.New("missing registration transaction")
)

// approveIncomer admits a new incomer: verifies the sender's main
// transaction, allocates a providedUUID, subscribes its private channel,
// and answers with an approvement on the dispatcher channel.
func (d *Dispatcher) approveIncomer(ctx context.Context, env *event.Envelope) error {
	origin := env.Metadata.Origin // baseUUID; no providedUUID exists yet

	senderStore := d.incomerStore(origin)
	regTx, err := senderStore.Get(ctx, env.Metadata.TransactionID)
	if err != nil {
		return fmt.Errorf("lookup registration transaction: %w", err)
	}
	if regTx == nil {
		d.metrics.RegistrationErrors.Inc()
		return fmt.Errorf("%w: %s", ErrMissingRegistrationTransaction, env.Metadata.TransactionID)
	}

	// Record the pending approval before the duplicate check so a reject
	// has a transaction to clean up.
	pending, err := d.transactions.Set(ctx, store.Transaction{
		Name: event.Approvement,
		Metadata: event.Metadata{
			Origin:             d.privateUUID,
			Prefix:             d.opts.Prefix,
			RelatedTransaction: env.Metadata.TransactionID,
		},
	})
	if err != nil {
		return fmt.Errorf("record approvement transaction: %w", err)
	}

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}
	for _, inc := range incomers {
		if inc.BaseUUID != origin {
			continue
		}
		if err := d.transactions.Delete(ctx, pending.ID()); err != nil {
			d.log.Warn("deleting rejected approvement", zap.Error(err))
		}
		d.metrics.RegistrationErrors.Inc()
		return fmt.Errorf("%w: baseUUID %s already registered as %s",
			ErrDuplicateRegistration, origin, inc.ProvidedUUID)
	}

	var reg event.RegistrationData
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		return fmt.Errorf("decode registration: %w", err)
	}
	for _, name := range reg.EventsCast {
		// Casts of events without a validator would be rejected at publish
		// time; surface the mismatch here where the operator can see it.
		if !d.validator.Known(name) {
			d.log.Warn("incomer casts event with no validator",
				zap.String("incomer", reg.Name),
				zap.String("event", name),
			)
		}
	}

	now := d.now()
	providedUUID, err := d.registry.SetIncomer(ctx, store.Incomer{
		BaseUUID:                   origin,
		Name:                       reg.Name,
		EventsCast:                 reg.EventsCast,
		EventsSubscribe:            reg.EventsSubscribe,
		Prefix:                     d.opts.Prefix,
		AliveSince:                 now,
		LastActivity:               now,
		IsDispatcherActiveInstance: origin == d.selfProvidedUUID,
	})
	if err != nil {
		return fmt.Errorf("insert incomer: %w", err)
	}

	if err := d.ensureChannel(ctx, providedUUID); err != nil {
		d.log.Warn("subscribing new incomer channel",
			zap.String("incomer", providedUUID), zap.Error(err))
	}

	pending.Metadata.To = providedUUID
	pending.Metadata.IncomerName = reg.Name
	pending.Data, err = json.Marshal(event.ApprovementData{UUID: providedUUID})
	if err != nil {
		return fmt.Errorf("marshal approvement: %w", err)
	}
	if err := d.transactions.Update(ctx, pending.ID(), pending); err != nil {
		return fmt.Errorf("update approvement transaction: %w", err)
	}

	payload, err := json.Marshal(pending.Envelope())
	if err != nil {
		return fmt.Errorf("marshal approvement envelope: %w", err)
	}
	if err := d.broker.Publish(ctx, store.DispatcherChannel(d.opts.Prefix), payload); err != nil {
		return fmt.Errorf("publish approvement: %w", err)
	}

	d.metrics.Registrations.Inc()
	d.log.Info("incomer approved",
		zap.String("name", reg.Name),
		zap.String("base_uuid", origin),
		zap.String("provided_uuid", providedUUID),
	)
	return nil
}
