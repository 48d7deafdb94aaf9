package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/repo"
	"github.com/edirooss/evbus/internal/store"
)

// ErrMissingMainTransaction means a publisher's message carries a
// transactionId with no backing main in its store.
var ErrMissingMainTransaction = errors.New("missing main transaction")

// handleMessage is the single entry point for every inbound bus message.
// A bad message is logged and dropped; it never takes the loop down.
func (d *Dispatcher) handleMessage(ctx context.Context, msg repo.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic",
				zap.String("channel", msg.Channel),
				zap.ByteString("message", msg.Payload),
				zap.Any("panic", r),
			)
		}
	}()

	var env event.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		d.metrics.ValidationFailures.Inc()
		d.log.Warn("malformed message",
			zap.String("channel", msg.Channel),
			zap.ByteString("message", msg.Payload),
			zap.Error(err),
		)
		return
	}
	origin := env.Metadata.Origin

	// A passive instance only reacts to a foreign OK, which feeds the
	// election race.
	if !d.Active() {
		if env.Name == event.OK && origin != d.privateUUID {
			d.signalForeignOK()
		}
		return
	}

	if origin == d.privateUUID {
		return
	}
	if env.Name == event.OK {
		// A second claimant while we hold the role; relay resolves this
		// through the registry, not here.
		d.log.Warn("foreign OK while active", zap.String("origin", origin))
		return
	}

	if err := d.validator.Check(&env); err != nil {
		d.metrics.ValidationFailures.Inc()
		d.log.Warn("message rejected",
			zap.String("channel", msg.Channel),
			zap.ByteString("message", msg.Payload),
			zap.Error(err),
		)
		return
	}
	d.metrics.EventsRouted.WithLabelValues(env.Name).Inc()

	if msg.Channel == store.DispatcherChannel(d.opts.Prefix) {
		if env.Name != event.Register {
			d.log.Warn("unexpected event on dispatcher channel",
				zap.String("channel", msg.Channel),
				zap.String("event", env.Name),
			)
			return
		}
		if err := d.approveIncomer(ctx, &env); err != nil {
			d.log.Error("registration failed",
				zap.String("channel", msg.Channel),
				zap.ByteString("message", msg.Payload),
				zap.Error(err),
			)
		}
		return
	}

	if err := d.fanOut(ctx, &env); err != nil {
		d.log.Error("fan-out failed",
			zap.String("channel", msg.Channel),
			zap.ByteString("message", msg.Payload),
			zap.Error(err),
		)
	}
}

// fanOut delivers a published event to every filtered subscriber, records a
// dispatcher child per target, and marks the sender's main published. With
// no subscriber the event parks in the dispatcher backup store.
func (d *Dispatcher) fanOut(ctx context.Context, env *event.Envelope) error {
	senderUUID := env.Metadata.Origin
	senderStore := d.incomerStore(senderUUID)
	main, err := senderStore.Get(ctx, env.Metadata.TransactionID)
	if err != nil {
		return fmt.Errorf("lookup sender main: %w", err)
	}
	if main == nil {
		return fmt.Errorf("%w: %s from %s", ErrMissingMainTransaction, env.Metadata.TransactionID, senderUUID)
	}

	incomers, err := d.registry.GetIncomers(ctx)
	if err != nil {
		return fmt.Errorf("get incomers: %w", err)
	}
	targets := fanoutTargets(incomers, env.Name)

	if len(targets) == 0 {
		if env.Name == event.Ping {
			d.log.Warn("ping with no subscriber dropped", zap.String("origin", senderUUID))
			return nil
		}
		main.Published = true
		if err := senderStore.Update(ctx, main.ID(), *main); err != nil {
			return fmt.Errorf("mark main published: %w", err)
		}
		if _, err := d.backupDispatcher.Set(ctx, store.Transaction{
			Name: env.Name,
			Data: env.Data,
			Metadata: event.Metadata{
				Origin:             d.privateUUID,
				To:                 "",
				Prefix:             d.opts.Prefix,
				RelatedTransaction: main.ID(),
				EventTransactionID: main.ID(),
				Iteration:          env.Metadata.Iteration,
			},
		}); err != nil {
			return fmt.Errorf("park zero-subscriber event: %w", err)
		}
		d.log.Info("event parked, no subscriber",
			zap.String("event", env.Name),
			zap.String("origin", senderUUID),
		)
		return nil
	}

	for _, target := range targets {
		if _, err := d.publishTo(ctx, target, env.Name, env.Data, main.ID(), main.ID(), env.Metadata.Iteration); err != nil {
			d.log.Error("delivery failed",
				zap.String("event", env.Name),
				zap.String("target", target.ProvidedUUID),
				zap.Error(err),
			)
		}
	}

	if err := d.registry.UpdateIncomerState(ctx, senderUUID); err != nil {
		d.log.Warn("bumping sender activity", zap.Error(err))
	}
	main.Published = true
	if err := senderStore.Update(ctx, main.ID(), *main); err != nil {
		return fmt.Errorf("mark main published: %w", err)
	}
	return nil
}

// fanoutTargets selects subscribers with the horizontal-scale filter:
// subscriptions with horizontalScale keep every replica of a same-named
// service, the rest keep exactly one per name group. Which replica wins is
// registry iteration order; callers must not rely on it.
func fanoutTargets(incomers map[string]store.Incomer, eventName string) []store.Incomer {
	taken := make(map[string]bool)
	var out []store.Incomer
	for _, inc := range incomers {
		sub, ok := inc.SubscribedTo(eventName)
		if !ok {
			continue
		}
		if sub.HorizontalScale {
			out = append(out, inc)
			continue
		}
		if taken[inc.Name] {
			continue
		}
		taken[inc.Name] = true
		out = append(out, inc)
	}
	return out
}
