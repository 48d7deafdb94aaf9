package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/event"
	"github.com/edirooss/evbus/internal/repo"
)

// ErrIncomerNotFound means the providedUUID is absent from the registry.
var ErrIncomerNotFound = errors.New("incomer not found")

// Incomer is one approved fleet member as persisted in the registry.
type Incomer struct {
	// ProvidedUUID is the dispatcher-assigned identity used on the wire.
	ProvidedUUID string `json:"providedUUID"`
	// BaseUUID is the instance-provided self-identifier of the process.
	BaseUUID string `json:"baseUUID"`
	// Name is the capability/service name. Multiple incomers may share a
	// name (horizontal scale).
	Name string `json:"name"`
	// EventsCast are the event names this incomer may publish.
	EventsCast []string `json:"eventsCast"`
	// EventsSubscribe are the subscriptions this incomer receives.
	EventsSubscribe []event.SubscribeTo `json:"eventsSubscribe"`
	// Prefix is the environment scoping string; may be empty.
	Prefix string `json:"prefix,omitempty"`

	AliveSince   int64 `json:"aliveSince"`
	LastActivity int64 `json:"lastActivity"`

	// IsDispatcherActiveInstance is true iff this incomer process is
	// currently playing the active dispatcher role.
	IsDispatcherActiveInstance bool `json:"isDispatcherActiveInstance"`
}

// Casts reports whether the incomer may publish the named event.
func (i *Incomer) Casts(name string) bool {
	for _, e := range i.EventsCast {
		if e == name {
			return true
		}
	}
	return false
}

// SubscribedTo returns the incomer's subscription to the named event.
func (i *Incomer) SubscribedTo(name string) (event.SubscribeTo, bool) {
	for _, s := range i.EventsSubscribe {
		if s.Name == name {
			return s, true
		}
	}
	return event.SubscribeTo{}, false
}

// IncomerRegistry is the persistent directory of approved incomers, stored
// as one JSON map under {prefix}incomer keyed by providedUUID.
type IncomerRegistry struct {
	kv  repo.ObjectStore
	key string
	log *zap.Logger

	// Now is the timestamp source, replaceable in tests.
	Now func() int64
}

// NewIncomerRegistry binds the registry to its Redis key.
func NewIncomerRegistry(log *zap.Logger, kv repo.ObjectStore, prefix string) *IncomerRegistry {
	return &IncomerRegistry{
		kv:  kv,
		key: IncomerRegistryKey(prefix),
		log: log.Named("registry"),
		Now: NowMillis,
	}
}

// GetIncomers returns every approved incomer keyed by providedUUID.
// A missing key reads as an empty registry.
func (r *IncomerRegistry) GetIncomers(ctx context.Context) (map[string]Incomer, error) {
	out := make(map[string]Incomer)
	if _, err := r.kv.GetJSON(ctx, r.key, &out); err != nil {
		return nil, fmt.Errorf("get incomers: %w", err)
	}
	return out, nil
}

// SetIncomer inserts a new incomer, allocating its providedUUID.
func (r *IncomerRegistry) SetIncomer(ctx context.Context, inc Incomer) (string, error) {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return "", err
	}

	inc.ProvidedUUID = uuid.NewString()
	all[inc.ProvidedUUID] = inc
	if err := r.kv.SetJSON(ctx, r.key, all); err != nil {
		return "", fmt.Errorf("set incomer: %w", err)
	}
	return inc.ProvidedUUID, nil
}

// UpdateIncomer replaces the record with the same providedUUID.
func (r *IncomerRegistry) UpdateIncomer(ctx context.Context, inc Incomer) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[inc.ProvidedUUID]; !ok {
		return fmt.Errorf("%w: %s", ErrIncomerNotFound, inc.ProvidedUUID)
	}

	all[inc.ProvidedUUID] = inc
	if err := r.kv.SetJSON(ctx, r.key, all); err != nil {
		return fmt.Errorf("update incomer %s: %w", inc.ProvidedUUID, err)
	}
	return nil
}

// UpdateIncomerState bumps the record's lastActivity to now.
func (r *IncomerRegistry) UpdateIncomerState(ctx context.Context, providedUUID string) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	inc, ok := all[providedUUID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIncomerNotFound, providedUUID)
	}

	inc.LastActivity = r.Now()
	all[providedUUID] = inc
	if err := r.kv.SetJSON(ctx, r.key, all); err != nil {
		return fmt.Errorf("update incomer state %s: %w", providedUUID, err)
	}
	return nil
}

// DeleteIncomer removes the record. The registry key stays even when empty
// so a restarting fleet finds the namespace initialized.
func (r *IncomerRegistry) DeleteIncomer(ctx context.Context, providedUUID string) error {
	all, err := r.GetIncomers(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[providedUUID]; !ok {
		return fmt.Errorf("%w: %s", ErrIncomerNotFound, providedUUID)
	}

	delete(all, providedUUID)
	if err := r.kv.SetJSON(ctx, r.key, all); err != nil {
		return fmt.Errorf("delete incomer %s: %w", providedUUID, err)
	}
	return nil
}
