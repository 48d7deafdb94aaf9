package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownEvent means no validator is registered for the event name.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrMalformed means the envelope fails the mandatory metadata schema.
	ErrMalformed = errors.New("malformed message")
)

// ValidateFunc checks one event's payload.
type ValidateFunc func(data json.RawMessage) error

// DelegateFunc is the custom validation callback. When installed it replaces
// the per-event validators for every event except register and ping.
type DelegateFunc func(name string, data json.RawMessage) error

// Validator gates inbound envelopes: the metadata block goes through the
// struct schema, the payload through the event's registered validator or
// the custom delegate.
type Validator struct {
	schema   *validator.Validate
	fns      map[string]ValidateFunc
	delegate DelegateFunc
}

// NewValidator builds a Validator over the given per-event validation map.
// The reserved register and ping events always have built-in rules; entries
// in fns for them are ignored.
func NewValidator(fns map[string]ValidateFunc, delegate DelegateFunc) *Validator {
	all := make(map[string]ValidateFunc, len(fns)+2)
	for name, fn := range fns {
		all[name] = fn
	}
	v := &Validator{
		schema:   validator.New(validator.WithRequiredStructEnabled()),
		fns:      all,
		delegate: delegate,
	}
	all[Register] = v.validateRegister
	all[Ping] = func(json.RawMessage) error { return nil }
	all[OK] = func(json.RawMessage) error { return nil }
	all[Approvement] = func(json.RawMessage) error { return nil }
	return v
}

// Known reports whether a validator exists for name.
func (v *Validator) Known(name string) bool {
	if _, ok := v.fns[name]; ok {
		return true
	}
	return v.delegate != nil && !IsReserved(name)
}

// Check validates the full envelope: mandatory metadata schema first, then
// the event payload.
func (v *Validator) Check(env *Envelope) error {
	if env.Name == "" {
		return fmt.Errorf("%w: missing name", ErrMalformed)
	}
	if err := v.schema.Struct(env); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	// The custom delegate owns every user event when installed.
	if v.delegate != nil && env.Name != Register && env.Name != Ping {
		if err := v.delegate(env.Name, env.Data); err != nil {
			return fmt.Errorf("event %q: %w", env.Name, err)
		}
		return nil
	}

	fn, ok := v.fns[env.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Name)
	}
	if err := fn(env.Data); err != nil {
		return fmt.Errorf("event %q: %w", env.Name, err)
	}
	return nil
}

func (v *Validator) validateRegister(data json.RawMessage) error {
	var reg RegistrationData
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("decode registration: %w", err)
	}
	if err := v.schema.Struct(&reg); err != nil {
		return fmt.Errorf("registration schema: %w", err)
	}
	return nil
}
