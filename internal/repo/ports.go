package repo

import "context"

// Port interfaces decoupling the dispatcher core from the concrete Redis
// implementations. Tests run against in-memory fakes satisfying the same
// contracts.

// Message is a single pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription whose channel set can grow and
// shrink while messages keep flowing.
type Subscription interface {
	// Messages returns the delivery stream. The channel is closed when the
	// subscription is closed.
	Messages() <-chan Message

	// Subscribe adds channels to the subscription.
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe removes channels from the subscription.
	Unsubscribe(ctx context.Context, channels ...string) error

	// Close tears down the subscription and closes the message stream.
	Close() error
}

// Broker publishes payloads to named channels and opens subscriptions.
type Broker interface {
	// Publish sends payload to every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription over the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// ObjectStore reads and writes JSON documents by key.
type ObjectStore interface {
	// GetJSON unmarshals the document at key into dest. Returns false when
	// the key does not exist.
	GetJSON(ctx context.Context, key string, dest any) (bool, error)

	// SetJSON marshals v and stores it at key, replacing any prior value.
	SetJSON(ctx context.Context, key string, v any) error

	// Delete removes the document at key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error
}
