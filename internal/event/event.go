// Package event defines the wire envelope exchanged over the bus and the
// validation layer that gates every inbound message.
package event

import "encoding/json"

// Reserved event names. User events must not use these.
const (
	// Register is sent by an incomer on the dispatcher channel to request
	// admission to the fleet.
	Register = "register"
	// Approvement is the dispatcher's admission reply carrying the assigned
	// providedUUID.
	Approvement = "approvement"
	// Ping is the dispatcher's liveness probe on an incomer's private channel.
	Ping = "ping"
	// OK is the leader-election announcement on the dispatcher channel.
	OK = "OK"
)

// IsReserved reports whether name is one of the bus-internal event names.
func IsReserved(name string) bool {
	switch name {
	case Register, Approvement, Ping, OK:
		return true
	}
	return false
}

// Metadata is the routing and transaction-tracking block attached to every
// envelope under "redisMetadata".
type Metadata struct {
	// Origin is the sender's identity: the dispatcher's privateUUID or an
	// incomer's providedUUID.
	Origin string `json:"origin" validate:"required,uuid4"`
	// To is the target providedUUID when the message is directed.
	To string `json:"to,omitempty"`
	// IncomerName is the target's capability name when directed.
	IncomerName string `json:"incomerName,omitempty"`
	// Prefix scopes keys and channels per environment.
	Prefix string `json:"prefix,omitempty"`
	// TransactionID is assigned when the sending side records the message
	// in its transaction store.
	TransactionID string `json:"transactionId,omitempty" validate:"omitempty,uuid4"`
	// EventTransactionID carries the original publisher's main transaction
	// id across re-publishes.
	EventTransactionID string `json:"eventTransactionId,omitempty" validate:"omitempty,uuid4"`
	// MainTransaction marks the original, publisher-held side of a publish.
	MainTransaction bool `json:"mainTransaction,omitempty"`
	// RelatedTransaction points at the peer transaction this one answers.
	// Empty on mains.
	RelatedTransaction string `json:"relatedTransaction,omitempty" validate:"omitempty,uuid4"`
	// Resolved is set once the receiving side has acknowledged the work.
	Resolved bool `json:"resolved,omitempty"`
	// Iteration counts fan-out attempts; bumped on re-home and retry.
	Iteration int `json:"iteration,omitempty"`
}

// Envelope is the JSON message published on bus channels.
type Envelope struct {
	Name     string          `json:"name" validate:"required"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata Metadata        `json:"redisMetadata" validate:"required"`
}

// ApprovementData is the payload of an approvement envelope.
type ApprovementData struct {
	UUID string `json:"uuid"`
}

// RegistrationData is the payload of a register envelope.
type RegistrationData struct {
	Name            string        `json:"name" validate:"required"`
	EventsCast      []string      `json:"eventsCast"`
	EventsSubscribe []SubscribeTo `json:"eventsSubscribe"`
}

// SubscribeTo is one subscription declared at registration.
type SubscribeTo struct {
	Name string `json:"name" validate:"required"`
	// HorizontalScale delivers the event to every replica of a same-named
	// service instead of exactly one.
	HorizontalScale bool `json:"horizontalScale,omitempty"`
}
