package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/herald/pkg/events"
)

// ErrClosed is returned by operations on a closed ConnectionManager,
// Publisher, Worker or Subscriber.
var ErrClosed = errors.New("messaging: closed")

// ConnectionError reports a failure to reach or handshake with the broker,
// or to open a channel on an established connection. It is fatal to the
// setup operation that returned it.
type ConnectionError struct {
	URL string // broker URL with credentials redacted
	Op  string // "dial", "channel", "exchange declare", "qos", ...
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("messaging: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError wraps a transport failure while publishing. Publish never
// retries; the caller decides.
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("messaging: publish %s to exchange %q with key %q: %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError reports bytes that could not be decoded into an envelope or
// into the payload shape registered for the envelope's message type.
type DecodeError struct {
	MessageType events.MessageType
	Payload     bool // true when the inner payload failed, false for the envelope
	Err         error
}

func (e *DecodeError) Error() string {
	if e.Payload {
		return fmt.Sprintf("messaging: decode %s payload: %v", e.MessageType, e.Err)
	}
	return fmt.Sprintf("messaging: decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UnknownTypeError is returned when no decoder is registered for a message
// type. Consumers treat it as the normal outcome for types they ignore.
type UnknownTypeError struct {
	MessageType events.MessageType
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("messaging: no decoder registered for message type %s", e.MessageType)
}

// DuplicateSubscriptionError is returned by Listen when an identical
// (queue, routing keys) subscription is already live.
type DuplicateSubscriptionError struct {
	ID          string
	Queue       string
	RoutingKeys []string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("messaging: subscription %s already active for queue %q keys [%s]",
		e.ID, e.Queue, strings.Join(e.RoutingKeys, ", "))
}

// AckError reports a failed ack or nack. It is only ever logged: the broker
// redelivers the message on its own once the channel goes away.
type AckError struct {
	DeliveryTag uint64
	Nack        bool
	Err         error
}

func (e *AckError) Error() string {
	op := "ack"
	if e.Nack {
		op = "nack"
	}
	return fmt.Sprintf("messaging: %s delivery %d: %v", op, e.DeliveryTag, e.Err)
}

func (e *AckError) Unwrap() error { return e.Err }

// IsUnknownType reports whether err is (or wraps) an UnknownTypeError.
func IsUnknownType(err error) bool {
	var target *UnknownTypeError
	return errors.As(err, &target)
}

// IsDecode reports whether err is (or wraps) a DecodeError.
func IsDecode(err error) bool {
	var target *DecodeError
	return errors.As(err, &target)
}

// IsDuplicateSubscription reports whether err is (or wraps) a DuplicateSubscriptionError.
func IsDuplicateSubscription(err error) bool {
	var target *DuplicateSubscriptionError
	return errors.As(err, &target)
}

// IsConnection reports whether err is (or wraps) a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}
