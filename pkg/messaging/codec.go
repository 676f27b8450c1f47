package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/herald/pkg/events"
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2), so the same
// envelope always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so producers can
// add envelope or payload fields without breaking older consumers.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("messaging: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("messaging: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope is the outer wire shape of every message. Payload holds the
// serialized typed event and is decoded separately once MessageType is known.
type Envelope struct {
	Payload           []byte             `cbor:"1,keyasint"`
	MessageID         string             `cbor:"2,keyasint"`
	MessageType       events.MessageType `cbor:"3,keyasint"`
	UpdatedTimeMillis int64              `cbor:"4,keyasint"`
	GatewayID         string             `cbor:"5,keyasint,omitempty"`
}

// UpdatedTime returns UpdatedTimeMillis as a time.Time.
func (e *Envelope) UpdatedTime() time.Time {
	return time.UnixMilli(e.UpdatedTimeMillis)
}

// Encode serializes event, wraps it in an Envelope and serializes the
// envelope. The envelope's GatewayID is taken from the event.
func Encode(event events.Event, messageType events.MessageType, messageID string, updated time.Time) ([]byte, error) {
	if event == nil {
		return nil, errors.New("cannot encode nil event")
	}
	if messageID == "" {
		return nil, errors.New("message id cannot be empty")
	}

	payload, err := encMode.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", messageType, err)
	}

	env := Envelope{
		Payload:           payload,
		MessageID:         messageID,
		MessageType:       messageType,
		UpdatedTimeMillis: updated.UnixMilli(),
		GatewayID:         event.Gateway(),
	}
	b, err := encMode.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// Decode parses the envelope only. The payload is left as bytes.
func Decode(b []byte) (*Envelope, error) {
	if len(b) == 0 {
		return nil, &DecodeError{Err: errors.New("empty body")}
	}
	var env Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.MessageID == "" {
		return nil, &DecodeError{MessageType: env.MessageType, Err: errors.New("envelope has no message id")}
	}
	return &env, nil
}

// Decoder turns payload bytes into a typed event.
type Decoder func(payload []byte) (events.Event, error)

// DecoderFor returns a Decoder that unmarshals into a new T.
//
//	dec := messaging.DecoderFor[events.JobStatusChange]()
func DecoderFor[T any, P interface {
	*T
	events.Event
}]() Decoder {
	return func(payload []byte) (events.Event, error) {
		var v T
		if err := decMode.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return P(&v), nil
	}
}

// decodeWith runs dec and wraps failures as DecodeError.
func decodeWith(dec Decoder, env *Envelope) (events.Event, error) {
	if len(env.Payload) == 0 {
		return nil, &DecodeError{MessageType: env.MessageType, Payload: true, Err: errors.New("empty payload")}
	}
	ev, err := dec(env.Payload)
	if err != nil {
		return nil, &DecodeError{MessageType: env.MessageType, Payload: true, Err: err}
	}
	return ev, nil
}
