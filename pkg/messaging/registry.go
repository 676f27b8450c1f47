package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/herald/pkg/events"
)

// Handler processes one decoded delivery. A returned error is logged by the
// subscriber and never stops the consume loop. Handlers running with manual
// acknowledgment are responsible for calling d.Ack or d.Nack.
type Handler interface {
	Handle(ctx context.Context, d *DeliveryContext) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, d *DeliveryContext) error

// Handle calls f(ctx, d).
func (f HandlerFunc) Handle(ctx context.Context, d *DeliveryContext) error {
	return f(ctx, d)
}

// AckOnSuccess wraps h so the delivery is acked when h returns nil. When h
// returns an error the delivery is requeued, or rejected if the broker had
// already redelivered it. It does nothing extra in auto-ack mode.
func AckOnSuccess(h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, d *DeliveryContext) error {
		err := h.Handle(ctx, d)
		if d.autoAck {
			return err
		}
		if err != nil {
			d.Nack(!d.Redelivered)
			return err
		}
		d.Ack()
		return nil
	})
}

type route struct {
	decoder Decoder
	handler Handler
}

// Registry maps message types to a payload decoder and a handler. The same
// MessageType may carry different payload shapes on different exchanges, so
// each consumer builds its own Registry.
//
// A Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	routes map[events.MessageType]route
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[events.MessageType]route)}
}

// Register binds a decoder and handler to a message type, replacing any
// previous registration.
func (r *Registry) Register(t events.MessageType, dec Decoder, h Handler) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if dec == nil {
		return fmt.Errorf("nil decoder for %s", t)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[t] = route{decoder: dec, handler: h}
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// package-level registry construction with constant arguments.
func (r *Registry) MustRegister(t events.MessageType, dec Decoder, h Handler) *Registry {
	if err := r.Register(t, dec, h); err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the decoder and handler for t, or UnknownTypeError.
func (r *Registry) Resolve(t events.MessageType) (Decoder, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[t]
	if !ok {
		return nil, nil, &UnknownTypeError{MessageType: t}
	}
	return rt.decoder, rt.handler, nil
}

// DecodePayload decodes the envelope's payload with the decoder registered
// for its type.
func (r *Registry) DecodePayload(env *Envelope) (events.Event, error) {
	dec, _, err := r.Resolve(env.MessageType)
	if err != nil {
		return nil, err
	}
	return decodeWith(dec, env)
}

// Types lists the registered message types in ascending order.
func (r *Registry) Types() []events.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.MessageType, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StatusRegistry routes the four status-change variants to h.
func StatusRegistry(h Handler) *Registry {
	return NewRegistry().
		MustRegister(events.TypeExperiment, DecoderFor[events.ExperimentStatusChange](), h).
		MustRegister(events.TypeProcess, DecoderFor[events.ProcessStatusChange](), h).
		MustRegister(events.TypeTask, DecoderFor[events.TaskStatusChange](), h).
		MustRegister(events.TypeJob, DecoderFor[events.JobStatusChange](), h)
}

// ProcessLaunchRegistry routes process launch and terminate commands to h.
func ProcessLaunchRegistry(h Handler) *Registry {
	return NewRegistry().
		MustRegister(events.TypeLaunchProcess, DecoderFor[events.ProcessSubmit](), h).
		MustRegister(events.TypeTerminateProcess, DecoderFor[events.ProcessTerminate](), h)
}

// ExperimentLaunchRegistry routes experiment launch, cancel and
// intermediate-output requests to h. Here TypeExperiment carries an
// ExperimentSubmit rather than an ExperimentStatusChange.
func ExperimentLaunchRegistry(h Handler) *Registry {
	return NewRegistry().
		MustRegister(events.TypeExperiment, DecoderFor[events.ExperimentSubmit](), h).
		MustRegister(events.TypeExperimentCancel, DecoderFor[events.ExperimentSubmit](), h).
		MustRegister(events.TypeIntermediateOutputs, DecoderFor[events.ExperimentIntermediateOutputs](), h)
}
