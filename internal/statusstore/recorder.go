package statusstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/herald/pkg/messaging"
	"github.com/rs/zerolog"
)

// Recorder is a messaging.Handler that applies status deliveries to the
// store. A delivery is acked once Redis has it, or once it turns out to be
// stale; Redis failures nack it for redelivery.
type Recorder struct {
	store   *Client
	logger  zerolog.Logger
	backOff func() backoff.BackOff
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store *Client, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
}

// Handle implements messaging.Handler.
func (r *Recorder) Handle(ctx context.Context, d *messaging.DeliveryContext) error {
	rec, ok := RecordFromEvent(d.Event, d.MessageID, d.UpdatedTime)
	if !ok {
		d.Ack()
		return nil
	}
	// A record that can never be stored is dead-lettered, not retried.
	if err := rec.Validate(); err != nil {
		d.Nack(false)
		return fmt.Errorf("invalid status delivery %s: %w", d.MessageID, err)
	}

	var applied bool
	op := func() error {
		var err error
		applied, err = r.store.Apply(ctx, rec)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backOff(), ctx)); err != nil {
		d.Nack(true)
		return fmt.Errorf("failed to record %s %s: %w", rec.Entity, rec.ID, err)
	}
	d.Ack()

	log := r.logger.With().
		Str("gateway_id", rec.GatewayID).
		Str("entity", string(rec.Entity)).
		Str("id", rec.ID).
		Str("state", rec.State).
		Str("message_id", rec.MessageID).
		Logger()
	if !applied {
		log.Debug().Str("event", "status_stale").Msg("older status ignored")
		return nil
	}
	log.Debug().Str("event", "status_recorded").Msg("status recorded")
	return nil
}
