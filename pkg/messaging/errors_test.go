package messaging

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dyluth/herald/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestErrors_WrapAndClassify(t *testing.T) {
	cause := errors.New("boom")

	testCases := []struct {
		name  string
		err   error
		check func(error) bool
		wraps bool
	}{
		{"connection", &ConnectionError{URL: "amqp://h/", Op: "dial", Err: cause}, IsConnection, true},
		{"decode", &DecodeError{MessageType: events.TypeJob, Payload: true, Err: cause}, IsDecode, true},
		{"unknown type", &UnknownTypeError{MessageType: events.TypeDBEvent}, IsUnknownType, false},
		{"duplicate", &DuplicateSubscriptionError{ID: "abc", Queue: "q"}, IsDuplicateSubscription, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to start consumer: %w", tc.err)
			assert.True(t, tc.check(wrapped))
			assert.Equal(t, tc.wraps, errors.Is(wrapped, cause))
			assert.NotEmpty(t, tc.err.Error())
		})
	}

	assert.False(t, IsDecode(cause))
	assert.ErrorIs(t, &PublishError{Err: cause}, cause)
	assert.ErrorIs(t, &AckError{Err: cause}, cause)
	assert.Contains(t, (&AckError{DeliveryTag: 9, Nack: true, Err: cause}).Error(), "nack delivery 9")
	assert.Contains(t, (&UnknownTypeError{MessageType: events.TypeDBEvent}).Error(), "DB_EVENT")
}
