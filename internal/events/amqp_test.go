package events

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeConfirm struct {
	done chan struct{}
	ack  bool
}

func resolved(ack bool) *fakeConfirm {
	c := &fakeConfirm{done: make(chan struct{}), ack: ack}
	close(c.done)
	return c
}

func (c *fakeConfirm) WaitContext(ctx context.Context) (bool, error) {
	select {
	case <-c.done:
		return c.ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestAMQPPublishWaitsForItsOwnConfirm(t *testing.T) {
	pending := &fakeConfirm{done: make(chan struct{}), ack: false}
	confirms := []*fakeConfirm{pending, resolved(true), resolved(false)}
	var sent []string
	bus := &AMQPBus{publish: func(_ context.Context, key string, msg amqp.Publishing) (confirmation, error) {
		sent = append(sent, key+"/"+msg.MessageId)
		c := confirms[0]
		confirms = confirms[1:]
		return c, nil
	}}

	abandoned := New(TypeTicketStatusChanged, SubjectKitchenTickets)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, bus.Publish(ctx, abandoned), context.Canceled)

	// the abandoned message is nacked late; later publishes never see it
	close(pending.done)

	next := New(TypeOrderItemsAdded, SubjectOrderItems)
	require.NoError(t, bus.Publish(context.Background(), next))

	rejected := New(TypeOrderCancelled, SubjectOrderItems)
	require.EqualError(t, bus.Publish(context.Background(), rejected), "events: publish nacked by broker")

	require.Equal(t, []string{
		SubjectKitchenTickets + "/" + abandoned.ID,
		SubjectOrderItems + "/" + next.ID,
		SubjectOrderItems + "/" + rejected.ID,
	}, sent)
}

func TestAMQPPublishWrapsSendError(t *testing.T) {
	bus := &AMQPBus{publish: func(context.Context, string, amqp.Publishing) (confirmation, error) {
		return nil, amqp.ErrClosed
	}}
	err := bus.Publish(context.Background(), New(TypeOrderCreated, SubjectOrderItems))
	require.True(t, errors.Is(err, amqp.ErrClosed))
	require.Contains(t, err.Error(), "events: publish "+TypeOrderCreated)
}
