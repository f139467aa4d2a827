package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	published     []IMessage
	handlers      map[string]IMessageHandler
	shouldError   error
	orderRecorder *[]string
}

func newMockTransport() *mockTransport {
	return &mockTransport{handlers: make(map[string]IMessageHandler)}
}

func (m *mockTransport) Publish(ctx context.Context, message IMessage) error {
	if m.orderRecorder != nil {
		*m.orderRecorder = append(*m.orderRecorder, "transport")
	}
	m.published = append(m.published, message)
	return m.shouldError
}

func (m *mockTransport) Subscribe(topic string, handler IMessageHandler) error {
	m.handlers[topic] = handler
	return nil
}

func (m *mockTransport) Start(ctx context.Context) error { return nil }
func (m *mockTransport) Close() error                    { return nil }
func (m *mockTransport) Stats() TransportStats           { return TransportStats{} }

// deliver 模拟 broker 投递
func (m *mockTransport) deliver(ctx context.Context, msg IMessage) error {
	return m.handlers[msg.GetType()].Handle(ctx, msg)
}

type recordingMiddleware struct {
	name  string
	order *[]string
	err   error
}

func (r *recordingMiddleware) Name() string { return r.name }

func (r *recordingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	*r.order = append(*r.order, r.name)
	if r.err != nil {
		return r.err
	}
	return next(ctx, message)
}

func TestMessageBus_PublishRunsMiddlewaresInOrder(t *testing.T) {
	var order []string
	tpt := newMockTransport()
	tpt.orderRecorder = &order

	bus := NewMessageBus(tpt)
	bus.Use(&recordingMiddleware{name: "first", order: &order})
	bus.Use(&recordingMiddleware{name: "second", order: &order})

	msg, err := NewMessage("saga.product.command", "42", map[string]int{"qty": 1})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), msg))

	assert.Equal(t, []string{"first", "second", "transport"}, order)
	require.Len(t, tpt.published, 1)
	assert.Equal(t, "42", tpt.published[0].GetKey())
}

func TestMessageBus_MiddlewareErrorStopsPublish(t *testing.T) {
	var order []string
	tpt := newMockTransport()
	bus := NewMessageBus(tpt)
	bus.Use(&recordingMiddleware{name: "reject", order: &order, err: errors.New("rejected")})

	msg, _ := NewMessage("t", "1", nil)
	err := bus.Publish(context.Background(), msg)
	assert.EqualError(t, err, "rejected")
	assert.Empty(t, tpt.published)
}

func TestMessageBus_SubscribeWrapsHandler(t *testing.T) {
	var order []string
	tpt := newMockTransport()
	bus := NewMessageBus(tpt)
	bus.Use(&recordingMiddleware{name: "mw", order: &order})

	handlerErr := errors.New("not yet")
	require.NoError(t, bus.Subscribe("saga.product.reply", NewHandler("reply", func(ctx context.Context, m IMessage) error {
		order = append(order, "handler")
		return handlerErr
	})))

	msg, _ := NewMessage("saga.product.reply", "1", nil)
	err := tpt.deliver(context.Background(), msg)
	assert.ErrorIs(t, err, handlerErr)
	assert.Equal(t, []string{"mw", "handler"}, order)
	assert.Equal(t, "reply", tpt.handlers["saga.product.reply"].Type())
}

func TestNewMessageAndDecode(t *testing.T) {
	type body struct {
		SagaID int64  `json:"sagaId"`
		Type   string `json:"type"`
	}
	msg, err := NewMessage("saga.user.command", "7", body{SagaID: 7, Type: "USE_POINT"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.GetID())
	assert.False(t, msg.GetTimestamp().IsZero())

	var got body
	require.NoError(t, Decode(msg, &got))
	assert.Equal(t, body{SagaID: 7, Type: "USE_POINT"}, got)

	bad := &Message{ID: "x", Type: "t", Payload: []byte("{")}
	assert.Error(t, Decode(bad, &got))

	_, err = NewMessage("t", "1", make(chan int))
	assert.Error(t, err)
}
