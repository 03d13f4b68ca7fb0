package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PPAuth/tools/errs"
)

func TestHub_NoSelfDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b, c := hub.Endpoint("a"), hub.Endpoint("b"), hub.Endpoint("c")

	got := map[string]int{}
	for _, ep := range []*HubEndpoint{a, b, c} {
		ep := ep
		_, err := ep.Subscribe("auth", func(context.Context, Message) error {
			got[ep.owner]++
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, a.Publish(context.Background(), "auth", NewMessage(TypeLogout, "a", time.Now(), nil)))
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, got)
}

func TestHub_TopicsAreSeparate(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	var n int
	_, _ = b.Subscribe("session", func(context.Context, Message) error { n++; return nil })

	_ = a.Publish(context.Background(), "auth", NewMessage(TypeLogout, "a", time.Now(), nil))
	assert.Zero(t, n)
}

func TestHub_UnsubscribeAndClose(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b := hub.Endpoint("a"), hub.Endpoint("b")
	var n int
	unsub, err := b.Subscribe("auth", func(context.Context, Message) error { n++; return nil })
	require.NoError(t, err)
	_, err = b.Subscribe("session", func(context.Context, Message) error { n++; return nil })
	require.NoError(t, err)

	ctx := context.Background()
	_ = a.Publish(ctx, "auth", NewMessage(TypeLogout, "a", time.Now(), nil))
	unsub()
	unsub()
	_ = a.Publish(ctx, "auth", NewMessage(TypeLogout, "a", time.Now(), nil))
	assert.Equal(t, 1, n)

	require.NoError(t, b.Close())
	_ = a.Publish(ctx, "session", NewMessage(TypeSessionUpdated, "a", time.Now(), nil))
	assert.Equal(t, 1, n, "closed endpoint loses its subscriptions")

	assert.True(t, errs.IsClosed(b.Publish(ctx, "auth", Message{})))
	_, err = b.Subscribe("auth", func(context.Context, Message) error { return nil })
	assert.True(t, errs.IsClosed(err))
	assert.NoError(t, b.Close())
}

func TestHub_ThroughBusInterface(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var a, b Bus = hub.Endpoint("a"), hub.Endpoint("b")
	var n int
	unsub, err := b.Subscribe("auth", func(context.Context, Message) error { n++; return nil })
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, "auth", NewMessage(TypeLogout, "a", time.Now(), nil)))
	unsub()
	require.NoError(t, a.Publish(ctx, "auth", NewMessage(TypeLogout, "a", time.Now(), nil)))
	assert.Equal(t, 1, n)
}

func TestHub_Intercept(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b, c := hub.Endpoint("a"), hub.Endpoint("b"), hub.Endpoint("c")
	got := map[string]int{}
	for _, ep := range []*HubEndpoint{b, c} {
		ep := ep
		_, _ = ep.Subscribe("auth", func(context.Context, Message) error { got[ep.owner]++; return nil })
	}
	hub.SetIntercept(func(_ string, _ Message, to string) bool { return to == "c" })

	_ = a.Publish(context.Background(), "auth", NewMessage(TypeLogout, "a", time.Now(), nil))
	assert.Equal(t, map[string]int{"b": 1}, got)
}
