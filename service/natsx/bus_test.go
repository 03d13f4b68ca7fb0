package natsx

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"PPAuth/service/bus"
	"PPAuth/tools/errs"
)

func startServer(t *testing.T) string {
	t.Helper()
	s := natsserver.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	return s.ClientURL()
}

func TestBus_FanOut(t *testing.T) {
	url := startServer(t)
	nc, err := Connect(NatsxConfig{Servers: []string{url}, Name: "test"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	a := NewBus(nc, "authsync", "acme.com", "ctx-a", zap.NewNop())
	b := NewBus(nc, "authsync", "acme.com", "ctx-b", zap.NewNop())
	x := NewBus(nc, "authsync", "other", "ctx-x", zap.NewNop())
	t.Cleanup(func() { _ = a.Close(); _ = b.Close(); _ = x.Close() })

	gotA := make(chan bus.Message, 2)
	gotB := make(chan bus.Message, 2)
	gotX := make(chan bus.Message, 2)
	_, err = a.Subscribe("auth", func(_ context.Context, m bus.Message) error { gotA <- m; return nil })
	require.NoError(t, err)
	_, err = b.Subscribe("auth", func(_ context.Context, m bus.Message) error { gotB <- m; return nil })
	require.NoError(t, err)
	_, err = x.Subscribe("auth", func(_ context.Context, m bus.Message) error { gotX <- m; return nil })
	require.NoError(t, err)

	sent := bus.NewMessage(bus.TypeLogout, "ctx-a", time.Now(), map[string]any{"reason": "auth_error"})
	require.NoError(t, a.Publish(context.Background(), "auth", sent))

	select {
	case m := <-gotB:
		assert.Equal(t, sent.ID, m.ID)
		assert.Equal(t, "auth_error", m.Payload["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not receive message")
	}
	select {
	case <-gotA:
		t.Fatal("self delivery")
	case <-gotX:
		t.Fatal("message crossed origins")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	url := startServer(t)
	nc, err := Connect(NatsxConfig{Servers: []string{url}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	a := NewBus(nc, "authsync", "o", "a", zap.NewNop())
	b := NewBus(nc, "authsync", "o", "b", zap.NewNop())
	got := make(chan bus.Message, 2)
	unsub, err := b.Subscribe("session", func(_ context.Context, m bus.Message) error { got <- m; return nil })
	require.NoError(t, err)
	unsub()
	require.NoError(t, nc.Flush())

	require.NoError(t, a.Publish(context.Background(), "session", bus.NewMessage(bus.TypeUserActivity, "a", time.Now(), nil)))
	select {
	case <-got:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Close())
	assert.True(t, errs.IsClosed(b.Publish(context.Background(), "session", bus.Message{})))
}

func TestConnect_NoServers(t *testing.T) {
	_, err := Connect(NatsxConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	assert.Equal(t, "acme_com", token("acme.com"))
	assert.Equal(t, "_", token(""))
	assert.Equal(t, "a_b_c", token("a*b>c"))
}
