package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func TestNATSPublisher_Publish(t *testing.T) {
	server := startTestNATSServer(t)

	pub, err := Connect(server.ClientURL(), "", nil)
	require.NoError(t, err)
	defer pub.Close()

	sub, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	ch := make(chan *nats.Msg, 1)
	s, err := sub.ChanSubscribe("docqa.documents.>", ch)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	err = pub.Publish(context.Background(), Event{
		Type:     TypeIngested,
		Filename: "sky.txt",
		EntryIDs: []string{"a", "b"},
		Chunks:   2,
	})
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "docqa.documents.ingested", msg.Subject)
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, TypeIngested, ev.Type)
		assert.Equal(t, "sky.txt", ev.Filename)
		assert.Equal(t, []string{"a", "b"}, ev.EntryIDs)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Time.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "rag.docs", nil)
	assert.Equal(t, "rag.docs.cleared", p.Subject(TypeCleared))
	assert.Equal(t, "rag.docs.deleted", p.Subject(TypeDeleted))
}

func TestNATSPublisher_Closed(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	p := NewNATSPublisher(nc, "", nil)
	require.NoError(t, p.Close())
	assert.False(t, nc.IsClosed(), "borrowed connection stays open")

	nc.Close()
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: TypeCleared}), ErrNotConnected)
	assert.NoError(t, p.Close())
}

func TestNATSPublisher_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewNATSPublisher(nil, "", nil)
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: TypeDeleted}), context.Canceled)
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "", nil)
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{Type: TypeCleared}))
	assert.NoError(t, p.Close())
}
