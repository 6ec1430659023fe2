package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/overlay"
	"github.com/hidaemon/hid/internal/wire"
)

type fakeOverlay struct {
	id     string
	events chan overlay.Event

	mu   sync.Mutex
	sent []wire.MessageEnvelope
	tags []uint32

	sendErr error
}

func newFakeOverlay(id string) *fakeOverlay {
	return &fakeOverlay{id: id, events: make(chan overlay.Event, 8)}
}

func (f *fakeOverlay) ID() string                      { return f.id }
func (f *fakeOverlay) Events() <-chan overlay.Event    { return f.events }
func (f *fakeOverlay) Dial(ctx context.Context, addr string) error { return nil }

func (f *fakeOverlay) SendMessage(ctx context.Context, peerID string, env wire.MessageEnvelope) (wire.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	if f.sendErr != nil {
		return wire.Message{}, f.sendErr
	}
	return wire.OkMessage(), nil
}

func (f *fakeOverlay) SetServicesTag(tag uint32) {
	f.mu.Lock()
	f.tags = append(f.tags, tag)
	f.mu.Unlock()
}

func recvMessage(t *testing.T, ch <-chan wire.Message, d time.Duration) wire.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return wire.Message{}
	}
}

func requireNoMessage(t *testing.T, ch <-chan wire.Message, d time.Duration) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("expected no message, got %#v", m)
	case <-time.After(d):
	}
}

// TestRegisterAndGetName is scenario 1 of spec §8: Register then Get{Name}
// returns the daemon's hostname.
func TestRegisterAndGetName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRouter(newFakeOverlay("self"), "daemon-1", 30*time.Second, time.Hour, diag.New())
	r.Run(ctx)

	client := r.Connect(ctx, nil)
	require.NotNil(t, client)

	reply := client.Get(ctx, wire.GetSetNameValue(""))
	require.Equal(t, wire.GetSetName, reply.Kind())
	require.Equal(t, "daemon-1", reply.Name())
}

// TestBroadcastFanOut is scenario 3: clients A/B (service 7) and C (service
// 8); a broadcast inbound overlay Message for service 7 reaches exactly A
// and B, each once, with identical content.
func TestBroadcastFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov := newFakeOverlay("self")
	r := NewRouter(ov, "daemon-1", 30*time.Second, time.Hour, diag.New())
	r.Run(ctx)

	a := r.Connect(ctx, []wire.ServiceID{7})
	b := r.Connect(ctx, []wire.ServiceID{7})
	c := r.Connect(ctx, []wire.ServiceID{8})
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	content := []byte{0x01, 0x02}
	ov.events <- overlay.Event{
		Kind:     overlay.EventMessage,
		Envelope: wire.MessageEnvelope{ToClient: wire.ClientBroadcast, Service: 7, Content: content},
		Reply:    func(wire.Message) {},
	}

	gotA := recvMessage(t, a.Messages(), 2*time.Second)
	require.Equal(t, wire.MessageEnv, gotA.Kind())
	require.Equal(t, content, gotA.Envelope().Content)

	gotB := recvMessage(t, b.Messages(), 2*time.Second)
	require.Equal(t, content, gotB.Envelope().Content)

	requireNoMessage(t, c.Messages(), 200*time.Millisecond)
}

// TestLocalSendMessageToSelfShortCircuits exercises the "to_peer == '' or
// equals the local peer's id" short-circuit without touching the overlay.
func TestLocalSendMessageToSelfShortCircuits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov := newFakeOverlay("self")
	r := NewRouter(ov, "daemon-1", 30*time.Second, time.Hour, diag.New())
	r.Run(ctx)

	sender := r.Connect(ctx, nil)
	receiver := r.Connect(ctx, []wire.ServiceID{9})
	require.NotNil(t, sender)
	require.NotNil(t, receiver)

	resp := sender.SendMessage(ctx, wire.MessageEnvelope{
		ToClient: receiver.ID(),
		Service:  9,
		Content:  []byte("hi"),
	})
	require.Equal(t, wire.MessageOk, resp.Kind())

	got := recvMessage(t, receiver.Messages(), 2*time.Second)
	require.Equal(t, []byte("hi"), got.Envelope().Content)

	ov.mu.Lock()
	sentToOverlay := len(ov.sent)
	ov.mu.Unlock()
	require.Zero(t, sentToOverlay, "local delivery must not go through the overlay")
}

// TestPeerGossipReaper is scenario 2: a new AnnouncePeer fans out a
// PeerUpdate; once its last_update falls outside PEER_TTL the reaper
// removes it and fans out a removal PeerUpdate. The router's clock is
// injected so the test doesn't need to sleep 31 real seconds.
func TestPeerGossipReaper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov := newFakeOverlay("self")
	r := NewRouter(ov, "daemon-1", 30*time.Second, 20*time.Millisecond, diag.New())
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }
	r.Run(ctx)

	sub := r.Connect(ctx, []wire.ServiceID{wire.ServiceDirectory})
	require.NotNil(t, sub)
	// a client never receives its own ClientUpdate(add=true) notification.
	requireNoMessage(t, sub.Messages(), 100*time.Millisecond)

	ov.events <- overlay.Event{Kind: overlay.EventAnnouncePeer, Peer: wire.PeerInfoWire{
		PeerID: "P1", Name: "alice", ServicesTag: 42, LastUpdate: clock.Unix(),
	}}

	added := recvMessage(t, sub.Messages(), time.Second)
	require.Equal(t, wire.MessageEventEnv, added.Kind())
	ev := added.EventEnv().Ev
	require.Equal(t, wire.EventPeerUpdate, ev.Kind())
	require.False(t, ev.Peer().Removed)
	require.Equal(t, "P1", ev.Peer().PeerID)

	clock = clock.Add(31 * time.Second)

	removed := recvMessage(t, sub.Messages(), 2*time.Second)
	require.Equal(t, wire.MessageEventEnv, removed.Kind())
	removedEv := removed.EventEnv().Ev
	require.Equal(t, wire.EventPeerUpdate, removedEv.Kind())
	require.True(t, removedEv.Peer().Removed)
	require.Equal(t, "P1", removedEv.Peer().PeerID)
}

// TestPeerGossipServicesTagChangeFansOut covers the recurring case
// TestPeerGossipReaper doesn't: a peer already in the table sends a later
// heartbeat with a changed services_tag. handleAnnouncePeer must still fan
// out a PeerUpdate so internal/directory's tag-resync logic runs, not just
// on the peer's very first announce.
func TestPeerGossipServicesTagChangeFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov := newFakeOverlay("self")
	r := NewRouter(ov, "daemon-1", 30*time.Second, time.Hour, diag.New())
	clock := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return clock }
	r.Run(ctx)

	sub := r.Connect(ctx, []wire.ServiceID{wire.ServiceDirectory})
	require.NotNil(t, sub)
	requireNoMessage(t, sub.Messages(), 100*time.Millisecond)

	ov.events <- overlay.Event{Kind: overlay.EventAnnouncePeer, Peer: wire.PeerInfoWire{
		PeerID: "P1", Name: "alice", ServicesTag: 42, LastUpdate: clock.Unix(),
	}}
	first := recvMessage(t, sub.Messages(), time.Second)
	require.Equal(t, uint32(42), first.EventEnv().Ev.Peer().ServicesTag)

	// Same peer, same tag: a bare heartbeat refresh must not fan out.
	clock = clock.Add(time.Second)
	ov.events <- overlay.Event{Kind: overlay.EventAnnouncePeer, Peer: wire.PeerInfoWire{
		PeerID: "P1", Name: "alice", ServicesTag: 42, LastUpdate: clock.Unix(),
	}}
	requireNoMessage(t, sub.Messages(), 100*time.Millisecond)

	// Same peer, changed tag: must fan out.
	clock = clock.Add(time.Second)
	ov.events <- overlay.Event{Kind: overlay.EventAnnouncePeer, Peer: wire.PeerInfoWire{
		PeerID: "P1", Name: "alice", ServicesTag: 99, LastUpdate: clock.Unix(),
	}}
	changed := recvMessage(t, sub.Messages(), time.Second)
	require.Equal(t, wire.MessageEventEnv, changed.Kind())
	ev := changed.EventEnv().Ev
	require.Equal(t, wire.EventPeerUpdate, ev.Kind())
	require.Equal(t, "P1", ev.Peer().PeerID)
	require.Equal(t, uint32(99), ev.Peer().ServicesTag)
}

// TestServicesTagChurn is scenario 4: Set{ServicesTag(0)} after a non-zero
// value round-trips through the router to the overlay.
func TestServicesTagChurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov := newFakeOverlay("self")
	r := NewRouter(ov, "daemon-1", 30*time.Second, time.Hour, diag.New())
	r.Run(ctx)

	directory := r.Connect(ctx, []wire.ServiceID{wire.ServiceDirectory})
	require.NotNil(t, directory)

	reply := directory.Set(ctx, wire.GetSetServicesTagValue(7))
	require.Equal(t, wire.GetSetOk, reply.Kind())
	reply = directory.Set(ctx, wire.GetSetServicesTagValue(0))
	require.Equal(t, wire.GetSetOk, reply.Kind())

	ov.mu.Lock()
	defer ov.mu.Unlock()
	require.Equal(t, []uint32{7, 0}, ov.tags)
}
