package overlay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/wire"
)

func hostAddrInfo(t *testing.T, a *Adapter) peer.AddrInfo {
	t.Helper()
	return peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
}

func newTestAdapter(t *testing.T, name string) *Adapter {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		KeyFile:         filepath.Join(dir, "identity.key"),
		ListenPort:      0,
		MdnsTag:         "hid-test-mdns",
		GossipTopic:     "/hello/world/test",
		Name:            name,
		HeartbeatPeriod: 200 * time.Millisecond,
	}
	a, err := New(context.Background(), cfg, diag.New())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSendMessageRoundTrip(t *testing.T) {
	a := newTestAdapter(t, "alice")
	b := newTestAdapter(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		for ev := range b.Events() {
			if ev.Kind == EventMessage {
				ev.Reply(wire.OkMessage())
			}
		}
	}()

	addrInfo := hostAddrInfo(t, b)
	require.NoError(t, a.host.Connect(ctx, addrInfo))

	resp, err := a.SendMessage(ctx, b.ID(), wire.MessageEnvelope{
		Content: []byte("hello"),
	})
	require.NoError(t, err)
	require.Equal(t, wire.MessageOk, resp.Kind())
}

func TestPresenceLoopDeliversAnnounce(t *testing.T) {
	a := newTestAdapter(t, "alice")
	b := newTestAdapter(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Run(ctx)
	b.Run(ctx)

	addrInfo := hostAddrInfo(t, b)
	require.NoError(t, a.host.Connect(ctx, addrInfo))

	select {
	case ev := <-a.Events():
		require.Equal(t, EventAnnouncePeer, ev.Kind)
		require.Equal(t, "bob", ev.Peer.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence announcement")
	}
}
