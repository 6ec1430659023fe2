package transfer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/overlay"
	"github.com/hidaemon/hid/internal/router"
	"github.com/hidaemon/hid/internal/wire"
)

const testServiceID = wire.ServiceID(2)

// pairedOverlay is a minimal overlayPort double that actually delivers a
// SendMessage call to a linked peer's event stream, unlike the recording-
// only fake used in internal/router and internal/directory's own tests —
// transfer needs two live daemons actually talking to each other.
type pairedOverlay struct {
	id     string
	peer   *pairedOverlay
	events chan overlay.Event

	mu     sync.Mutex
	drop   func(wire.MessageEnvelope) bool
}

func newPairedOverlay(id string) *pairedOverlay {
	return &pairedOverlay{id: id, events: make(chan overlay.Event, 64)}
}

func (p *pairedOverlay) ID() string                   { return p.id }
func (p *pairedOverlay) Events() <-chan overlay.Event { return p.events }
func (p *pairedOverlay) Dial(context.Context, string) error { return nil }
func (p *pairedOverlay) SetServicesTag(uint32)          {}

func (p *pairedOverlay) SendMessage(_ context.Context, _ string, env wire.MessageEnvelope) (wire.Message, error) {
	env.FromPeer = p.id
	p.mu.Lock()
	drop := p.drop
	p.mu.Unlock()
	if drop != nil && drop(env) {
		return wire.OkMessage(), nil
	}
	p.peer.events <- overlay.Event{Kind: overlay.EventMessage, Envelope: env, Reply: func(wire.Message) {}}
	return wire.OkMessage(), nil
}

func link(a, b *pairedOverlay) { a.peer = b; b.peer = a }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func startPair(t *testing.T, ctx context.Context, idleTimeout time.Duration) (*Manager, *Manager) {
	t.Helper()
	ov1 := newPairedOverlay("P1")
	ov2 := newPairedOverlay("P2")
	link(ov1, ov2)

	r1 := router.NewRouter(ov1, "P1", time.Hour, time.Hour, diag.New())
	r2 := router.NewRouter(ov2, "P2", time.Hour, time.Hour, diag.New())
	r1.Run(ctx)
	r2.Run(ctx)

	m1, err := Start(ctx, r1, testServiceID, 512, idleTimeout, diag.New())
	require.NoError(t, err)
	m2, err := Start(ctx, r2, testServiceID, 512, idleTimeout, diag.New())
	require.NoError(t, err)
	return m1, m2
}

// TestDownloadHappyPath is spec §8 scenario 5: a 1537-byte share (four
// chunks of 512/512/512/1) downloads to Done with all 1537 bytes received.
func TestDownloadHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1, m2 := startPair(t, ctx, 2*time.Second)

	data := bytes.Repeat([]byte{0xAB}, 1537)
	m1.Share("F", data)

	snap, err := m2.Download(ctx, "P1", "F")
	require.NoError(t, err)
	require.Equal(t, StateDone, snap.State)
	require.Equal(t, len(data), snap.Transferred)
}

// TestDownloadUnknownShare exercises the upload side's Error("open")
// reply to a request for a name nobody shared.
func TestDownloadUnknownShare(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, m2 := startPair(t, ctx, 2*time.Second)

	_, err := m2.Download(ctx, "P1", "missing")
	require.Error(t, err)
}

// TestCancelLocalImmediate is spec §8 scenario 6's local half: cancelling
// a non-terminal transfer transitions it to Error("Canceled by user")
// without waiting on the counterparty.
func TestCancelLocalImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1, m2 := startPair(t, ctx, 5*time.Second)

	data := bytes.Repeat([]byte{0x11}, 100_000)
	m1.Share("big", data)

	result := make(chan error, 1)
	go func() {
		_, err := m2.Download(ctx, "P1", "big")
		result <- err
	}()

	var id uint32
	waitFor(t, func() bool {
		for _, s := range m2.Stats(ctx) {
			if s.Name == "big" && s.State != StateDone {
				id = s.ID
				return true
			}
		}
		return false
	})

	require.NoError(t, m2.Cancel(ctx, id))

	select {
	case err := <-result:
		require.Error(t, err)
		require.Contains(t, err.Error(), "Canceled by user")
	case <-time.After(2 * time.Second):
		t.Fatal("download did not observe the cancellation")
	}
}

// TestRemoteCancelHonored shows the fast path when the Cancel
// notification does reach the counterparty: it also converges to Error
// without waiting for its own idle timeout.
func TestRemoteCancelHonored(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1, m2 := startPair(t, ctx, 10*time.Second)

	data := bytes.Repeat([]byte{0x22}, 100_000)
	m1.Share("big", data)

	result := make(chan error, 1)
	go func() {
		_, err := m2.Download(ctx, "P1", "big")
		result <- err
	}()

	var id uint32
	waitFor(t, func() bool {
		for _, s := range m2.Stats(ctx) {
			if s.Name == "big" && s.State != StateDone {
				id = s.ID
				return true
			}
		}
		return false
	})
	require.NoError(t, m2.Cancel(ctx, id))
	<-result

	waitFor(t, func() bool {
		for _, s := range m1.Stats(ctx) {
			if s.Name == "big" && s.State == StateError {
				return s.Err == "Canceled by peer"
			}
		}
		return false
	})
}

// TestIdleTimeout covers the case a reply never arrives at all (the
// counterparty is gone, or simply never responds): a transfer left
// hanging past its idle window converges on its own to Error("Timeout"),
// the correctness backstop spec §8 scenario 6 relies on when a Cancel
// notification is lost.
func TestIdleTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ov1 := newPairedOverlay("P1")
	ov2 := newPairedOverlay("P2")
	link(ov1, ov2)
	ov1.mu.Lock()
	ov1.drop = func(wire.MessageEnvelope) bool { return true }
	ov1.mu.Unlock()

	r1 := router.NewRouter(ov1, "P1", time.Hour, time.Hour, diag.New())
	r2 := router.NewRouter(ov2, "P2", time.Hour, time.Hour, diag.New())
	r1.Run(ctx)
	r2.Run(ctx)

	_, err := Start(ctx, r1, testServiceID, 512, 5*time.Second, diag.New())
	require.NoError(t, err)
	m2, err := Start(ctx, r2, testServiceID, 512, 100*time.Millisecond, diag.New())
	require.NoError(t, err)

	_, err = m2.Download(ctx, "P1", "big")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Timeout")
}
