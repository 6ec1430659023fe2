package overlay

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hidaemon/hid/internal/wire"
)

// Run starts the presence-receive loop and the heartbeat/dial-sweep loop.
// It returns immediately; both loops stop when ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	go a.presenceLoop(runCtx)
	go a.heartbeatLoop(runCtx)
}

// presenceLoop drains the gossip subscription, decodes each payload as a
// GossipAnnounce, and forwards well-formed ones as AnnouncePeer events
// (spec §4.1, §6.1). Malformed payloads — including ones missing a
// mandatory field — are dropped silently; gossip has no retry contract.
func (a *Adapter) presenceLoop(ctx context.Context) {
	selfID := a.host.ID()
	for {
		m, err := a.sub.Next(ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == selfID {
			continue
		}

		var ann wire.GossipAnnounce
		if err := ann.UnmarshalCBOR(m.Data); err != nil {
			a.diag.Printf("overlay: dropped malformed gossip from %s: %v", m.ReceivedFrom, err)
			continue
		}

		info := wire.PeerInfoWire{
			PeerID:      m.ReceivedFrom.String(),
			Name:        ann.Name,
			ServicesTag: ann.ServicesTag,
			LastUpdate:  ann.Timestamp,
		}

		select {
		case a.events <- Event{Kind: EventAnnouncePeer, Peer: info}:
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop publishes this daemon's presence announcement and dials
// any mDNS-discovered peer we aren't yet connected to, every
// HeartbeatPeriod (spec §9). Grounded on the teacher's periodic
// relay-retry pattern in internal/app/run.go, simplified since there is
// no relay concept in this spec.
func (a *Adapter) heartbeatLoop(ctx context.Context) {
	period := a.heartbeatPeriod
	if period <= 0 {
		period = 15 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	a.publish(ctx)
	a.dialSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publish(ctx)
			a.dialSweep(ctx)
		}
	}
}

func (a *Adapter) publish(ctx context.Context) {
	a.mu.Lock()
	name, tag := a.name, a.servicesTag
	a.mu.Unlock()

	ann := wire.GossipAnnounce{
		Version:     1,
		Name:        name,
		ServicesTag: tag,
		Timestamp:   time.Now().UnixMilli(),
	}
	data, err := ann.MarshalCBOR()
	if err != nil {
		a.diag.Printf("overlay: encode gossip announce failed: %v", err)
		return
	}
	if err := a.topic.Publish(ctx, data); err != nil {
		a.diag.Printf("overlay: publish gossip failed: %v", err)
	}
}

func (a *Adapter) dialSweep(ctx context.Context) {
	a.discoveredMu.Lock()
	ids := make([]peer.ID, 0, len(a.discovered))
	for id := range a.discovered {
		ids = append(ids, id)
	}
	a.discoveredMu.Unlock()

	for _, id := range ids {
		if len(a.host.Network().ConnsToPeer(id)) > 0 {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		_ = a.host.Connect(dialCtx, peer.AddrInfo{ID: id})
		cancel()
	}
}
