package router

import (
	"fmt"

	"github.com/hidaemon/hid/internal/wire"
)

// allocateClientID probes forward from the last-assigned id, skipping the
// reserved values, and wraps back to 1 (spec §4.2/§9 "ClientId recycling").
func (r *Router) allocateClientID() (wire.ClientID, error) {
	if len(r.clients) >= 0xFFFE {
		return wire.ClientNone, fmt.Errorf("router: no free client ids")
	}
	start := r.nextClientID
	for {
		r.nextClientID++
		if r.nextClientID == wire.ClientNone || r.nextClientID == wire.ClientBroadcast {
			r.nextClientID = 1
		}
		if _, used := r.clients[r.nextClientID]; !used {
			return r.nextClientID, nil
		}
		if r.nextClientID == start {
			return wire.ClientNone, fmt.Errorf("router: no free client ids")
		}
	}
}

func toServiceSet(services []wire.ServiceID) map[wire.ServiceID]struct{} {
	set := make(map[wire.ServiceID]struct{}, len(services))
	for _, s := range services {
		set[s] = struct{}{}
	}
	return set
}

func (r *Router) handleRegister(c cmdRegister) {
	id, err := r.allocateClientID()
	if err != nil {
		log.Errorw("router: client id allocation failed", "err", err)
		c.resp <- wire.ClientNone
		return
	}
	r.clients[id] = &clientState{id: id, services: toServiceSet(c.services), outbox: c.outbox}
	c.resp <- id
	// "every OTHER local client" (spec §4.2) — the new client never gets
	// its own ClientUpdate.
	r.fanOutDirectoryExcept(id, wire.ClientUpdateEvent(true, id, c.services))
}

func (r *Router) handleUnregister(c cmdUnregister) {
	cs, ok := r.clients[c.id]
	if !ok {
		return
	}
	delete(r.clients, c.id)
	cs.outbox.close()
	r.fanOutDirectory(wire.ClientUpdateEvent(false, c.id, nil))
}

func (r *Router) handleGet(q wire.GetSet) wire.GetSet {
	switch q.Kind() {
	case wire.GetSetName:
		return wire.GetSetNameValue(r.hostname)
	case wire.GetSetPeers:
		peers := make([]wire.PeerInfoWire, 0, len(r.peers))
		for _, ps := range r.peers {
			peers = append(peers, ps.info)
		}
		return wire.GetSetPeersValue(peers)
	default:
		return wire.GetSetErrorValue("unsupported get query")
	}
}

// handleSetLocal handles the Set variants that mutate router-owned state
// (Name, ServicesTag). GetSetConnect is handled outside the actor, in
// LocalClient.Set, since dialling the overlay can block for up to the
// substrate's dial timeout and must not stall the router loop.
func (r *Router) handleSetLocal(q wire.GetSet) wire.GetSet {
	switch q.Kind() {
	case wire.GetSetName:
		r.hostname = q.Name()
		return wire.GetSetOkValue()
	case wire.GetSetServicesTag:
		r.servicesTag = q.ServicesTag()
		r.ov.SetServicesTag(r.servicesTag)
		return wire.GetSetOkValue()
	default:
		return wire.GetSetErrorValue("unsupported set query")
	}
}

// handleLocalDeliver runs the §4.2 routing algorithm for a Message that
// never needs to leave this daemon.
func (r *Router) handleLocalDeliver(env wire.MessageEnvelope) {
	delivered := env
	delivered.ToPeer = ""

	if env.ToClient == wire.ClientBroadcast {
		for _, cs := range r.clients {
			if cs.hasService(env.Service) {
				cs.outbox.enqueue(wire.EnvelopeMessage(delivered))
			}
		}
		return
	}

	cs, ok := r.clients[env.ToClient]
	if !ok || !cs.hasService(env.Service) {
		return
	}
	cs.outbox.enqueue(wire.EnvelopeMessage(delivered))
}

// sendEvent implements the §4.2 Event passthrough contract: forwarded
// verbatim to env.ToClient if present, dropped if addressed to 0 (reserved
// for the daemon) or to an unknown client.
func (r *Router) sendEvent(env wire.EventEnvelope) {
	if env.ToClient == wire.ClientNone {
		return
	}
	if env.ToClient == wire.ClientBroadcast {
		for _, cs := range r.clients {
			cs.outbox.enqueue(wire.EventEnvMessage(env))
		}
		return
	}
	cs, ok := r.clients[env.ToClient]
	if !ok {
		return
	}
	cs.outbox.enqueue(wire.EventEnvMessage(env))
}

// fanOutDirectory delivers ev to every local client subscribed to the
// well-known service-directory service (spec §4.2/§4.3). FromClient is
// ClientNone: these are daemon-originated pushes, not a forwarded client
// frame.
func (r *Router) fanOutDirectory(ev wire.Event) {
	r.fanOutDirectoryExcept(wire.ClientNone, ev)
}

// fanOutDirectoryExcept is fanOutDirectory but skips `except` (spec §4.2:
// a freshly registered client's own ClientUpdate goes to "every OTHER
// local client", never to itself). wire.ClientNone is never a real client
// id, so fanOutDirectory is just this with no exception.
func (r *Router) fanOutDirectoryExcept(except wire.ClientID, ev wire.Event) {
	for id, cs := range r.clients {
		if id == except {
			continue
		}
		if cs.hasService(wire.ServiceDirectory) {
			cs.outbox.enqueue(wire.EventEnvMessage(wire.EventEnvelope{ToClient: id, Ev: ev}))
		}
	}
}

// handleAnnouncePeer upserts the peer table entry. A PeerUpdate fans out
// to directory subscribers whenever the known peer set changes (a brand
// new peer id) or an already-known peer's services_tag changes — the
// latter is what drives spec §4.3's tag-resync protocol for the ordinary
// case of a peer's local service set changing after first discovery. A
// bare last_update refresh with the same tag does not fan out.
func (r *Router) handleAnnouncePeer(peer wire.PeerInfoWire) {
	prev, existed := r.peers[peer.PeerID]
	r.peers[peer.PeerID] = &peerState{info: peer, lastSeen: r.now()}
	if !existed || prev.info.ServicesTag != peer.ServicesTag {
		r.fanOutDirectory(wire.PeerUpdateEvent(peer))
	}
}

// handleReap drops peers whose last gossip is older than peerTTL (spec
// §3/§4.2, 30s PEER_TTL on a 5s REAPER_PERIOD tick). Removed=true on the
// emitted PeerUpdate marks a removal rather than a refresh.
func (r *Router) handleReap() {
	cutoff := r.now().Add(-r.peerTTL)
	for id, ps := range r.peers {
		if ps.lastSeen.Before(cutoff) {
			delete(r.peers, id)
			removed := ps.info
			removed.Removed = true
			r.fanOutDirectory(wire.PeerUpdateEvent(removed))
		}
	}
}

func (r *Router) statsLocked() Stats {
	svc := make(map[wire.ServiceID]int)
	for _, cs := range r.clients {
		for s := range cs.services {
			svc[s]++
		}
	}
	return Stats{Clients: len(r.clients), Peers: len(r.peers), Services: svc}
}
