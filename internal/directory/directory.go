// Package directory implements the per-daemon service directory (spec
// §4.3): a privileged built-in local client of the router that tracks
// which services are offered locally and by each known peer, and fans out
// ServiceUpdate events to subscribers whenever that picture might have
// changed.
//
// It is new code, grounded on the teacher's internal/group.Manager, which
// is likewise both a stream-protocol peer participant and a local
// broadcaster of membership changes (hg.memberList + hg.broadcast on
// every join/leave/meta change). Here the "group" is implicit — every
// daemon runs exactly one directory — and "members" are service
// subscriptions instead of group participants.
package directory

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/router"
	"github.com/hidaemon/hid/internal/wire"
)

var log = logging.Logger("directory")

// remotePeer is one entry of a RemoteServiceMap (spec §3): the peer's
// advertised tag and, once fetched, its full service map. services is nil
// until the first ServiceReply arrives.
type remotePeer struct {
	tag      uint32
	services map[wire.ClientID]map[wire.ServiceID]struct{}
}

// Directory is the single-goroutine owner of the LocalServiceMap and
// every peer's RemoteServiceMap. All of the state below is touched only
// from loop(), which is the one goroutine Run starts.
type Directory struct {
	client *router.LocalClient
	diag   *diag.Log
	rng    *rand.Rand

	localTag uint32
	local    map[wire.ClientID]map[wire.ServiceID]struct{}
	remote   map[string]*remotePeer
}

// Run registers the directory as a built-in local client subscribed to
// wire.ServiceDirectory and drives its event loop until ctx is cancelled
// or the router stops delivering to it. Callers should start it before
// the daemon's IPC listener begins accepting connections, so no other
// client's ClientUpdate is missed.
func Run(ctx context.Context, r *router.Router, dlog *diag.Log) {
	client := r.Connect(ctx, []wire.ServiceID{wire.ServiceDirectory})
	if client == nil {
		log.Errorw("directory: failed to register with router")
		return
	}
	d := &Directory{
		client: client,
		diag:   dlog,
		rng:    newRNG(),
		local:  make(map[wire.ClientID]map[wire.ServiceID]struct{}),
		remote: make(map[string]*remotePeer),
	}
	d.loop(ctx)
}

func newRNG() *rand.Rand {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:8], uint64(time.Now().UnixNano()))
	}
	s1 := binary.LittleEndian.Uint64(seed[:8])
	s2 := binary.LittleEndian.Uint64(seed[8:])
	return rand.New(rand.NewPCG(s1, s2))
}

func (d *Directory) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-d.client.Messages():
			if !ok {
				return
			}
			d.handle(ctx, msg)
		}
	}
}

func (d *Directory) handle(ctx context.Context, msg wire.Message) {
	switch msg.Kind() {
	case wire.MessageEventEnv:
		d.handleEvent(ctx, msg.EventEnv().Ev)
	case wire.MessageEnv:
		d.handleEnvelope(ctx, msg.Envelope())
	default:
		log.Debugw("directory: ignoring message kind not expected on this client", "kind", msg.Kind())
	}
}

func (d *Directory) handleEvent(ctx context.Context, ev wire.Event) {
	switch ev.Kind() {
	case wire.EventClientUpdate:
		d.handleClientUpdate(ctx, ev)
	case wire.EventPeerUpdate:
		d.handlePeerUpdate(ctx, ev)
	}
}

// handleClientUpdate applies a ClientUpdate to the LocalServiceMap, then
// re-randomizes the advertised services_tag and fans out (spec §4.3:
// "empty services set ⇒ remove entry"; "after any local change... picks a
// fresh non-zero random services_tag").
func (d *Directory) handleClientUpdate(ctx context.Context, ev wire.Event) {
	if ev.Add() && len(ev.Services()) > 0 {
		set := make(map[wire.ServiceID]struct{}, len(ev.Services()))
		for _, s := range ev.Services() {
			set[s] = struct{}{}
		}
		d.local[ev.ClientID()] = set
	} else {
		delete(d.local, ev.ClientID())
	}
	d.republishLocalTag(ctx)
	d.fanOut(ctx)
}

func (d *Directory) republishLocalTag(ctx context.Context) {
	if len(d.local) == 0 {
		d.localTag = 0
	} else {
		d.localTag = d.freshTag()
	}
	if reply := d.client.Set(ctx, wire.GetSetServicesTagValue(d.localTag)); reply.Kind() != wire.GetSetOk {
		log.Errorw("directory: failed to propagate services tag", "err", reply.ErrorMessage())
	}
}

func (d *Directory) freshTag() uint32 {
	for {
		if t := d.rng.Uint32(); t != 0 {
			return t
		}
	}
}

// handlePeerUpdate reacts to the router's peer table changing. A removal
// (Removed) drops the peer's whole RemoteServiceMap entry and recomputes
// fan-out; a new or re-tagged peer triggers a ServiceRequest (spec §4.3
// tag protocol).
func (d *Directory) handlePeerUpdate(ctx context.Context, ev wire.Event) {
	peer := ev.Peer()
	if peer.Removed {
		if _, known := d.remote[peer.PeerID]; known {
			delete(d.remote, peer.PeerID)
			d.fanOut(ctx)
		}
		return
	}

	existing, known := d.remote[peer.PeerID]
	if known && existing.tag == peer.ServicesTag {
		return
	}
	if known {
		existing.tag = peer.ServicesTag
	} else {
		d.remote[peer.PeerID] = &remotePeer{tag: peer.ServicesTag}
	}
	d.requestServices(ctx, peer.PeerID)
}

func (d *Directory) requestServices(ctx context.Context, peerID string) {
	resp := d.client.SendMessage(ctx, wire.MessageEnvelope{
		ToPeer:   peerID,
		ToClient: wire.ClientBroadcast,
		Service:  wire.ServiceDirectory,
		Content:  encodeServiceRequest(),
	})
	if resp.Kind() == wire.MessageError {
		log.Debugw("directory: ServiceRequest failed", "peer", peerID, "err", resp.ErrorMessage())
	}
}

func (d *Directory) handleEnvelope(ctx context.Context, env wire.MessageEnvelope) {
	if env.Service != wire.ServiceDirectory {
		return
	}
	msg, err := decodeProtoMessage(env.Content)
	if err != nil {
		log.Debugw("directory: malformed service-directory payload", "peer", env.FromPeer, "err", err)
		return
	}
	switch msg.kind {
	case protoServiceRequest:
		d.replyServices(ctx, env.FromPeer)
	case protoServiceReply:
		d.applyServices(ctx, env.FromPeer, msg.reply)
	}
}

func (d *Directory) replyServices(ctx context.Context, peerID string) {
	resp := d.client.SendMessage(ctx, wire.MessageEnvelope{
		ToPeer:   peerID,
		ToClient: wire.ClientBroadcast,
		Service:  wire.ServiceDirectory,
		Content:  encodeServiceReply(d.localTag, snapshotLocal(d.local)),
	})
	if resp.Kind() == wire.MessageError {
		log.Debugw("directory: ServiceReply failed", "peer", peerID, "err", resp.ErrorMessage())
	}
}

func (d *Directory) applyServices(ctx context.Context, peerID string, reply serviceReplyPayload) {
	rp, ok := d.remote[peerID]
	if !ok {
		rp = &remotePeer{}
		d.remote[peerID] = rp
	}
	rp.tag = reply.ServicesTag
	rp.services = expandSnapshot(reply.Services)
	d.fanOut(ctx)
}

func snapshotLocal(local map[wire.ClientID]map[wire.ServiceID]struct{}) servicesSnapshot {
	out := make(servicesSnapshot, len(local))
	for id, services := range local {
		list := make([]wire.ServiceID, 0, len(services))
		for s := range services {
			list = append(list, s)
		}
		out[id] = list
	}
	return out
}

func expandSnapshot(snap servicesSnapshot) map[wire.ClientID]map[wire.ServiceID]struct{} {
	out := make(map[wire.ClientID]map[wire.ServiceID]struct{}, len(snap))
	for id, list := range snap {
		set := make(map[wire.ServiceID]struct{}, len(list))
		for _, s := range list {
			set[s] = struct{}{}
		}
		out[id] = set
	}
	return out
}

// fanOut recomputes, for every service present in the LocalServiceMap,
// the map<peer_id, set<client_id>> of which known peers' clients offer it
// and emits one ServiceUpdate to every local client subscribed to that
// service (spec §4.3). Per spec's literal wording this scans only
// RemoteServiceMaps — a subscriber already learns about same-daemon
// siblings directly from ClientUpdate, so ServiceUpdate exists purely to
// report cross-peer visibility.
func (d *Directory) fanOut(ctx context.Context) {
	for s := range d.servicesInUse() {
		members := make(wire.ServiceMembers)
		for peerID, rp := range d.remote {
			var ids []wire.ClientID
			for id, services := range rp.services {
				if _, ok := services[s]; ok {
					ids = append(ids, id)
				}
			}
			if len(ids) > 0 {
				members[peerID] = ids
			}
		}
		ev := wire.ServiceUpdateEvent(s, members)
		for clientID, services := range d.local {
			if _, ok := services[s]; ok {
				d.client.SendEvent(ctx, wire.EventEnvelope{ToClient: clientID, Ev: ev})
			}
		}
	}
}

func (d *Directory) servicesInUse() map[wire.ServiceID]struct{} {
	set := make(map[wire.ServiceID]struct{})
	for _, services := range d.local {
		for s := range services {
			set[s] = struct{}{}
		}
	}
	return set
}
