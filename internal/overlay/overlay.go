// Package overlay is the libp2p substrate adapter (spec §4.1): it owns the
// host, LAN discovery, gossip-based presence announcements, and the
// request/response stream protocol used to deliver application messages
// between daemons. It is adapted from the teacher's internal/p2p (host
// construction, mDNS, pubsub, presence loop) and internal/entangle (the
// per-peer heartbeat/liveness discipline), with all relay/autorelay/WAN
// rendezvous machinery dropped — this spec has no such concept.
package overlay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/wire"
)

var log = logging.Logger("overlay")

// RequestProtoID is the overlay request/response stream protocol (spec
// §6.3): open stream, write one framed MessageEnvelope, read back one
// framed Ok/Error Message, close.
const RequestProtoID = protocol.ID("/hi/request/0.0.1")

const dialTimeout = 15 * time.Second

// EventKind discriminates the two things the overlay reports upward to
// the router: a gossip presence update, and an inbound application
// message delivered over the request/response protocol.
type EventKind int

const (
	EventAnnouncePeer EventKind = iota
	EventMessage
)

// Event is pushed on the adapter's event channel. Exactly one of the
// payload fields is meaningful, selected by Kind.
type Event struct {
	Kind     EventKind
	Peer     wire.PeerInfoWire    // EventAnnouncePeer
	Envelope wire.MessageEnvelope // EventMessage
	Reply    func(wire.Message)  // EventMessage: call exactly once to answer the request
}

// Config carries the subset of the daemon config the adapter needs,
// decoupled from internal/config so overlay has no import-cycle risk.
type Config struct {
	KeyFile      string
	ListenPort   int
	MdnsTag      string
	GossipTopic  string
	Name         string
	HeartbeatPeriod time.Duration
}

// Adapter is the overlay substrate adapter.
type Adapter struct {
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu          sync.Mutex
	name        string
	servicesTag uint32

	events chan Event
	diag   *diag.Log

	startTime time.Time

	discoveredMu sync.Mutex
	discovered   map[peer.ID]struct{}

	heartbeatPeriod time.Duration

	cancel context.CancelFunc
}

// loadOrCreateKey loads a persistent Ed25519 identity key from disk, or
// generates and saves a new one on first run or on corruption (grounded
// on p2p/node.go's loadOrCreateKey).
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnw("corrupt identity key, generating new one", "path", keyFile, "err", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

type mdnsNotifee struct {
	h host.Host
	a *Adapter
}

// HandlePeerFound dials a newly discovered peer. There is no
// HandlePeerLost hook: mDNS loss is advisory only, peer expiry is driven
// by gossip TTL in the router (spec §4.1, §4.2).
func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n.a.discoveredMu.Lock()
	n.a.discovered[pi.ID] = struct{}{}
	n.a.discoveredMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugw("mdns dial failed", "peer", pi.ID, "err", err)
	}
}

// New constructs the overlay adapter: loads/creates the identity key,
// builds a libp2p host listening on IPv4 and IPv6, starts mDNS discovery,
// joins the gossip topic, and registers the request/response stream
// handler. The returned adapter is not yet announcing; call Run to start
// the presence/heartbeat loop.
func New(ctx context.Context, cfg Config, dlog *diag.Log) (*Adapter, error) {
	priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infow("generated new identity key", "path", cfg.KeyFile)
	} else {
		log.Infow("loaded identity key", "path", cfg.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
			fmt.Sprintf("/ip6/::/tcp/%d", cfg.ListenPort),
		),
	)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		host:            h,
		name:            cfg.Name,
		events:          make(chan Event, 64),
		diag:            dlog,
		startTime:       time.Now(),
		discovered:      make(map[peer.ID]struct{}),
		heartbeatPeriod: cfg.HeartbeatPeriod,
	}

	h.SetStreamHandler(RequestProtoID, a.handleRequestStream)

	md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h, a: a})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.GossipTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	a.ps, a.topic, a.sub = ps, topic, sub
	return a, nil
}

// ID returns this daemon's overlay peer ID as a string.
func (a *Adapter) ID() string { return a.host.ID().String() }

// Events returns the channel of inbound overlay events (presence
// announcements and application messages).
func (a *Adapter) Events() <-chan Event { return a.events }

// SetName changes the name advertised on the next heartbeat tick. Per
// Open Question #3 (DESIGN.md), its only caller is the daemon's
// config-file watcher, which passes the reloaded profile label —
// client-issued Set{Name} is handled one layer up, in the router, which
// updates its own name but never calls this for a client-originated
// rename.
func (a *Adapter) SetName(name string) {
	a.mu.Lock()
	a.name = name
	a.mu.Unlock()
}

// SetServicesTag updates the version-vector tag advertised on the next
// heartbeat tick (spec §4.3).
func (a *Adapter) SetServicesTag(tag uint32) {
	a.mu.Lock()
	a.servicesTag = tag
	a.mu.Unlock()
}

// Dial connects to a peer at the given multiaddr string (spec §6.2
// GetSet Connect variant).
func (a *Adapter) Dial(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("parse peer info: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return a.host.Connect(dialCtx, *info)
}

// Close shuts down the host and stops all background loops.
func (a *Adapter) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.host.Close()
}

// wanAddrs returns the host's multiaddresses filtered to exclude
// loopback and link-local addresses (grounded on p2p/node.go's wanAddrs;
// there is no circuit-relay concept to special-case here).
func (a *Adapter) wanAddrs() []string {
	var out []string
	for _, addr := range a.host.Addrs() {
		ip, err := manet.ToIP(addr)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, addr.String())
	}
	return out
}

// Snapshot reports adapter-level diagnostics for in-process use; no CLI
// verb exposes it (spec §4.1 extension, analogous to the teacher's
// DiagSnapshot minus all relay-specific fields).
func (a *Adapter) Snapshot() map[string]any {
	var addrs []string
	for _, addr := range a.host.Addrs() {
		addrs = append(addrs, addr.String())
	}
	return map[string]any{
		"peer_id":         a.ID(),
		"addrs":           addrs,
		"connected_peers": len(a.host.Network().Peers()),
		"uptime":          time.Since(a.startTime).Truncate(time.Second).String(),
	}
}

func streamPeer(s network.Stream) peer.ID { return s.Conn().RemotePeer() }
