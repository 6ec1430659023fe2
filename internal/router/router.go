// Package router implements the daemon message router (spec §4.2): the
// local IPC server's client registry, the peer table fed by overlay gossip,
// and the routing policy between local clients and remote peers. It is new
// code — the teacher has no direct analogue — built in the teacher's idiom:
// a single goroutine owns all mutable state (internal/entangle's discipline
// of never holding a lock across a suspension point, taken one step further
// by replacing the lock with a command channel entirely), one outbox
// goroutine per connected client (internal/group.memberConn.sendCh), and the
// same first-message-gates-membership handshake internal/group.Manager uses
// before admitting a stream to shared state.
package router

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/hidaemon/hid/internal/diag"
	"github.com/hidaemon/hid/internal/overlay"
	"github.com/hidaemon/hid/internal/wire"
)

var log = logging.Logger("router")

// overlayPort is the subset of *overlay.Adapter the router depends on.
// Declared as an interface, accepted by NewRouter, so tests can substitute
// a fake substrate without spinning up real libp2p hosts.
type overlayPort interface {
	ID() string
	SendMessage(ctx context.Context, peerID string, env wire.MessageEnvelope) (wire.Message, error)
	SetServicesTag(tag uint32)
	Dial(ctx context.Context, addr string) error
	Events() <-chan overlay.Event
}

// Stats is the router's operational diagnostic snapshot (added, analogous
// to the teacher's Node.DiagSnapshot), read in-process through
// Router.Stats; no CLI verb exposes it.
type Stats struct {
	Clients  int
	Peers    int
	Services map[wire.ServiceID]int
}

type clientState struct {
	id       wire.ClientID
	services map[wire.ServiceID]struct{}
	outbox   *outbox
}

func (c *clientState) hasService(s wire.ServiceID) bool {
	_, ok := c.services[s]
	return ok
}

type peerState struct {
	info     wire.PeerInfoWire
	lastSeen time.Time
}

// Router bridges local IPC clients and the overlay substrate (spec §4.2).
// Every field below this line is owned exclusively by the run() goroutine;
// everything else talks to it only through cmdCh.
type Router struct {
	ov   overlayPort
	diag *diag.Log
	now  func() time.Time

	peerTTL      time.Duration
	reaperPeriod time.Duration

	cmdCh chan any
	runWG chan struct{}

	clients      map[wire.ClientID]*clientState
	nextClientID wire.ClientID
	peers        map[string]*peerState
	hostname     string
	servicesTag  uint32
}

// NewRouter constructs a router. hostname seeds the profile label returned
// by Get{Name} until a local client calls Set{Name} (Open Question #3:
// this never renames the overlay's own advertised identity).
func NewRouter(ov overlayPort, hostname string, peerTTL, reaperPeriod time.Duration, dlog *diag.Log) *Router {
	return &Router{
		ov:           ov,
		diag:         dlog,
		now:          time.Now,
		peerTTL:      peerTTL,
		reaperPeriod: reaperPeriod,
		cmdCh:        make(chan any, 64),
		runWG:        make(chan struct{}),
		clients:      make(map[wire.ClientID]*clientState),
		peers:        make(map[string]*peerState),
		hostname:     hostname,
	}
}

// Run starts the router's single state-owning goroutine, the overlay event
// forwarder, and the peer reaper ticker. It returns immediately; all three
// stop when ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	go r.forwardOverlayEvents(ctx)
	go r.reapLoop(ctx)
	go r.run(ctx)
}

// Done returns a channel closed once the run loop has exited after ctx
// cancellation, for callers that need to wait out a clean shutdown.
func (r *Router) Done() <-chan struct{} { return r.runWG }

func (r *Router) forwardOverlayEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.ov.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case overlay.EventAnnouncePeer:
				r.post(ctx, cmdAnnouncePeer{peer: ev.Peer})
			case overlay.EventMessage:
				r.post(ctx, cmdOverlayMessage{env: ev.Envelope})
				if ev.Reply != nil {
					ev.Reply(wire.OkMessage())
				}
			}
		}
	}
}

func (r *Router) reapLoop(ctx context.Context) {
	period := r.reaperPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.post(ctx, cmdReap{})
		}
	}
}

// post enqueues a command, dropping it only if ctx is already done (the
// router is shutting down).
func (r *Router) post(ctx context.Context, cmd any) {
	select {
	case r.cmdCh <- cmd:
	case <-ctx.Done():
	}
}

func (r *Router) run(ctx context.Context) {
	defer close(r.runWG)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.cmdCh:
			r.handle(ctx, cmd)
		}
	}
}

func (r *Router) handle(ctx context.Context, cmd any) {
	switch c := cmd.(type) {
	case cmdRegister:
		r.handleRegister(c)
	case cmdUnregister:
		r.handleUnregister(c)
	case cmdGet:
		c.resp <- r.handleGet(c.query)
	case cmdSetLocal:
		c.resp <- r.handleSetLocal(c.query)
	case cmdLocalDeliver:
		r.handleLocalDeliver(c.env)
		if c.resp != nil {
			c.resp <- wire.OkMessage()
		}
	case cmdSendEvent:
		r.sendEvent(c.env)
	case cmdOverlayMessage:
		r.handleLocalDeliver(c.env)
	case cmdAnnouncePeer:
		r.handleAnnouncePeer(c.peer)
	case cmdReap:
		r.handleReap()
	case cmdStats:
		c.resp <- r.statsLocked()
	default:
		log.Errorw("router: unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}
