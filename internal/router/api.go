package router

import (
	"context"

	"github.com/hidaemon/hid/internal/wire"
)

// request posts cmd and blocks for a reply on resp, returning the zero
// value if ctx is cancelled first.
func request[T any](ctx context.Context, r *Router, cmd any, resp chan T) T {
	r.post(ctx, cmd)
	select {
	case v := <-resp:
		return v
	case <-ctx.Done():
		var zero T
		return zero
	}
}

// LocalClient is the router's one and only entry point for anything that
// behaves like an IPC client — a real socket connection (driven by
// ServeConn) or an in-process privileged client such as the service
// directory (spec §4.3: "talks to the router over the same internal
// channel interface a real IPC client would use, but in-process").
type LocalClient struct {
	r  *Router
	id wire.ClientID
	ob *outbox
}

// Connect registers a new local client with the given initial service set
// and returns its handle. Returns nil if ctx is cancelled or the router
// has run out of client ids.
func (r *Router) Connect(ctx context.Context, services []wire.ServiceID) *LocalClient {
	ob := newOutbox()
	resp := make(chan wire.ClientID, 1)
	id := request(ctx, r, cmdRegister{services: services, outbox: ob, resp: resp}, resp)
	if id == wire.ClientNone {
		ob.close()
		return nil
	}
	return &LocalClient{r: r, id: id, ob: ob}
}

// Stats reports the router's operational diagnostics (added; in-process
// only, no CLI verb exposes it).
func (r *Router) Stats(ctx context.Context) Stats {
	resp := make(chan Stats, 1)
	return request(ctx, r, cmdStats{resp: resp}, resp)
}

func (c *LocalClient) ID() wire.ClientID { return c.id }

// Messages is the client's inbound outbox: application Message frames
// routed to it plus any Event frames it is subscribed to receive.
func (c *LocalClient) Messages() <-chan wire.Message { return c.ob.messages() }

// Get answers a GetSet query against router-owned state.
func (c *LocalClient) Get(ctx context.Context, q wire.GetSet) wire.GetSet {
	resp := make(chan wire.GetSet, 1)
	return request(ctx, c.r, cmdGet{query: q, resp: resp}, resp)
}

// Set applies a GetSet mutation. Connect is special-cased to bypass the
// router's single actor goroutine, since dialling the overlay substrate
// can block far longer than any other router operation and must not stall
// every other client (spec §5 "no task holds a lock across a suspension
// point" — the actor channel is this router's lock).
func (c *LocalClient) Set(ctx context.Context, q wire.GetSet) wire.GetSet {
	if q.Kind() == wire.GetSetConnect {
		if err := c.r.ov.Dial(ctx, q.ConnectAddr()); err != nil {
			return wire.GetSetErrorValue(err.Error())
		}
		return wire.GetSetOkValue()
	}
	resp := make(chan wire.GetSet, 1)
	return request(ctx, c.r, cmdSetLocal{query: q, resp: resp}, resp)
}

// SendMessage implements the §4.2 Message contract: local short-circuit
// when ToPeer is empty or this daemon's own overlay id, otherwise an
// overlay request/response round trip. FromClient is always overwritten
// with the caller's own id — a client cannot spoof another client's
// identity as a message source.
func (c *LocalClient) SendMessage(ctx context.Context, env wire.MessageEnvelope) wire.Message {
	env.FromClient = c.id
	if env.ToPeer == "" || env.ToPeer == c.r.ov.ID() {
		resp := make(chan wire.Message, 1)
		return request(ctx, c.r, cmdLocalDeliver{env: env, resp: resp}, resp)
	}
	resp, err := c.r.ov.SendMessage(ctx, env.ToPeer, env)
	if err != nil {
		c.r.diag.Printf("router: overlay send to %s failed: %v", env.ToPeer, err)
		return wire.ErrorMessage(err.Error())
	}
	return resp
}

// SendEvent forwards env verbatim (spec §4.2 Event contract: unlike
// SendMessage, FromClient is not overwritten — a caller assembling its own
// EventEnvelope, such as an inbound client frame, is passed through
// exactly as given).
func (c *LocalClient) SendEvent(ctx context.Context, env wire.EventEnvelope) {
	c.r.post(ctx, cmdSendEvent{env: env})
}

// Close disconnects the client, freeing its id and closing its outbox.
func (c *LocalClient) Close(ctx context.Context) {
	c.r.post(ctx, cmdUnregister{id: c.id})
}
