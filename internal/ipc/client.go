package ipc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hidaemon/hid/internal/wire"
)

// Client is a CLI-side connection to the daemon's socket: it performs the
// Register handshake, correlates Get/Set replies by RequestID so more
// than one can be outstanding at once (spec §6.2 "tagged variants"), and
// surfaces unsolicited Envelope/Event frames on Notifications.
type Client struct {
	conn net.Conn
	id   wire.ClientID

	writeMu sync.Mutex
	nextReq uint32

	mu      sync.Mutex
	pending map[uint32]chan wire.GetSet

	notify chan wire.Message
	done   chan struct{}
}

// Dial opens sockPath, registers with the given initial service set, and
// starts the background read loop. Mirrors router.ServeConn's own
// handshake exactly, from the other end of the wire.
func Dial(ctx context.Context, sockPath string, services []wire.ServiceID) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockPath)
	if err != nil {
		return nil, err
	}

	if err := wire.WriteMessage(conn, wire.RegisterMessage(wire.Register{Services: services})); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := wire.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch reply.Kind() {
	case wire.MessageRegisterOk:
		// fall through
	case wire.MessageError:
		conn.Close()
		return nil, fmt.Errorf("ipc: register rejected: %s", reply.ErrorMessage())
	default:
		conn.Close()
		return nil, fmt.Errorf("ipc: unexpected reply to Register: %v", reply.Kind())
	}

	c := &Client{
		conn:    conn,
		id:      reply.RegisterOk().ClientID,
		pending: make(map[uint32]chan wire.GetSet),
		notify:  make(chan wire.Message, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) ID() wire.ClientID { return c.id }

// Notifications is the stream of frames the daemon sent without being
// asked: routed Envelope messages and subscribed Event updates.
func (c *Client) Notifications() <-chan wire.Message { return c.notify }

func (c *Client) readLoop() {
	defer close(c.notify)
	defer close(c.done)
	for {
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			return
		}
		switch msg.Kind() {
		case wire.MessageGet:
			c.deliver(msg.Get().RequestID, msg.Get().Query)
		case wire.MessageSet:
			c.deliver(msg.Set().RequestID, msg.Set().Query)
		default:
			select {
			case c.notify <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Client) deliver(reqID uint32, q wire.GetSet) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		ch <- q
	}
}

func (c *Client) register(reqID uint32) chan wire.GetSet {
	ch := make(chan wire.GetSet, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) write(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteMessage(c.conn, m)
}

// Get issues a Get query and blocks for its reply.
func (c *Client) Get(ctx context.Context, q wire.GetSet) (wire.GetSet, error) {
	reqID := atomic.AddUint32(&c.nextReq, 1)
	ch := c.register(reqID)
	if err := c.write(wire.GetMessage(wire.Get{ClientID: c.id, RequestID: reqID, Query: q})); err != nil {
		return wire.GetSet{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return wire.GetSet{}, ctx.Err()
	case <-c.done:
		return wire.GetSet{}, fmt.Errorf("ipc: connection closed")
	}
}

// Set issues a Set mutation and blocks for its reply.
func (c *Client) Set(ctx context.Context, q wire.GetSet) (wire.GetSet, error) {
	reqID := atomic.AddUint32(&c.nextReq, 1)
	ch := c.register(reqID)
	if err := c.write(wire.SetMessage(wire.Set{ClientID: c.id, RequestID: reqID, Query: q})); err != nil {
		return wire.GetSet{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return wire.GetSet{}, ctx.Err()
	case <-c.done:
		return wire.GetSet{}, fmt.Errorf("ipc: connection closed")
	}
}

// SendMessage posts an outbound Envelope. The daemon's Message contract
// (spec §4.2) has no reply frame of its own here: the router never writes
// one back for an Envelope, so delivery success or failure is not
// reported to the caller.
func (c *Client) SendMessage(env wire.MessageEnvelope) error {
	env.FromClient = c.id
	return c.write(wire.EnvelopeMessage(env))
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
