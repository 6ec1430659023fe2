package router

import (
	"context"
	"io"
	"sync"

	"github.com/hidaemon/hid/internal/wire"
)

// ServeConn drives one accepted IPC connection through the §4.2 connection
// state machine (INIT → REGISTERED → CLOSED). The first frame must be
// Register; anything else in INIT is rejected and the connection is
// closed, matching the teacher's group.Manager join-handshake gate
// (internal/group/manager.go: "first message must be a join"). It returns
// once the connection is closed, by either side.
func (r *Router) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()

	first, err := wire.ReadMessage(conn)
	if err != nil {
		log.Debugw("router: connection closed before Register", "err", err)
		return
	}
	if first.Kind() != wire.MessageRegister {
		log.Debugw("router: first frame was not Register, dropping connection", "kind", first.Kind())
		_ = wire.WriteMessage(conn, wire.ErrorMessage("first message must be Register"))
		return
	}

	reg := first.Register()
	client := r.Connect(ctx, reg.Services)
	if client == nil {
		_ = wire.WriteMessage(conn, wire.ErrorMessage("router unavailable"))
		return
	}
	defer client.Close(ctx)

	var writeMu sync.Mutex
	writeFrame := func(m wire.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.WriteMessage(conn, m)
	}

	if err := writeFrame(wire.RegisterOkMessage(wire.RegisterOk{ClientID: client.ID()})); err != nil {
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for m := range client.Messages() {
			if err := writeFrame(m); err != nil {
				closeConn()
				return
			}
		}
	}()

	// REGISTERED: any further message is dispatched; none of it can ever
	// fail the connection itself (spec §7 "the router never replies with
	// an error for message-like requests"; Get/Set reply Error inline
	// instead of tearing the connection down).
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return
		}
		switch msg.Kind() {
		case wire.MessageGet:
			g := msg.Get()
			reply := client.Get(connCtx, g.Query)
			if err := writeFrame(wire.GetMessage(wire.Get{ClientID: client.ID(), RequestID: g.RequestID, Query: reply})); err != nil {
				return
			}
		case wire.MessageSet:
			s := msg.Set()
			reply := client.Set(connCtx, s.Query)
			if err := writeFrame(wire.SetMessage(wire.Set{ClientID: client.ID(), RequestID: s.RequestID, Query: reply})); err != nil {
				return
			}
		case wire.MessageEnv:
			client.SendMessage(connCtx, msg.Envelope())
		case wire.MessageEventEnv:
			client.SendEvent(connCtx, msg.EventEnv())
		case wire.MessageRegister:
			log.Debugw("router: ignoring duplicate Register on an already-registered connection", "client", client.ID())
		default:
			log.Debugw("router: ignoring message kind not valid from a client", "kind", msg.Kind(), "client", client.ID())
		}
	}
}
