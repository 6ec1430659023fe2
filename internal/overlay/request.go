package overlay

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hidaemon/hid/internal/wire"
)

// SendMessage opens a stream to peerID, writes env as a MessageEnvelope
// request, and waits for the Ok/Error reply (spec §6.3). Modeled directly
// on internal/mq.Manager.Send's open-stream/write/read-ack shape, minus
// the MQ protocol's separate transport-ACK frame: here the application
// reply itself doubles as the acknowledgment.
func (a *Adapter) SendMessage(ctx context.Context, peerIDStr string, env wire.MessageEnvelope) (wire.Message, error) {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return wire.Message{}, fmt.Errorf("overlay: invalid peer id %q: %w", peerIDStr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	s, err := a.host.NewStream(dialCtx, pid, RequestProtoID)
	if err != nil {
		return wire.Message{}, fmt.Errorf("overlay: open stream to %s: %w", peerIDStr, err)
	}
	defer s.Close()

	if err := wire.WriteMessage(s, wire.EnvelopeMessage(env)); err != nil {
		return wire.Message{}, err
	}
	resp, err := wire.ReadMessage(s)
	if err != nil {
		return wire.Message{}, err
	}
	return resp, nil
}

// handleRequestStream is the stream handler for RequestProtoID. It reads
// exactly one framed Message, and if it's a MessageEnvelope, pushes a
// Message event upward and lets the caller supply the Ok/Error reply via
// the Reply callback. Any other message kind is answered with an Error; a
// frame that fails to read or decode is logged to diag and gets no reply.
// Either way the stream is closed — this handler never touches router
// state directly (spec §9 "event-forwarding back-channel").
func (a *Adapter) handleRequestStream(s network.Stream) {
	defer s.Close()

	req, err := wire.ReadMessage(s)
	if err != nil {
		a.diag.Printf("overlay: request stream from %s framing/decode error: %v", streamPeer(s), err)
		return
	}
	if req.Kind() != wire.MessageEnv {
		_ = wire.WriteMessage(s, wire.ErrorMessage("expected a message envelope"))
		return
	}
	env := req.Envelope()
	env.FromPeer = streamPeer(s).String()

	replied := make(chan wire.Message, 1)
	reply := func(m wire.Message) {
		select {
		case replied <- m:
		default:
		}
	}

	select {
	case a.events <- Event{Kind: EventMessage, Envelope: env, Reply: reply}:
	default:
		_ = wire.WriteMessage(s, wire.ErrorMessage("overlay event queue full"))
		return
	}

	resp := <-replied
	_ = wire.WriteMessage(s, resp)
}
