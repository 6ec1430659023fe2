package router

import "github.com/hidaemon/hid/internal/wire"

// Command types posted to Router.cmdCh. Every one of them is handled
// exclusively inside run(); nothing outside this package ever reads or
// mutates Router's clients/peers/hostname/servicesTag fields directly.

type cmdRegister struct {
	services []wire.ServiceID
	outbox   *outbox
	resp     chan wire.ClientID
}

type cmdUnregister struct {
	id wire.ClientID
}

type cmdGet struct {
	query wire.GetSet
	resp  chan wire.GetSet
}

type cmdSetLocal struct {
	query wire.GetSet
	resp  chan wire.GetSet
}

// cmdLocalDeliver runs the §4.2 routing algorithm for a Message a local
// client addresses to this daemon; resp receives Ok once it is queued.
// An inbound overlay request takes the same routing path through
// cmdOverlayMessage instead, which has no resp: the overlay event
// forwarder acks the transport layer itself.
type cmdLocalDeliver struct {
	env  wire.MessageEnvelope
	resp chan wire.Message
}

type cmdSendEvent struct {
	env wire.EventEnvelope
}

type cmdOverlayMessage struct {
	env wire.MessageEnvelope
}

type cmdAnnouncePeer struct {
	peer wire.PeerInfoWire
}

type cmdReap struct{}

type cmdStats struct {
	resp chan Stats
}
