package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EventKind is the tag of an Event variant (spec §6.2). Events are
// daemon-to-client notifications carried inside an EventEnv message; the
// router never expects a reply.
type EventKind uint8

const (
	EventClientUpdate  EventKind = 0
	EventPeerUpdate    EventKind = 1
	EventServiceUpdate EventKind = 2
)

// ServiceMembers is the wire shape of a service's membership snapshot:
// peer id to the set of that peer's local client ids offering the service
// (spec §6.2 ServiceUpdate, §4.3 fan-out). Represented as a slice per peer,
// the same "set as slice" convention Register and ClientUpdate use for
// Services.
type ServiceMembers map[string][]ClientID

// Event is the closed sum type carried by EventEnv messages (spec §6.2).
type Event struct {
	kind     EventKind
	add      bool
	clientID ClientID
	services []ServiceID
	peer     PeerInfoWire
	service  ServiceID
	members  ServiceMembers
}

// ClientUpdateEvent reports a local client's registration (add=true) or
// disconnect (add=false) along with the service set it held at the time.
func ClientUpdateEvent(add bool, id ClientID, services []ServiceID) Event {
	return Event{kind: EventClientUpdate, add: add, clientID: id, services: services}
}

func PeerUpdateEvent(peer PeerInfoWire) Event {
	return Event{kind: EventPeerUpdate, peer: peer}
}

func ServiceUpdateEvent(service ServiceID, members ServiceMembers) Event {
	return Event{kind: EventServiceUpdate, service: service, members: members}
}

func (e Event) Kind() EventKind           { return e.kind }
func (e Event) Add() bool                 { return e.add }
func (e Event) ClientID() ClientID        { return e.clientID }
func (e Event) Services() []ServiceID     { return e.services }
func (e Event) Peer() PeerInfoWire        { return e.peer }
func (e Event) Service() ServiceID        { return e.service }
func (e Event) Members() ServiceMembers   { return e.members }

type eventClientUpdatePayload struct {
	Add      bool        `cbor:"0,keyasint"`
	ClientID ClientID    `cbor:"1,keyasint"`
	Services []ServiceID `cbor:"2,keyasint"`
}
type eventPeerUpdatePayload struct {
	Peer PeerInfoWire `cbor:"0,keyasint"`
}
type eventServiceUpdatePayload struct {
	Service ServiceID      `cbor:"0,keyasint"`
	Members ServiceMembers `cbor:"1,keyasint"`
}

func (e Event) MarshalCBOR() ([]byte, error) {
	var payload any
	switch e.kind {
	case EventClientUpdate:
		payload = eventClientUpdatePayload{Add: e.add, ClientID: e.clientID, Services: e.services}
	case EventPeerUpdate:
		payload = eventPeerUpdatePayload{Peer: e.peer}
	case EventServiceUpdate:
		payload = eventServiceUpdatePayload{Service: e.service, Members: e.members}
	default:
		return nil, decodeErr(fmt.Errorf("unknown Event kind %d", e.kind))
	}
	return cbor.Marshal([]any{uint8(e.kind), payload})
}

func (e *Event) UnmarshalCBOR(data []byte) error {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return decodeErr(err)
	}
	if len(arr) != 2 {
		return decodeErr(fmt.Errorf("Event: expected 2-element array, got %d", len(arr)))
	}
	var tag uint8
	if err := cbor.Unmarshal(arr[0], &tag); err != nil {
		return decodeErr(err)
	}
	switch EventKind(tag) {
	case EventClientUpdate:
		var p eventClientUpdatePayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*e = Event{kind: EventClientUpdate, add: p.Add, clientID: p.ClientID, services: p.Services}
	case EventPeerUpdate:
		var p eventPeerUpdatePayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*e = Event{kind: EventPeerUpdate, peer: p.Peer}
	case EventServiceUpdate:
		var p eventServiceUpdatePayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*e = Event{kind: EventServiceUpdate, service: p.Service, members: p.Members}
	default:
		return decodeErr(fmt.Errorf("unknown Event tag %d", tag))
	}
	return nil
}
