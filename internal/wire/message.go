package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MessageKind is the tag of a top-level IPC/overlay Message (spec §6.2).
// Tag 2 (the legacy FileMessage variant) is intentionally not implemented;
// file transfer rides tag 7 (MessageEnv) as an ordinary opaque payload
// addressed to the transfer service.
type MessageKind uint8

const (
	MessageOk         MessageKind = 0
	MessageError      MessageKind = 1
	MessageRegister   MessageKind = 3
	MessageRegisterOk MessageKind = 4
	MessageGet        MessageKind = 5
	MessageSet        MessageKind = 6
	MessageEnv        MessageKind = 7
	MessageEventEnv   MessageKind = 8
)

// Register is sent by a newly-connected client as its first frame; no
// other message type is accepted until the router replies RegisterOk
// (spec §4.2 connection state machine).
type Register struct {
	Services []ServiceID `cbor:"0,keyasint"`
}

// RegisterOk carries the client ID the router assigned.
type RegisterOk struct {
	ClientID ClientID `cbor:"0,keyasint"`
}

// Get carries a GetSet query whose value fields are unset; Set carries one
// whose value fields hold the requested new value. RequestID is chosen by
// the caller and echoed back unchanged on the reply (same message kind,
// same tag), so a connection may have more than one Get/Set outstanding at
// once (spec §6.2, §9 "tagged variants").
type Get struct {
	ClientID  ClientID `cbor:"0,keyasint"`
	RequestID uint32   `cbor:"1,keyasint"`
	Query     GetSet   `cbor:"2,keyasint"`
}

type Set struct {
	ClientID  ClientID `cbor:"0,keyasint"`
	RequestID uint32   `cbor:"1,keyasint"`
	Query     GetSet   `cbor:"2,keyasint"`
}

// MessageEnvelope carries an application payload to or from a remote peer,
// local client, or both (spec §4.2, §6.2, §6.3). ToPeer/FromPeer empty
// means "this daemon's overlay identity"; ToClient == ClientBroadcast fans
// out to every local client registered for Service.
type MessageEnvelope struct {
	ToPeer     string    `cbor:"0,keyasint"`
	FromPeer   string    `cbor:"1,keyasint"`
	ToClient   ClientID  `cbor:"2,keyasint"`
	FromClient ClientID  `cbor:"3,keyasint"`
	Service    ServiceID `cbor:"4,keyasint"`
	Content    []byte    `cbor:"5,keyasint"`
}

// EventEnvelope carries a single Event to a local client, or — inbound,
// from a client's own Register'd connection — an Event a client asks the
// router to forward on its behalf (spec §4.2 "Event{to_client, event}";
// §6.2 tag 8). ToClient == 0 is dropped, reserved for the daemon.
type EventEnvelope struct {
	ToClient   ClientID `cbor:"0,keyasint"`
	FromClient ClientID `cbor:"1,keyasint"`
	Ev         Event    `cbor:"2,keyasint"`
}

// Message is the closed top-level sum type framed by ReadFrame/WriteFrame
// on both the IPC socket and the overlay request/response stream.
type Message struct {
	kind       MessageKind
	errMsg     string
	register   Register
	registerOk RegisterOk
	get        Get
	set        Set
	env        MessageEnvelope
	event      EventEnvelope
}

func OkMessage() Message                         { return Message{kind: MessageOk} }
func ErrorMessage(msg string) Message             { return Message{kind: MessageError, errMsg: msg} }
func RegisterMessage(r Register) Message          { return Message{kind: MessageRegister, register: r} }
func RegisterOkMessage(r RegisterOk) Message      { return Message{kind: MessageRegisterOk, registerOk: r} }
func GetMessage(g Get) Message                    { return Message{kind: MessageGet, get: g} }
func SetMessage(s Set) Message                    { return Message{kind: MessageSet, set: s} }
func EnvelopeMessage(e MessageEnvelope) Message    { return Message{kind: MessageEnv, env: e} }
func EventEnvMessage(e EventEnvelope) Message      { return Message{kind: MessageEventEnv, event: e} }

func (m Message) Kind() MessageKind           { return m.kind }
func (m Message) ErrorMessage() string        { return m.errMsg }
func (m Message) Register() Register          { return m.register }
func (m Message) RegisterOk() RegisterOk      { return m.registerOk }
func (m Message) Get() Get                    { return m.get }
func (m Message) Set() Set                    { return m.set }
func (m Message) Envelope() MessageEnvelope   { return m.env }
func (m Message) EventEnv() EventEnvelope     { return m.event }

type messageErrorPayload struct {
	Message string `cbor:"0,keyasint"`
}

// EncodeMessage serializes a Message as the [tag, payload] array the wire
// tables in spec §6.2/§6.3 describe.
func EncodeMessage(m Message) ([]byte, error) {
	var payload any
	switch m.kind {
	case MessageOk:
		payload = struct{}{}
	case MessageError:
		payload = messageErrorPayload{Message: m.errMsg}
	case MessageRegister:
		payload = m.register
	case MessageRegisterOk:
		payload = m.registerOk
	case MessageGet:
		payload = m.get
	case MessageSet:
		payload = m.set
	case MessageEnv:
		payload = m.env
	case MessageEventEnv:
		payload = m.event
	default:
		return nil, decodeErr(fmt.Errorf("unknown Message kind %d", m.kind))
	}
	return cbor.Marshal([]any{uint8(m.kind), payload})
}

// DecodeMessage parses a frame body produced by EncodeMessage. An unknown
// tag is a decode error (spec §7): the caller drops the frame, the
// connection stays open.
func DecodeMessage(data []byte) (Message, error) {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return Message{}, decodeErr(err)
	}
	if len(arr) != 2 {
		return Message{}, decodeErr(fmt.Errorf("Message: expected 2-element array, got %d", len(arr)))
	}
	var tag uint8
	if err := cbor.Unmarshal(arr[0], &tag); err != nil {
		return Message{}, decodeErr(err)
	}
	switch MessageKind(tag) {
	case MessageOk:
		return Message{kind: MessageOk}, nil
	case MessageError:
		var p messageErrorPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageError, errMsg: p.Message}, nil
	case MessageRegister:
		var p Register
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageRegister, register: p}, nil
	case MessageRegisterOk:
		var p RegisterOk
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageRegisterOk, registerOk: p}, nil
	case MessageGet:
		var p Get
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageGet, get: p}, nil
	case MessageSet:
		var p Set
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageSet, set: p}, nil
	case MessageEnv:
		var p MessageEnvelope
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageEnv, env: p}, nil
	case MessageEventEnv:
		var p EventEnvelope
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return Message{}, decodeErr(err)
		}
		return Message{kind: MessageEventEnv, event: p}, nil
	default:
		return Message{}, decodeErr(fmt.Errorf("unknown Message tag %d", tag))
	}
}
