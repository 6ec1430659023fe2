package transfer

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind tags the chunked-transfer protocol (spec §4.5), carried as the
// Content of an ordinary transfer-service MessageEnvelope — the same
// opaque-payload-over-Message layering internal/directory uses for its own
// ServiceRequest/ServiceReply exchange. Exported, along with the rest of
// this file: spec §1 treats an application service's own payload format as
// opaque to the *core* router, not as private to this package — any client
// that wants to speak this service's protocol (cmd/hid's "files get", in
// particular, driving a download without going through a local Manager)
// needs these to interoperate with one.
type Kind uint8

const (
	KindOpen   Kind = 0
	KindChunk  Kind = 1
	KindAck    Kind = 2
	KindCancel Kind = 3
	KindError  Kind = 4
)

type OpenPayload struct {
	TransferID uint32 `cbor:"0,keyasint"`
	Name       string `cbor:"1,keyasint"`
}

type ChunkPayload struct {
	TransferID uint32 `cbor:"0,keyasint"`
	Data       []byte `cbor:"1,keyasint"`
}

type AckPayload struct {
	TransferID uint32 `cbor:"0,keyasint"`
}

type CancelPayload struct {
	TransferID uint32 `cbor:"0,keyasint"`
}

type ErrorPayload struct {
	TransferID uint32 `cbor:"0,keyasint"`
	Message    string `cbor:"1,keyasint"`
}

// ProtocolMessage is a decoded protocol frame; exactly one accessor other
// than Kind/TransferID is meaningful, selected by Kind.
type ProtocolMessage struct {
	kind   Kind
	open   OpenPayload
	chunk  ChunkPayload
	ack    AckPayload
	cancel CancelPayload
	errP   ErrorPayload
}

func (m ProtocolMessage) Kind() Kind            { return m.kind }
func (m ProtocolMessage) Open() OpenPayload     { return m.open }
func (m ProtocolMessage) Chunk() ChunkPayload   { return m.chunk }
func (m ProtocolMessage) Ack() AckPayload       { return m.ack }
func (m ProtocolMessage) Cancel() CancelPayload { return m.cancel }
func (m ProtocolMessage) Error() ErrorPayload   { return m.errP }

func (m ProtocolMessage) TransferID() uint32 {
	switch m.kind {
	case KindOpen:
		return m.open.TransferID
	case KindChunk:
		return m.chunk.TransferID
	case KindAck:
		return m.ack.TransferID
	case KindCancel:
		return m.cancel.TransferID
	case KindError:
		return m.errP.TransferID
	default:
		return 0
	}
}

func EncodeOpen(id uint32, name string) []byte {
	return mustMarshal(KindOpen, OpenPayload{TransferID: id, Name: name})
}

func EncodeChunk(id uint32, data []byte) []byte {
	return mustMarshal(KindChunk, ChunkPayload{TransferID: id, Data: data})
}

func EncodeAck(id uint32) []byte {
	return mustMarshal(KindAck, AckPayload{TransferID: id})
}

func EncodeCancel(id uint32) []byte {
	return mustMarshal(KindCancel, CancelPayload{TransferID: id})
}

func EncodeError(id uint32, msg string) []byte {
	return mustMarshal(KindError, ErrorPayload{TransferID: id, Message: msg})
}

func mustMarshal(kind Kind, payload any) []byte {
	b, err := cbor.Marshal([]any{uint8(kind), payload})
	if err != nil {
		panic(fmt.Sprintf("transfer: encoding kind %d: %v", kind, err))
	}
	return b
}

// DecodeProtocol decodes a transfer-service MessageEnvelope's Content.
func DecodeProtocol(data []byte) (ProtocolMessage, error) {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return ProtocolMessage{}, err
	}
	if len(arr) != 2 {
		return ProtocolMessage{}, fmt.Errorf("transfer: expected 2-element array, got %d", len(arr))
	}
	var tag uint8
	if err := cbor.Unmarshal(arr[0], &tag); err != nil {
		return ProtocolMessage{}, err
	}
	switch Kind(tag) {
	case KindOpen:
		var p OpenPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{kind: KindOpen, open: p}, nil
	case KindChunk:
		var p ChunkPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{kind: KindChunk, chunk: p}, nil
	case KindAck:
		var p AckPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{kind: KindAck, ack: p}, nil
	case KindCancel:
		var p CancelPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{kind: KindCancel, cancel: p}, nil
	case KindError:
		var p ErrorPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return ProtocolMessage{}, err
		}
		return ProtocolMessage{kind: KindError, errP: p}, nil
	default:
		return ProtocolMessage{}, fmt.Errorf("transfer: unknown protocol tag %d", tag)
	}
}
