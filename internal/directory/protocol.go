package directory

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/hidaemon/hid/internal/wire"
)

// protoKind tags the two-message protocol service directories speak to
// each other across daemons (spec §4.3, §6.3), carried as the Content of
// an ordinary service-directory MessageEnvelope. It is not part of the
// wire package's own tagged-union tables — the directory protocol is
// layered entirely inside one opaque Message payload.
type protoKind uint8

const (
	protoServiceRequest protoKind = 0
	protoServiceReply   protoKind = 1
)

// servicesSnapshot is the wire shape of a LocalServiceMap/RemoteServiceMap
// (spec §3): client id to the set of service ids it offers, represented
// as a slice per the same "set as slice" convention the rest of the wire
// package uses.
type servicesSnapshot map[wire.ClientID][]wire.ServiceID

type serviceReplyPayload struct {
	ServicesTag uint32           `cbor:"0,keyasint"`
	Services    servicesSnapshot `cbor:"1,keyasint"`
}

func encodeServiceRequest() []byte {
	b, err := cbor.Marshal([]any{uint8(protoServiceRequest), struct{}{}})
	if err != nil {
		panic(fmt.Sprintf("directory: encoding ServiceRequest: %v", err))
	}
	return b
}

func encodeServiceReply(tag uint32, services servicesSnapshot) []byte {
	b, err := cbor.Marshal([]any{uint8(protoServiceReply), serviceReplyPayload{ServicesTag: tag, Services: services}})
	if err != nil {
		panic(fmt.Sprintf("directory: encoding ServiceReply: %v", err))
	}
	return b
}

type protoMessage struct {
	kind  protoKind
	reply serviceReplyPayload
}

func decodeProtoMessage(data []byte) (protoMessage, error) {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return protoMessage{}, err
	}
	if len(arr) != 2 {
		return protoMessage{}, fmt.Errorf("directory: expected 2-element array, got %d", len(arr))
	}
	var tag uint8
	if err := cbor.Unmarshal(arr[0], &tag); err != nil {
		return protoMessage{}, err
	}
	switch protoKind(tag) {
	case protoServiceRequest:
		return protoMessage{kind: protoServiceRequest}, nil
	case protoServiceReply:
		var p serviceReplyPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return protoMessage{}, err
		}
		return protoMessage{kind: protoServiceReply, reply: p}, nil
	default:
		return protoMessage{}, fmt.Errorf("directory: unknown protocol tag %d", tag)
	}
}
