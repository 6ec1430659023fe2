package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// GetSetKind is the tag of a GetSet variant (spec §6.2).
type GetSetKind uint8

const (
	GetSetOk          GetSetKind = 0
	GetSetError       GetSetKind = 1
	GetSetName        GetSetKind = 2
	GetSetPeers       GetSetKind = 3
	GetSetConnect     GetSetKind = 4
	GetSetServicesTag GetSetKind = 5
)

// PeerInfoWire is the wire shape of PeerInfo. Tag 3 is left unused: the
// original implementation carried a legacy file_support bool there, and
// spec §9 Open Question #2 says that boolean should not be reintroduced.
// Removed is a daemon-local addition at tag 5, set only on the PeerUpdate
// event a reaper sweep emits to announce a peer's removal; decoders that
// only care about the peer table's current membership can drop any entry
// with Removed set.
type PeerInfoWire struct {
	PeerID      string `cbor:"0,keyasint"`
	Name        string `cbor:"1,keyasint"`
	ServicesTag uint32 `cbor:"2,keyasint"`
	LastUpdate  int64  `cbor:"4,keyasint"`
	Removed     bool   `cbor:"5,keyasint"`
}

// GetSet is the closed sum type carried by Get/Set IPC messages (spec
// §6.2). It implements cbor.Marshaler/Unmarshaler directly so that nesting
// it inside Get/Set round-trips through the generic struct codec.
type GetSet struct {
	kind    GetSetKind
	errMsg  string
	name    string
	peers   []PeerInfoWire
	connect string
	tag     uint32
}

func GetSetOkValue() GetSet                { return GetSet{kind: GetSetOk} }
func GetSetErrorValue(msg string) GetSet   { return GetSet{kind: GetSetError, errMsg: msg} }
func GetSetNameValue(name string) GetSet   { return GetSet{kind: GetSetName, name: name} }
func GetSetPeersValue(p []PeerInfoWire) GetSet {
	return GetSet{kind: GetSetPeers, peers: p}
}
func GetSetConnectValue(addr string) GetSet      { return GetSet{kind: GetSetConnect, connect: addr} }
func GetSetServicesTagValue(tag uint32) GetSet   { return GetSet{kind: GetSetServicesTag, tag: tag} }

func (g GetSet) Kind() GetSetKind      { return g.kind }
func (g GetSet) ErrorMessage() string  { return g.errMsg }
func (g GetSet) Name() string          { return g.name }
func (g GetSet) Peers() []PeerInfoWire { return g.peers }
func (g GetSet) ConnectAddr() string   { return g.connect }
func (g GetSet) ServicesTag() uint32   { return g.tag }

type getSetErrorPayload struct {
	Message string `cbor:"0,keyasint"`
}
type getSetNamePayload struct {
	Name string `cbor:"0,keyasint"`
}
type getSetPeersPayload struct {
	Peers []PeerInfoWire `cbor:"0,keyasint"`
}
type getSetConnectPayload struct {
	Address string `cbor:"0,keyasint"`
}
type getSetTagPayload struct {
	Tag uint32 `cbor:"0,keyasint"`
}

func (g GetSet) MarshalCBOR() ([]byte, error) {
	var payload any
	switch g.kind {
	case GetSetOk:
		payload = struct{}{}
	case GetSetError:
		payload = getSetErrorPayload{Message: g.errMsg}
	case GetSetName:
		payload = getSetNamePayload{Name: g.name}
	case GetSetPeers:
		payload = getSetPeersPayload{Peers: g.peers}
	case GetSetConnect:
		payload = getSetConnectPayload{Address: g.connect}
	case GetSetServicesTag:
		payload = getSetTagPayload{Tag: g.tag}
	default:
		return nil, decodeErr(fmt.Errorf("unknown GetSet kind %d", g.kind))
	}
	return cbor.Marshal([]any{uint8(g.kind), payload})
}

func (g *GetSet) UnmarshalCBOR(data []byte) error {
	var arr []cbor.RawMessage
	if err := cbor.Unmarshal(data, &arr); err != nil {
		return decodeErr(err)
	}
	if len(arr) != 2 {
		return decodeErr(fmt.Errorf("GetSet: expected 2-element array, got %d", len(arr)))
	}
	var tag uint8
	if err := cbor.Unmarshal(arr[0], &tag); err != nil {
		return decodeErr(err)
	}
	switch GetSetKind(tag) {
	case GetSetOk:
		*g = GetSet{kind: GetSetOk}
	case GetSetError:
		var p getSetErrorPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*g = GetSet{kind: GetSetError, errMsg: p.Message}
	case GetSetName:
		var p getSetNamePayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*g = GetSet{kind: GetSetName, name: p.Name}
	case GetSetPeers:
		var p getSetPeersPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*g = GetSet{kind: GetSetPeers, peers: p.Peers}
	case GetSetConnect:
		var p getSetConnectPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*g = GetSet{kind: GetSetConnect, connect: p.Address}
	case GetSetServicesTag:
		var p getSetTagPayload
		if err := cbor.Unmarshal(arr[1], &p); err != nil {
			return decodeErr(err)
		}
		*g = GetSet{kind: GetSetServicesTag, tag: p.Tag}
	default:
		return decodeErr(fmt.Errorf("unknown GetSet tag %d", tag))
	}
	return nil
}
