package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// GossipAnnounce is the presence payload published on the gossip topic
// (spec §6.1). Version and Name are mandatory: a payload missing either
// key is a decode error, not a zero-value default. ServicesTag and
// Timestamp are optional and default to zero when absent.
type GossipAnnounce struct {
	Version     uint32
	Name        string
	ServicesTag uint32
	Timestamp   int64
}

type gossipWire struct {
	Version     uint32 `cbor:"0,keyasint"`
	Name        string `cbor:"1,keyasint"`
	ServicesTag uint32 `cbor:"2,keyasint"`
	Timestamp   int64  `cbor:"3,keyasint"`
}

func (g GossipAnnounce) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(gossipWire{
		Version:     g.Version,
		Name:        g.Name,
		ServicesTag: g.ServicesTag,
		Timestamp:   g.Timestamp,
	})
}

// UnmarshalCBOR decodes via an intermediate field-presence map rather than
// directly into gossipWire: a plain struct decode can't distinguish a
// field absent from the map from one present with its zero value, and
// spec §6.1 requires rejecting the former for Version and Name.
func (g *GossipAnnounce) UnmarshalCBOR(data []byte) error {
	fields := map[int]cbor.RawMessage{}
	if err := cbor.Unmarshal(data, &fields); err != nil {
		return decodeErr(err)
	}
	if _, ok := fields[0]; !ok {
		return decodeErr(fmt.Errorf("GossipAnnounce: missing mandatory field 0 (version)"))
	}
	if _, ok := fields[1]; !ok {
		return decodeErr(fmt.Errorf("GossipAnnounce: missing mandatory field 1 (name)"))
	}
	var w gossipWire
	if raw, ok := fields[0]; ok {
		if err := cbor.Unmarshal(raw, &w.Version); err != nil {
			return decodeErr(err)
		}
	}
	if raw, ok := fields[1]; ok {
		if err := cbor.Unmarshal(raw, &w.Name); err != nil {
			return decodeErr(err)
		}
	}
	if raw, ok := fields[2]; ok {
		if err := cbor.Unmarshal(raw, &w.ServicesTag); err != nil {
			return decodeErr(err)
		}
	}
	if raw, ok := fields[3]; ok {
		if err := cbor.Unmarshal(raw, &w.Timestamp); err != nil {
			return decodeErr(err)
		}
	}
	*g = GossipAnnounce{
		Version:     w.Version,
		Name:        w.Name,
		ServicesTag: w.ServicesTag,
		Timestamp:   w.Timestamp,
	}
	return nil
}
