package wire

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func cborMarshalMapMissingName() ([]byte, error) {
	return cbor.Marshal(map[int]any{0: uint32(1)})
}

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte{0xAB}, MaxFrameLen),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		if len(payload) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, payload, got)
		}
	}
}

func TestFrameOverflowIsFraming(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, bytes.Repeat([]byte{0}, MaxFrameLen+1))
	require.Error(t, err)
	require.True(t, IsFraming(err))
}

func TestFrameShortReadIsFraming(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00}))
	require.Error(t, err)
	require.True(t, IsFraming(err))
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		OkMessage(),
		ErrorMessage("boom"),
		RegisterMessage(Register{Services: []ServiceID{1, 2}}),
		RegisterOkMessage(RegisterOk{ClientID: 7}),
		GetMessage(Get{Query: GetSetNameValue("")}),
		SetMessage(Set{Query: GetSetConnectValue("/ip4/1.2.3.4/tcp/4001")}),
		EnvelopeMessage(MessageEnvelope{
			ToClient:   ClientBroadcast,
			FromClient: 3,
			FromPeer:   "12D3Koo...",
			Service:    2,
			Content:    []byte{1, 2, 3},
		}),
		EventEnvMessage(EventEnvelope{ToClient: 5, FromClient: 0, Ev: PeerUpdateEvent(PeerInfoWire{
			PeerID:      "12D3Koo...",
			Name:        "bob",
			ServicesTag: 42,
			LastUpdate:  1000,
		})}),
	}
	for _, m := range msgs {
		body, err := EncodeMessage(m)
		require.NoError(t, err)
		got, err := DecodeMessage(body)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestMessageStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := RegisterMessage(Register{Services: []ServiceID{1}})
	require.NoError(t, WriteMessage(&buf, want))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestGetSetRoundTrip(t *testing.T) {
	variants := []GetSet{
		GetSetOkValue(),
		GetSetErrorValue("nope"),
		GetSetNameValue("daemon-1"),
		GetSetPeersValue([]PeerInfoWire{{PeerID: "p1", Name: "n1"}}),
		GetSetConnectValue("/ip4/127.0.0.1/tcp/4001"),
		GetSetServicesTagValue(99),
	}
	for _, v := range variants {
		data, err := v.MarshalCBOR()
		require.NoError(t, err)
		var got GetSet
		require.NoError(t, got.UnmarshalCBOR(data))
		require.Equal(t, v, got)
	}
}

func TestEventRoundTrip(t *testing.T) {
	variants := []Event{
		ClientUpdateEvent(true, 4, []ServiceID{1}),
		ClientUpdateEvent(false, 4, nil),
		PeerUpdateEvent(PeerInfoWire{PeerID: "p1"}),
		ServiceUpdateEvent(7, ServiceMembers{"p2": {1, 2}}),
	}
	for _, v := range variants {
		data, err := v.MarshalCBOR()
		require.NoError(t, err)
		var got Event
		require.NoError(t, got.UnmarshalCBOR(data))
		require.Equal(t, v, got)
	}
}

// TestRegisterWireTagsMatchSpec is a golden-vector check independent of
// the struct definition: it builds the same Register value by hand as a
// map keyed on the literal tag numbers from spec §6.2's Register table
// ({0: services}) and requires it to serialize identically to the struct.
// A future edit that shifts Register's field tags breaks this even though
// TestMessageRoundTrip (self round-trip only) would not notice.
func TestRegisterWireTagsMatchSpec(t *testing.T) {
	got, err := cbor.Marshal(Register{Services: []ServiceID{1, 2}})
	require.NoError(t, err)

	want, err := cbor.Marshal(map[int]any{0: []ServiceID{1, 2}})
	require.NoError(t, err)

	require.Equal(t, want, got)
}

// TestMessageEnvelopeWireTagsMatchSpec pins MessageEnvelope to spec §6.2's
// tag 7 table: {0: to_peer, 1: from_peer, 2: to_client, 3: from_client,
// 4: service, 5: content}.
func TestMessageEnvelopeWireTagsMatchSpec(t *testing.T) {
	env := MessageEnvelope{
		ToPeer:     "peerA",
		FromPeer:   "peerB",
		ToClient:   5,
		FromClient: 9,
		Service:    3,
		Content:    []byte{1, 2, 3},
	}
	got, err := cbor.Marshal(env)
	require.NoError(t, err)

	// Go map iteration order is random; sort the keys so the hand-built
	// map encodes in the same 0..5 order as the struct's fields.
	sorted, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	require.NoError(t, err)
	want, err := sorted.Marshal(map[int]any{
		0: "peerA",
		1: "peerB",
		2: ClientID(5),
		3: ClientID(9),
		4: ServiceID(3),
		5: []byte{1, 2, 3},
	})
	require.NoError(t, err)

	require.Equal(t, want, got)
}

// TestEventEnvelopeWireTagsMatchSpec pins EventEnvelope to spec §6.2's tag
// 8 table: {0: to_client, 1: from_client, 2: event}.
func TestEventEnvelopeWireTagsMatchSpec(t *testing.T) {
	ev := ServiceUpdateEvent(7, ServiceMembers{"p1": {1, 2}})
	env := EventEnvelope{ToClient: 5, FromClient: 2, Ev: ev}
	got, err := cbor.Marshal(env)
	require.NoError(t, err)

	sorted, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	require.NoError(t, err)
	want, err := sorted.Marshal(map[int]any{
		0: ClientID(5),
		1: ClientID(2),
		2: ev,
	})
	require.NoError(t, err)

	require.Equal(t, want, got)
}

func TestGossipAnnounceRejectsMissingMandatoryFields(t *testing.T) {
	full := GossipAnnounce{Version: 1, Name: "node-a", ServicesTag: 5, Timestamp: 123}
	data, err := full.MarshalCBOR()
	require.NoError(t, err)
	var got GossipAnnounce
	require.NoError(t, got.UnmarshalCBOR(data))
	require.Equal(t, full, got)

	// Hand-build a payload missing the mandatory name field.
	missingName, err := cborMarshalMapMissingName()
	require.NoError(t, err)
	var bad GossipAnnounce
	err = bad.UnmarshalCBOR(missingName)
	require.Error(t, err)
	require.True(t, IsDecode(err))
}
