package wire

import "io"

// WriteMessage frames and writes a single Message (spec §4.4): a 2-byte
// length prefix followed by its CBOR encoding. Used for both the IPC
// socket and the overlay request/response stream protocol (spec §6.3).
func WriteMessage(w io.Writer, m Message) error {
	body, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadMessage reads and decodes a single framed Message. A framing error
// is connection-fatal; a decode error means the frame was well-formed but
// its payload was not a recognized Message (spec §7).
func ReadMessage(r io.Reader) (Message, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	if body == nil {
		return Message{}, decodeErr(io.ErrUnexpectedEOF)
	}
	return DecodeMessage(body)
}
