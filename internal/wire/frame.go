package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLen is the largest payload a 2-byte length prefix can carry
// (spec §4.4: 0 ≤ L ≤ 65535).
const MaxFrameLen = 65535

// ReadFrame reads one length-prefixed frame from r: a 2-byte big-endian
// length L followed by exactly L bytes. A short read of either the length
// or the body is a framing error (spec §4.4, §7): the caller must close
// the connection, not retry.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, framingErr(fmt.Errorf("read length prefix: %w", err))
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, framingErr(fmt.Errorf("read %d-byte body: %w", n, err))
	}
	return body, nil
}

// WriteFrame writes payload as a single length-prefixed frame. Payloads
// longer than MaxFrameLen are a framing error — the writer never silently
// truncates.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return framingErr(fmt.Errorf("payload of %d bytes exceeds max frame length %d", len(payload), MaxFrameLen))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return framingErr(fmt.Errorf("write length prefix: %w", err))
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return framingErr(fmt.Errorf("write body: %w", err))
	}
	return nil
}
