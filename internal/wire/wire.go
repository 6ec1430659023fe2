// Package wire implements the tagged binary encoding and length-prefixed
// framing shared by the local IPC protocol and the overlay request/response
// protocol (spec §4.4, §6.1-§6.3).
//
// The encoding is CBOR (github.com/fxamacker/cbor/v2) with numeric field
// tags, chosen over the teacher's newline-delimited JSON because the wire
// tables in §6 require stable numeric tags and "unknown field ignored /
// unknown variant rejected" semantics that plain JSON cannot express.
package wire

import "fmt"

// ClientID identifies a local client on one daemon. Reserved: 0 is the
// daemon itself, 0xFFFF is broadcast to all local clients.
type ClientID uint16

const (
	ClientNone      ClientID = 0
	ClientBroadcast ClientID = 0xFFFF
)

// ServiceID identifies an application-defined protocol spoken between
// clients across peers.
type ServiceID uint16

// ServiceDirectory is the well-known service id of the per-daemon service
// directory client (spec §3 "distinguished service-directory id"). Router
// peer/client update events fan out to whichever local clients subscribe
// to this service.
const ServiceDirectory ServiceID = 1

// Err is a sentinel error category used throughout the wire/IPC boundary,
// matching the taxonomy in spec §7.
type Err struct {
	Kind string // "framing" | "decode" (an unknown variant tag is a "decode")
	Err  error
}

func (e *Err) Error() string { return fmt.Sprintf("wire: %s: %v", e.Kind, e.Err) }
func (e *Err) Unwrap() error { return e.Err }

func framingErr(err error) error { return &Err{Kind: "framing", Err: err} }
func decodeErr(err error) error  { return &Err{Kind: "decode", Err: err} }

// ErrFraming reports a short read or an over-length frame; the caller MUST
// terminate the connection (spec §4.4, §7).
func ErrFraming(err error) error { return framingErr(err) }

// ErrDecode reports a malformed or unknown-variant payload; the caller
// drops the single frame and keeps the connection alive (spec §7).
func ErrDecode(err error) error { return decodeErr(err) }

// IsFraming reports whether err is a framing error.
func IsFraming(err error) bool {
	var e *Err
	return asErr(err, &e) && e.Kind == "framing"
}

// IsDecode reports whether err is a decode error.
func IsDecode(err error) bool {
	var e *Err
	return asErr(err, &e) && e.Kind == "decode"
}

func asErr(err error, target **Err) bool {
	for err != nil {
		if e, ok := err.(*Err); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
