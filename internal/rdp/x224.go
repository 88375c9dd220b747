// Package rdp implements the wire-level sniffing the broker does on a new
// connection: reading the TPKT-framed X.224 Connection Request, extracting
// the routing cookie, and writing the negotiation-failure response used to
// reject connections.
//
// Only the first packet of the exchange is understood here. Everything
// after it is opaque to the broker and belongs to the per-user server; the
// raw bytes consumed by the sniffer are preserved so the proxy can replay
// them verbatim.
package rdp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedHandshake marks initial bytes that are not a parseable
// X.224 Connection Request within the allowed size bounds.
var ErrMalformedHandshake = errors.New("malformed handshake")

const (
	tpktVersion   = 3
	tpktHeaderLen = 4

	// A CR carrying a cookie and a negotiation request is well under
	// 100 bytes; anything near this cap is garbage or abuse.
	maxPacketLen = 8192
	minPacketLen = 7

	cookiePrefix  = "cookie: mstshash="
	maxCookieUser = 64
)

// Negotiation failure codes (MS-RDPBCGR 2.2.1.2.2).
const (
	// NegFailureHybridRequired tells the client the server demands
	// CredSSP; it is the conventional "not letting you in" answer.
	NegFailureHybridRequired uint32 = 5
)

// ConnectionRequest is the parsed first packet of an inbound connection.
type ConnectionRequest struct {
	// Username extracted from the routing cookie, empty when absent.
	Username string
	// Raw holds the entire packet as read off the wire (TPKT header
	// included). It must be forwarded to the per-user server verbatim.
	Raw []byte
}

// ReadConnectionRequest reads exactly one TPKT-framed X.224 Connection
// Request from r. It consumes nothing past the end of that packet.
//
// Callers bound the read in time by setting a deadline on the underlying
// connection; this function only bounds it in bytes.
func ReadConnectionRequest(r io.Reader) (*ConnectionRequest, error) {
	var tpkt [tpktHeaderLen]byte
	if _, err := io.ReadFull(r, tpkt[:]); err != nil {
		return nil, fmt.Errorf("%w: short TPKT header: %v", ErrMalformedHandshake, err)
	}
	if tpkt[0] != tpktVersion {
		return nil, fmt.Errorf("%w: TPKT version %d", ErrMalformedHandshake, tpkt[0])
	}
	total := int(binary.BigEndian.Uint16(tpkt[2:4]))
	if total < minPacketLen {
		return nil, fmt.Errorf("%w: TPKT length %d too small", ErrMalformedHandshake, total)
	}
	if total > maxPacketLen {
		return nil, fmt.Errorf("%w: TPKT length %d too large", ErrMalformedHandshake, total)
	}

	payload := make([]byte, total-tpktHeaderLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: short X.224 payload: %v", ErrMalformedHandshake, err)
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: X.224 payload too short", ErrMalformedHandshake)
	}
	// High nibble of the TPDU code byte must be 0xE (Connection Request).
	if code := payload[1] >> 4; code != 0xE {
		return nil, fmt.Errorf("%w: TPDU code 0x%X, want 0xE", ErrMalformedHandshake, code)
	}

	raw := make([]byte, 0, total)
	raw = append(raw, tpkt[:]...)
	raw = append(raw, payload...)

	return &ConnectionRequest{
		Username: extractCookieUsername(payload),
		Raw:      raw,
	}, nil
}

// extractCookieUsername pulls the username out of a
// "Cookie: mstshash=<user>\r\n" field in the X.224 CR payload.
//
// The cookie sits after the 6-byte fixed CR header (LI, code, DST-REF,
// SRC-REF, CLASS). A value that fails validation is treated the same as
// no cookie at all; routing decisions, not errors, handle that case.
func extractCookieUsername(payload []byte) string {
	if len(payload) <= 6 {
		return ""
	}
	text := string(payload[6:])
	idx := strings.Index(strings.ToLower(text), cookiePrefix)
	if idx < 0 {
		return ""
	}
	rest := text[idx+len(cookiePrefix):]
	if end := strings.Index(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	username := strings.TrimSpace(rest)
	if username == "" || len(username) > maxCookieUser {
		return ""
	}
	for _, c := range username {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return ""
		}
	}
	return username
}

// WriteNegotiationFailure writes an X.224 Connection Confirm carrying an
// RDP_NEG_FAILURE with the given code. It is the protocol-appropriate way
// to turn a client away before any session exists; errors are only
// interesting to callers that log them.
func WriteNegotiationFailure(w io.Writer, code uint32) error {
	pkt := make([]byte, 0, 19)
	// TPKT: version, reserved, length (whole packet).
	pkt = append(pkt, tpktVersion, 0, 0, 19)
	// X.224 CC: LI, code 0xD0, DST-REF, SRC-REF, class 0.
	pkt = append(pkt, 14, 0xD0, 0, 0, 0, 0, 0)
	// RDP_NEG_FAILURE: type, flags, length (LE), failureCode (LE).
	pkt = append(pkt, 0x03, 0, 8, 0)
	pkt = binary.LittleEndian.AppendUint32(pkt, code)
	_, err := w.Write(pkt)
	return err
}
