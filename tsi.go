package pgm

import (
	"encoding/binary"
	"fmt"
)

// GSI is the 6-byte Global Source Identifier portion of a TSI.
type GSI [6]byte

// TSI identifies one sender's session uniquely across a network: a
// 6-byte GSI plus a 2-byte source port. Comparable and usable directly
// as a map key, generalizing kcp-go's 4-byte conv session identifier
// (sess.go newUDPSession) to an 8-byte TSI.
type TSI struct {
	GSI   GSI
	SPort uint16
}

func (t TSI) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x%02x%02x.%d",
		t.GSI[0], t.GSI[1], t.GSI[2], t.GSI[3], t.GSI[4], t.GSI[5], t.SPort)
}

// Bytes returns the 8-byte wire encoding of t (GSI followed by sport).
func (t TSI) Bytes() [8]byte {
	var b [8]byte
	copy(b[:6], t.GSI[:])
	binary.BigEndian.PutUint16(b[6:8], t.SPort)
	return b
}

// TSIFromBytes parses an 8-byte TSI encoding.
func TSIFromBytes(b [8]byte) TSI {
	var t TSI
	copy(t.GSI[:], b[:6])
	t.SPort = binary.BigEndian.Uint16(b[6:8])
	return t
}
