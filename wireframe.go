package pgm

import (
	"encoding/binary"

	"github.com/pgmproto/pgm/wire"
)

// framePacket assembles one full on-wire PGM packet: the common
// header followed by body (a type-specific data header, any options
// chain, and the payload, already concatenated by the caller), with
// the checksum computed last over the whole thing. Mirrors the
// zero-then-compute-then-patch sequence wire.Checksum documents.
func framePacket(common wire.CommonHeader, body []byte) []byte {
	buf := make([]byte, wire.CommonHeaderLen, wire.CommonHeaderLen+len(body))
	common.Checksum = 0
	common.Encode(buf)
	buf = append(buf, body...)
	chk := wire.Checksum(buf)
	binary.BigEndian.PutUint16(buf[6:8], chk)
	return buf
}

// frameWithPayload is framePacket for the data path: pre is the data
// header plus any options chain, and the payload's partial checksum is
// cached on the SKB so an RDATA re-send of the same packet only
// recomputes the header portion.
func frameWithPayload(common wire.CommonHeader, pre []byte, skb *SKB) []byte {
	buf := make([]byte, wire.CommonHeaderLen, wire.CommonHeaderLen+len(pre)+skb.Len())
	common.Checksum = 0
	common.Encode(buf)
	buf = append(buf, pre...)
	payloadOff := len(buf)
	buf = append(buf, skb.Bytes()...)

	if skb.UnfoldedChecksum == 0 {
		skb.UnfoldedChecksum = wire.Partial(skb.Bytes(), 0)
	}
	hdrPartial := wire.Partial(buf[:payloadOff], 0)
	chk := ^wire.Fold(wire.BlockAdd(hdrPartial, skb.UnfoldedChecksum, payloadOff))
	binary.BigEndian.PutUint16(buf[6:8], chk)
	return buf
}
