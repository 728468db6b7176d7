package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// CommonHeaderLen is the fixed size of the PGM common header:
// sport(16) dport(16) type(8) options(8) checksum(16) gsi(48) tsdu_length(16).
const CommonHeaderLen = 16

// CommonHeader is the PGM header shared by every packet type.
type CommonHeader struct {
	SPort      uint16
	DPort      uint16
	Type       uint8
	Options    uint8 // OptPresent / OptNetwork flags
	Checksum   uint16
	GSI        [6]byte
	TSDULength uint16
}

// HasOptions reports whether an options chain follows the type-specific
// data header.
func (h CommonHeader) HasOptions() bool { return h.Options&OptPresent != 0 }

// Encode serializes h into the first CommonHeaderLen bytes of dst,
// which must be at least that long. The checksum field is written
// verbatim (callers fill it in after the full packet is assembled, via
// the checksum package).
func (h CommonHeader) Encode(dst []byte) {
	_ = dst[:CommonHeaderLen] // bounds check hint
	binary.BigEndian.PutUint16(dst[0:2], h.SPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DPort)
	dst[4] = h.Type
	dst[5] = h.Options
	binary.BigEndian.PutUint16(dst[6:8], h.Checksum)
	copy(dst[8:14], h.GSI[:])
	binary.BigEndian.PutUint16(dst[14:16], h.TSDULength)
}

// ParseCommonHeader reads the common header from the front of buf.
func ParseCommonHeader(buf []byte) (CommonHeader, error) {
	if len(buf) < CommonHeaderLen {
		return CommonHeader{}, errors.New("wire: packet shorter than common header")
	}
	var h CommonHeader
	h.SPort = binary.BigEndian.Uint16(buf[0:2])
	h.DPort = binary.BigEndian.Uint16(buf[2:4])
	h.Type = buf[4]
	h.Options = buf[5]
	h.Checksum = binary.BigEndian.Uint16(buf[6:8])
	copy(h.GSI[:], buf[8:14])
	h.TSDULength = binary.BigEndian.Uint16(buf[14:16])
	return h, nil
}

// DataHeaderLen is the size of the ODATA/RDATA type-specific header
// that follows the common header: sqn(32) trail(32).
const DataHeaderLen = 8

// DataHeader carries the sqn/trail pair shared by ODATA and RDATA.
type DataHeader struct {
	Sqn   uint32
	Trail uint32
}

func (h DataHeader) Encode(dst []byte) {
	_ = dst[:DataHeaderLen]
	binary.BigEndian.PutUint32(dst[0:4], h.Sqn)
	binary.BigEndian.PutUint32(dst[4:8], h.Trail)
}

func ParseDataHeader(buf []byte) (DataHeader, error) {
	if len(buf) < DataHeaderLen {
		return DataHeader{}, errors.New("wire: packet shorter than data header")
	}
	return DataHeader{
		Sqn:   binary.BigEndian.Uint32(buf[0:4]),
		Trail: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// SPMFixedLen is the fixed portion of the SPM data header, before the
// path NLA: sqn(32) trail(32) lead(32).
const SPMFixedLen = 12

// SPMHeader is the Source Path Message data header.
type SPMHeader struct {
	Sqn     uint32
	Trail   uint32
	Lead    uint32
	PathNLA NLA
}

func (h SPMHeader) EncodedLen() int { return SPMFixedLen + h.PathNLA.EncodedLen() }

func (h SPMHeader) Encode(dst []byte) []byte {
	var fixed [SPMFixedLen]byte
	binary.BigEndian.PutUint32(fixed[0:4], h.Sqn)
	binary.BigEndian.PutUint32(fixed[4:8], h.Trail)
	binary.BigEndian.PutUint32(fixed[8:12], h.Lead)
	dst = append(dst, fixed[:]...)
	dst = h.PathNLA.Encode(dst)
	return dst
}

func ParseSPMHeader(buf []byte) (SPMHeader, int, error) {
	if len(buf) < SPMFixedLen {
		return SPMHeader{}, 0, errors.New("wire: packet shorter than SPM header")
	}
	h := SPMHeader{
		Sqn:   binary.BigEndian.Uint32(buf[0:4]),
		Trail: binary.BigEndian.Uint32(buf[4:8]),
		Lead:  binary.BigEndian.Uint32(buf[8:12]),
	}
	nla, n, err := DecodeNLA(buf[SPMFixedLen:])
	if err != nil {
		return SPMHeader{}, 0, errors.Wrap(err, "wire: SPM path NLA")
	}
	h.PathNLA = nla
	return h, SPMFixedLen + n, nil
}

// NAKFixedLen is the size of the NAK/NNAK/NCF data header before the
// two trailing NLAs: sqn(32).
const NAKFixedLen = 4

// NAKHeader is shared by NAK, NNAK, and NCF: a requested sqn plus the
// source and multicast group NLAs the request pertains to.
type NAKHeader struct {
	Sqn      uint32
	SrcNLA   NLA
	GroupNLA NLA
}

func (h NAKHeader) EncodedLen() int {
	return NAKFixedLen + h.SrcNLA.EncodedLen() + h.GroupNLA.EncodedLen()
}

func (h NAKHeader) Encode(dst []byte) []byte {
	var fixed [NAKFixedLen]byte
	binary.BigEndian.PutUint32(fixed[0:4], h.Sqn)
	dst = append(dst, fixed[:]...)
	dst = h.SrcNLA.Encode(dst)
	dst = h.GroupNLA.Encode(dst)
	return dst
}

func ParseNAKHeader(buf []byte) (NAKHeader, int, error) {
	if len(buf) < NAKFixedLen {
		return NAKHeader{}, 0, errors.New("wire: packet shorter than NAK header")
	}
	h := NAKHeader{Sqn: binary.BigEndian.Uint32(buf[0:4])}
	off := NAKFixedLen
	src, n, err := DecodeNLA(buf[off:])
	if err != nil {
		return NAKHeader{}, 0, errors.Wrap(err, "wire: NAK source NLA")
	}
	h.SrcNLA = src
	off += n
	grp, n, err := DecodeNLA(buf[off:])
	if err != nil {
		return NAKHeader{}, 0, errors.Wrap(err, "wire: NAK group NLA")
	}
	h.GroupNLA = grp
	off += n
	return h, off, nil
}

// PollHeaderLen is the fixed size of a POLL data header, excluding the
// path NLA that follows it.
const PollHeaderLen = 8

// PollHeader is the POLL data header (sqn, round, poll type/mask).
type PollHeader struct {
	Sqn      uint32
	Round    uint16
	PollType uint8
	PathNLA  NLA
	PollMask uint32
}

func (h PollHeader) EncodedLen() int { return PollHeaderLen + h.PathNLA.EncodedLen() + 4 }

func (h PollHeader) Encode(dst []byte) []byte {
	var fixed [PollHeaderLen]byte
	binary.BigEndian.PutUint32(fixed[0:4], h.Sqn)
	binary.BigEndian.PutUint16(fixed[4:6], h.Round)
	fixed[6] = h.PollType
	fixed[7] = 0
	dst = append(dst, fixed[:]...)
	dst = h.PathNLA.Encode(dst)
	var mask [4]byte
	binary.BigEndian.PutUint32(mask[:], h.PollMask)
	dst = append(dst, mask[:]...)
	return dst
}

func ParsePollHeader(buf []byte) (PollHeader, int, error) {
	if len(buf) < PollHeaderLen {
		return PollHeader{}, 0, errors.New("wire: packet shorter than POLL header")
	}
	h := PollHeader{
		Sqn:      binary.BigEndian.Uint32(buf[0:4]),
		Round:    binary.BigEndian.Uint16(buf[4:6]),
		PollType: buf[6],
	}
	off := PollHeaderLen
	nla, n, err := DecodeNLA(buf[off:])
	if err != nil {
		return PollHeader{}, 0, errors.Wrap(err, "wire: POLL path NLA")
	}
	h.PathNLA = nla
	off += n
	if len(buf) < off+4 {
		return PollHeader{}, 0, errors.New("wire: packet shorter than POLL mask")
	}
	h.PollMask = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	return h, off, nil
}

// PolrHeaderLen is the fixed size of a POLR data header.
const PolrHeaderLen = 8

// PolrHeader is the POLL response data header.
type PolrHeader struct {
	Sqn   uint32
	Round uint16
}

func (h PolrHeader) Encode(dst []byte) {
	_ = dst[:PolrHeaderLen]
	binary.BigEndian.PutUint32(dst[0:4], h.Sqn)
	binary.BigEndian.PutUint16(dst[4:6], h.Round)
	dst[6], dst[7] = 0, 0
}

func ParsePolrHeader(buf []byte) (PolrHeader, error) {
	if len(buf) < PolrHeaderLen {
		return PolrHeader{}, errors.New("wire: packet shorter than POLR header")
	}
	return PolrHeader{
		Sqn:   binary.BigEndian.Uint32(buf[0:4]),
		Round: binary.BigEndian.Uint16(buf[4:6]),
	}, nil
}

// SPMRHeaderLen is the size of an SPMR data header: SPMR carries no
// fields beyond the common header.
const SPMRHeaderLen = 0

// AckHeaderLen is the fixed size of the ACK data header this
// implementation emits/accepts. PGMCC's full option set is not wired
// (deferred); only the sqn/rx-max fields needed to acknowledge
// receipt are modeled.
const AckHeaderLen = 8

// AckHeader is the (PGMCC-light) ACK data header.
type AckHeader struct {
	Sqn      uint32
	RxMaxSqn uint32
}

func (h AckHeader) Encode(dst []byte) {
	_ = dst[:AckHeaderLen]
	binary.BigEndian.PutUint32(dst[0:4], h.Sqn)
	binary.BigEndian.PutUint32(dst[4:8], h.RxMaxSqn)
}

func ParseAckHeader(buf []byte) (AckHeader, error) {
	if len(buf) < AckHeaderLen {
		return AckHeader{}, errors.New("wire: packet shorter than ACK header")
	}
	return AckHeader{
		Sqn:      binary.BigEndian.Uint32(buf[0:4]),
		RxMaxSqn: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}
