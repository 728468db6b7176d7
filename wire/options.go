package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// MaxOptions bounds the number of elements the options chain parser
// will walk; malformed options chains are a classic source of
// out-of-bounds reads, so the walk is capped on top of the declared
// total-length and packet-tail bounds.
const MaxOptions = 16

// optLengthHeaderLen is the size of the mandatory leading OPT_LENGTH
// element: type(8) length(8) total_length(16).
const optLengthHeaderLen = 4

// optElemHeaderLen is the size of a non-OPT_LENGTH option's type+length
// prefix.
const optElemHeaderLen = 2

// Option is one parsed element of the options chain (other than the
// leading OPT_LENGTH, which Chain.TotalLength captures separately).
type Option struct {
	Code uint8 // semantic code, OptMask already applied
	End  bool  // OptEnd was set on the wire
	Data []byte
}

// Chain is a parsed PGM options chain.
type Chain struct {
	TotalLength uint16
	Options     []Option
}

// Find returns the first option with the given code, if any.
func (c Chain) Find(code uint8) (Option, bool) {
	for _, o := range c.Options {
		if o.Code == code {
			return o, true
		}
	}
	return Option{}, false
}

// ParseChain parses an options chain starting at the front of buf.
// It is bounded by both the declared OPT_LENGTH total and len(buf),
// and refuses to walk more than MaxOptions elements; both bounds are
// checked before any option's data is dereferenced.
func ParseChain(buf []byte) (Chain, int, error) {
	if len(buf) < optLengthHeaderLen {
		return Chain{}, 0, errors.New("wire: options chain truncated before OPT_LENGTH")
	}
	if buf[0]&OptMask != OptLength {
		return Chain{}, 0, errors.New("wire: options chain does not start with OPT_LENGTH")
	}
	optLen := buf[1]
	if optLen != optLengthHeaderLen {
		return Chain{}, 0, errors.Errorf("wire: OPT_LENGTH has invalid length %d", optLen)
	}
	total := binary.BigEndian.Uint16(buf[2:4])
	if int(total) > len(buf) {
		return Chain{}, 0, errors.New("wire: OPT_LENGTH total exceeds packet tail")
	}

	chain := Chain{TotalLength: total}
	off := optLengthHeaderLen
	for count := 1; off < int(total); count++ {
		if count >= MaxOptions {
			return Chain{}, 0, errors.New("wire: options chain exceeds MaxOptions")
		}
		if off+optElemHeaderLen > int(total) || off+optElemHeaderLen > len(buf) {
			return Chain{}, 0, errors.New("wire: option header truncated")
		}
		rawType := buf[off]
		length := int(buf[off+1])
		if length < optElemHeaderLen {
			return Chain{}, 0, errors.New("wire: option length smaller than header")
		}
		if off+length > int(total) || off+length > len(buf) {
			return Chain{}, 0, errors.New("wire: option data exceeds bounds")
		}
		data := buf[off+optElemHeaderLen : off+length]
		chain.Options = append(chain.Options, Option{
			Code: rawType & OptMask,
			End:  rawType&OptEnd != 0,
			Data: append([]byte(nil), data...),
		})
		off += length
		if rawType&OptEnd != 0 {
			break
		}
	}
	return chain, int(total), nil
}

// EncodeChain serializes opts (excluding OPT_LENGTH, which is computed
// and prepended automatically) and appends the result to dst.
func EncodeChain(dst []byte, opts []Option) []byte {
	total := optLengthHeaderLen
	for _, o := range opts {
		total += optElemHeaderLen + len(o.Data)
	}

	var lenHdr [optLengthHeaderLen]byte
	lenHdr[0] = OptLength
	lenHdr[1] = optLengthHeaderLen
	binary.BigEndian.PutUint16(lenHdr[2:4], uint16(total))
	dst = append(dst, lenHdr[:]...)

	for i, o := range opts {
		t := o.Code
		if i == len(opts)-1 {
			t |= OptEnd
		}
		dst = append(dst, t, uint8(optElemHeaderLen+len(o.Data)))
		dst = append(dst, o.Data...)
	}
	return dst
}

// FragmentOpt is the decoded OPT_FRAGMENT payload: the APDU's first
// sqn, this fragment's byte offset within the APDU, and the APDU's
// total length.
type FragmentOpt struct {
	FirstSqn uint32
	FragOff  uint32
	FragLen  uint32
}

const fragmentOptLen = 12

func (f FragmentOpt) Encode() []byte {
	buf := make([]byte, fragmentOptLen)
	binary.BigEndian.PutUint32(buf[0:4], f.FirstSqn)
	binary.BigEndian.PutUint32(buf[4:8], f.FragOff)
	binary.BigEndian.PutUint32(buf[8:12], f.FragLen)
	return buf
}

func DecodeFragmentOpt(data []byte) (FragmentOpt, error) {
	if len(data) < fragmentOptLen {
		return FragmentOpt{}, errors.New("wire: OPT_FRAGMENT truncated")
	}
	return FragmentOpt{
		FirstSqn: binary.BigEndian.Uint32(data[0:4]),
		FragOff:  binary.BigEndian.Uint32(data[4:8]),
		FragLen:  binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// MaxNAKListExtra bounds OPT_NAK_LIST's extra entries: together with
// the sqn already carried in the NAK header, this gives a
// "up to 63 entries" selective-NAK batch capacity.
const MaxNAKListExtra = 62

func EncodeNAKListOpt(sqns []uint32) []byte {
	buf := make([]byte, 4*len(sqns))
	for i, s := range sqns {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], s)
	}
	return buf
}

func DecodeNAKListOpt(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, errors.New("wire: OPT_NAK_LIST length not a multiple of 4")
	}
	n := len(data) / 4
	if n > MaxNAKListExtra {
		return nil, errors.New("wire: OPT_NAK_LIST exceeds capacity")
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(data[i*4 : i*4+4])
	}
	return out, nil
}

// ParityPRMOpt is the decoded OPT_PARITY_PRM payload advertising FEC
// parameters: tgs == k (transmission group size) and the
// proactive/on-demand capability flags.
type ParityPRMOpt struct {
	TGS   uint32
	Flags uint8
}

const parityPRMOptLen = 5

func (p ParityPRMOpt) Encode() []byte {
	buf := make([]byte, parityPRMOptLen)
	binary.BigEndian.PutUint32(buf[0:4], p.TGS)
	buf[4] = p.Flags
	return buf
}

func DecodeParityPRMOpt(data []byte) (ParityPRMOpt, error) {
	if len(data) < parityPRMOptLen {
		return ParityPRMOpt{}, errors.New("wire: OPT_PARITY_PRM truncated")
	}
	return ParityPRMOpt{
		TGS:   binary.BigEndian.Uint32(data[0:4]),
		Flags: data[4],
	}, nil
}

// ParityOpt marks a packet as FEC parity data; Proactive/OnDemand
// mirror the corresponding OPT_PARITY_PRM flags. The parity packet's
// offset h within its transmission group is not carried here; it is
// recovered from the low tg_sqn_shift bits of the packet's own sqn.
type ParityOpt struct {
	Proactive bool
	OnDemand  bool
}

func (p ParityOpt) Encode() []byte {
	var b byte
	if p.Proactive {
		b |= ParityPRMPro
	}
	if p.OnDemand {
		b |= ParityPRMOnd
	}
	return []byte{b}
}

func DecodeParityOpt(data []byte) (ParityOpt, error) {
	if len(data) < 1 {
		return ParityOpt{}, errors.New("wire: OPT_PARITY truncated")
	}
	return ParityOpt{
		Proactive: data[0]&ParityPRMPro != 0,
		OnDemand:  data[0]&ParityPRMOnd != 0,
	}, nil
}

// varPktLenOptLen is the size of an OPT_VAR_PKTLEN payload: a 2-byte
// original (pre-padding) TSDU length, carried by a variable-length
// transmission group so a zero-padded shard can be trimmed back down
// after Reed-Solomon reconstruction.
const varPktLenOptLen = 2

func EncodeVarPktLenOpt(origLen uint16) []byte {
	buf := make([]byte, varPktLenOptLen)
	binary.BigEndian.PutUint16(buf, origLen)
	return buf
}

func DecodeVarPktLenOpt(data []byte) (uint16, error) {
	if len(data) < varPktLenOptLen {
		return 0, errors.New("wire: OPT_VAR_PKTLEN truncated")
	}
	return binary.BigEndian.Uint16(data[:2]), nil
}
