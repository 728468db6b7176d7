package wire

import (
	"encoding/binary"
	"net"

	"github.com/pkg/errors"
)

// AFI values for NLA encoding (RFC 3208).
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// NLA is a wire-encoded Network Layer Address: an AFI-tagged IP
// address used for source/receiver NLA options.
type NLA struct {
	AFI uint16
	IP  net.IP
}

// EncodedLen returns the number of bytes NLA.Encode writes.
func (n NLA) EncodedLen() int {
	switch n.AFI {
	case AFIIPv4:
		return 4 + 4
	case AFIIPv6:
		return 4 + 16
	default:
		return 4
	}
}

// Encode appends the wire form {afi(16), reserved(16), address} to dst.
func (n NLA) Encode(dst []byte) []byte {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], n.AFI)
	binary.BigEndian.PutUint16(hdr[2:4], 0)
	dst = append(dst, hdr[:]...)
	switch n.AFI {
	case AFIIPv4:
		ip4 := n.IP.To4()
		if ip4 == nil {
			ip4 = make(net.IP, 4)
		}
		dst = append(dst, ip4...)
	case AFIIPv6:
		ip6 := n.IP.To16()
		if ip6 == nil {
			ip6 = make(net.IP, 16)
		}
		dst = append(dst, ip6...)
	}
	return dst
}

// DecodeNLA parses an AFI-tagged address from buf, returning the
// address and the number of bytes consumed.
func DecodeNLA(buf []byte) (NLA, int, error) {
	if len(buf) < 4 {
		return NLA{}, 0, errors.New("wire: NLA truncated before AFI")
	}
	afi := binary.BigEndian.Uint16(buf[0:2])
	switch afi {
	case AFIIPv4:
		if len(buf) < 8 {
			return NLA{}, 0, errors.New("wire: NLA truncated IPv4 address")
		}
		ip := net.IP(append([]byte(nil), buf[4:8]...))
		return NLA{AFI: AFIIPv4, IP: ip}, 8, nil
	case AFIIPv6:
		if len(buf) < 20 {
			return NLA{}, 0, errors.New("wire: NLA truncated IPv6 address")
		}
		ip := net.IP(append([]byte(nil), buf[4:20]...))
		return NLA{AFI: AFIIPv6, IP: ip}, 20, nil
	default:
		return NLA{}, 0, errors.Errorf("wire: unknown NLA AFI %d", afi)
	}
}

// NLAFromIP picks AFIIPv4 or AFIIPv6 based on ip's form.
func NLAFromIP(ip net.IP) NLA {
	if v4 := ip.To4(); v4 != nil {
		return NLA{AFI: AFIIPv4, IP: v4}
	}
	return NLA{AFI: AFIIPv6, IP: ip.To16()}
}
