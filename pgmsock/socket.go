// Package pgmsock provides the real socket I/O collaborator behind
// pgm's Sock interface: raw IP-protocol-113 and UDP-encapsulated PGM
// transport, multicast group membership, and destination-address
// discovery via IP_PKTINFO/IPV6_PKTINFO control messages.
//
// Grounded on other_examples' malbeclabs-doublezero uping sender
// (raw-socket construction, IP_PKTINFO enablement via
// golang.org/x/sys/unix.SetsockoptInt) and on the vendored kcp-go's
// sess.go use of golang.org/x/net/ipv4.NewConn(...).SetTOS for
// per-packet DSCP/TOS control on top of a plain net.PacketConn.
package pgmsock

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ProtocolPGM is RFC 3208's IP protocol number for native PGM.
const ProtocolPGM = 113

// Socket is the interface pgm.Sock implementations satisfy; a real
// Socket wraps either a raw IP-protocol-113 connection or a UDP
// encapsulation, and resolves each inbound datagram's true
// destination address via control messages so multicast delivery can
// be attributed to the right local group.
type Socket interface {
	ReadFrom(buf []byte) (n int, src net.Addr, dst net.IP, ifIndex int, err error)
	WriteTo(buf []byte, dst net.Addr) (int, error)
	JoinGroup(group net.IP, ifaceName string) error
	LeaveGroup(group net.IP, ifaceName string) error
	SetTOS(dscp int) error
	SetMulticastHops(hops int) error
	SetMulticastLoop(loop bool) error
	Close() error
}

// rawSocket is a native PGM (IP protocol 113) Socket, requiring
// CAP_NET_RAW. Built the way uping's sender.go opens its ICMP raw
// socket: unix.Socket + SetsockoptInt(IP_PKTINFO) + interface lookup,
// generalized from IPPROTO_ICMP to IPPROTO_PGM (113) and to both
// send and receive.
type rawSocket struct {
	fd     int
	v6     bool
	ipConn *ipv4.PacketConn
	ip6    *ipv6.PacketConn
	pconn  net.PacketConn
}

// NewRawSocket opens a raw protocol-113 socket bound to laddr (IPv4
// or IPv6) and enables PKTINFO-equivalent control messages so callers
// can recover the true destination address of each received datagram,
// even when it arrived on an unconnected multicast socket.
func NewRawSocket(laddr net.IP) (Socket, error) {
	family := unix.AF_INET
	if laddr.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_RAW, ProtocolPGM)
	if err != nil {
		return nil, errors.Wrap(err, "pgmsock: open raw protocol-113 socket")
	}

	if family == unix.AF_INET {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "pgmsock: enable IP_PKTINFO")
		}
	} else {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "pgmsock: enable IPV6_RECVPKTINFO")
		}
	}

	f := os.NewFile(uintptr(fd), "pgm-raw")
	pconn, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "pgmsock: wrap raw socket as PacketConn")
	}

	s := &rawSocket{fd: fd, v6: family == unix.AF_INET6, pconn: pconn}
	if s.v6 {
		s.ip6 = ipv6.NewPacketConn(pconn)
		s.ip6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	} else {
		s.ipConn = ipv4.NewPacketConn(pconn)
		s.ipConn.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
	}
	return s, nil
}

func (s *rawSocket) ReadFrom(buf []byte) (int, net.Addr, net.IP, int, error) {
	if s.v6 {
		n, cm, src, err := s.ip6.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, 0, err
		}
		if cm == nil || cm.Dst == nil {
			return n, src, nil, 0, errors.New("pgmsock: destination undeterminable (no IPV6_PKTINFO control message)")
		}
		return n, src, cm.Dst, cm.IfIndex, nil
	}
	n, cm, src, err := s.ipConn.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	if cm == nil || cm.Dst == nil {
		return n, src, nil, 0, errors.New("pgmsock: destination undeterminable (no IP_PKTINFO control message)")
	}
	return n, src, cm.Dst, cm.IfIndex, nil
}

func (s *rawSocket) WriteTo(buf []byte, dst net.Addr) (int, error) {
	return s.pconn.WriteTo(buf, dst)
}

func (s *rawSocket) JoinGroup(group net.IP, ifaceName string) error {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "pgmsock: lookup interface %q", ifaceName)
	}
	if s.v6 {
		return s.ip6.JoinGroup(ifi, &net.IPAddr{IP: group})
	}
	return s.ipConn.JoinGroup(ifi, &net.IPAddr{IP: group})
}

func (s *rawSocket) LeaveGroup(group net.IP, ifaceName string) error {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "pgmsock: lookup interface %q", ifaceName)
	}
	if s.v6 {
		return s.ip6.LeaveGroup(ifi, &net.IPAddr{IP: group})
	}
	return s.ipConn.LeaveGroup(ifi, &net.IPAddr{IP: group})
}

// SetTOS sets the outgoing DSCP/TOS byte, matching kcp-go sess.go's
// ipv4.NewConn(nc).SetTOS(dscp << 2) usage, generalized to the
// v4/v6-dispatching Socket this package exposes.
func (s *rawSocket) SetTOS(dscp int) error {
	if s.v6 {
		return s.ip6.SetTrafficClass(dscp << 2)
	}
	return s.ipConn.SetTOS(dscp << 2)
}

// SetMulticastHops bounds how far multicast packets travel (IP TTL /
// IPv6 hop limit).
func (s *rawSocket) SetMulticastHops(hops int) error {
	if s.v6 {
		return s.ip6.SetMulticastHopLimit(hops)
	}
	return s.ipConn.SetMulticastTTL(hops)
}

// SetMulticastLoop controls whether this host's own multicast sends
// are looped back to its sockets.
func (s *rawSocket) SetMulticastLoop(loop bool) error {
	if s.v6 {
		return s.ip6.SetMulticastLoopback(loop)
	}
	return s.ipConn.SetMulticastLoopback(loop)
}

func (s *rawSocket) Close() error {
	return s.pconn.Close()
}
