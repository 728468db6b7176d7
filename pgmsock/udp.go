package pgmsock

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// udpSocket is the UDP-encapsulated PGM alternative to rawSocket, for
// platforms or deployments where raw IP-protocol-113 sockets aren't
// permitted (no CAP_NET_RAW). Same PKTINFO-based destination
// discovery, built over net.ListenUDP instead of a raw socket.
type udpSocket struct {
	conn  *net.UDPConn
	v6    bool
	ipc4  *ipv4.PacketConn
	ipc6  *ipv6.PacketConn
}

// NewUDPSocket opens a UDP-encapsulated PGM socket bound to laddr:port.
func NewUDPSocket(laddr net.IP, port int) (Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr, Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "pgmsock: listen udp")
	}
	s := &udpSocket{conn: conn, v6: laddr.To4() == nil}
	if s.v6 {
		s.ipc6 = ipv6.NewPacketConn(conn)
		s.ipc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true)
	} else {
		s.ipc4 = ipv4.NewPacketConn(conn)
		s.ipc4.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true)
	}
	return s, nil
}

func (s *udpSocket) ReadFrom(buf []byte) (int, net.Addr, net.IP, int, error) {
	if s.v6 {
		n, cm, src, err := s.ipc6.ReadFrom(buf)
		if err != nil {
			return 0, nil, nil, 0, err
		}
		if cm == nil || cm.Dst == nil {
			return n, src, nil, 0, errors.New("pgmsock: destination undeterminable (no IPV6_PKTINFO control message)")
		}
		return n, src, cm.Dst, cm.IfIndex, nil
	}
	n, cm, src, err := s.ipc4.ReadFrom(buf)
	if err != nil {
		return 0, nil, nil, 0, err
	}
	if cm == nil || cm.Dst == nil {
		return n, src, nil, 0, errors.New("pgmsock: destination undeterminable (no IP_PKTINFO control message)")
	}
	return n, src, cm.Dst, cm.IfIndex, nil
}

func (s *udpSocket) WriteTo(buf []byte, dst net.Addr) (int, error) {
	return s.conn.WriteTo(buf, dst)
}

func (s *udpSocket) JoinGroup(group net.IP, ifaceName string) error {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "pgmsock: lookup interface %q", ifaceName)
	}
	if s.v6 {
		return s.ipc6.JoinGroup(ifi, &net.IPAddr{IP: group})
	}
	return s.ipc4.JoinGroup(ifi, &net.IPAddr{IP: group})
}

func (s *udpSocket) LeaveGroup(group net.IP, ifaceName string) error {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return errors.Wrapf(err, "pgmsock: lookup interface %q", ifaceName)
	}
	if s.v6 {
		return s.ipc6.LeaveGroup(ifi, &net.IPAddr{IP: group})
	}
	return s.ipc4.LeaveGroup(ifi, &net.IPAddr{IP: group})
}

func (s *udpSocket) SetTOS(dscp int) error {
	if s.v6 {
		return s.ipc6.SetTrafficClass(dscp << 2)
	}
	return s.ipc4.SetTOS(dscp << 2)
}

func (s *udpSocket) SetMulticastHops(hops int) error {
	if s.v6 {
		return s.ipc6.SetMulticastHopLimit(hops)
	}
	return s.ipc4.SetMulticastTTL(hops)
}

func (s *udpSocket) SetMulticastLoop(loop bool) error {
	if s.v6 {
		return s.ipc6.SetMulticastLoopback(loop)
	}
	return s.ipc4.SetMulticastLoopback(loop)
}

func (s *udpSocket) Close() error { return s.conn.Close() }
