package pgm

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pgmproto/pgm/pgmsock"
	"github.com/pgmproto/pgm/wire"
)

// recvLoop reads datagrams off sock until ReadFrom returns a
// persistent error (closed socket, EOF), parsing each into a common
// header and dispatching by packet type. Mirrors kcp-go's per-session
// readLoop goroutine (sess.go), generalized from one UDPSession to one
// shared loop demuxing by TSI across every peer a Transport knows.
func (t *Transport) recvLoop(sock pgmsock.Socket, stop <-chan struct{}) {
	buf := make([]byte, MaxTPDU)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, src, dst, _, err := sock.ReadFrom(buf)
		// pgmsock reports a datagram without PKTINFO as n>0 with a nil
		// dst and a non-nil error; that is per-datagram, not persistent.
		if err != nil && (n == 0 || dst != nil) {
			glog.V(1).Infof("pgm: recv loop exiting: %v", err)
			return
		}
		if n == 0 {
			continue
		}
		if dst == nil {
			// Destination undeterminable (no PKTINFO control message):
			// rejected rather than guessed at, since an unattributable
			// multicast datagram can't be matched to a joined group.
			atomic.AddUint64(&t.packetsDiscarded, 1)
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		t.dispatch(raw, addrIP(src), time.Now())
	}
}

// addrIP extracts the source IP out of a net.Addr, the two concrete
// shapes pgmsock hands back: *net.UDPAddr for UDP encapsulation,
// *net.IPAddr for a raw protocol-113 socket.
func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}

// dispatch parses raw's common header, verifies its checksum, and
// routes the body by Type into the bound source and/or receiver
// engines. Per-packet parse failures are counted and dropped, never
// surfaced to the caller.
func (t *Transport) dispatch(raw []byte, srcIP net.IP, now time.Time) {
	common, err := wire.ParseCommonHeader(raw)
	if err != nil {
		atomic.AddUint64(&t.malformedPackets, 1)
		return
	}
	if !wire.VerifyChecksum(raw, 6) {
		atomic.AddUint64(&t.cksumErrors, 1)
		return
	}
	body := raw[wire.CommonHeaderLen:]
	peerTSI := TSI{GSI: GSI(common.GSI), SPort: common.SPort}

	t.mu.Lock()
	source := t.source
	receiver := t.receiver
	t.mu.Unlock()

	switch common.Type {
	case wire.TypeSPM:
		if receiver == nil {
			atomic.AddUint64(&t.packetsDiscarded, 1)
			return
		}
		spm, n, err := wire.ParseSPMHeader(body)
		if err != nil {
			atomic.AddUint64(&t.malformedPackets, 1)
			return
		}
		receiver.IngestSPM(peerTSI, srcIP, spm, now)
		if common.HasOptions() && n <= len(body) {
			if chain, _, err := wire.ParseChain(body[n:]); err == nil {
				if opt, ok := chain.Find(wire.OptParityPRM); ok {
					if prm, err := wire.DecodeParityPRMOpt(opt.Data); err == nil {
						receiver.ApplyParityPRM(peerTSI, srcIP, prm, prm.TGS+uint32(t.cfg.FECParityH), now)
					}
				}
				if _, ok := chain.Find(wire.OptFin); ok {
					receiver.MarkSessionEnd(peerTSI)
				}
			}
		}

	case wire.TypeODATA, wire.TypeRDATA:
		if receiver == nil {
			atomic.AddUint64(&t.packetsDiscarded, 1)
			return
		}
		dh, err := wire.ParseDataHeader(body)
		if err != nil {
			atomic.AddUint64(&t.malformedPackets, 1)
			return
		}
		off := wire.DataHeaderLen
		var opts wire.Chain
		if common.HasOptions() {
			chain, n, err := wire.ParseChain(body[off:])
			if err != nil {
				atomic.AddUint64(&t.malformedPackets, 1)
				return
			}
			opts = chain
			off += n
		}
		payload := body[off:]
		skb := NewSKB(len(payload))
		copy(skb.Bytes(), payload)
		skb.Sqn = Sqn(dh.Sqn)
		skb.Type = common.Type
		skb.TSI = peerTSI
		if _, ok := opts.Find(wire.OptParity); ok {
			skb.Parity = true
		}
		if fo, ok := opts.Find(wire.OptFragment); ok {
			if skb.Parity {
				// A parity packet's fragment fields are an RS codeword,
				// not decodable integers; carried raw for reconstruction.
				skb.FragOptRaw = append([]byte(nil), fo.Data...)
			} else if frag, err := wire.DecodeFragmentOpt(fo.Data); err == nil {
				skb.FirstSqn = Sqn(frag.FirstSqn)
				skb.FragOff = frag.FragOff
				skb.FragLen = frag.FragLen
			}
		}
		if vo, ok := opts.Find(wire.OptVarPktLen); ok && skb.Parity {
			skb.VarLenOptRaw = append([]byte(nil), vo.Data...)
		}
		res := receiver.IngestData(peerTSI, srcIP, skb, Sqn(dh.Trail), now)
		switch res {
		case AddBounds, AddMalformed:
			atomic.AddUint64(&t.packetsDiscarded, 1)
		case AddMissing:
			// Gap detected; run the NAK ladder now rather than waiting
			// out the timer sleep.
			t.TimerTick(now)
		}
		t.wake()

	case wire.TypeNCF:
		if receiver == nil {
			atomic.AddUint64(&t.packetsDiscarded, 1)
			return
		}
		nh, n, err := wire.ParseNAKHeader(body)
		if err != nil {
			atomic.AddUint64(&t.malformedPackets, 1)
			return
		}
		var listed []Sqn
		if common.HasOptions() && n <= len(body) {
			if chain, _, err := wire.ParseChain(body[n:]); err == nil {
				if lo, ok := chain.Find(wire.OptNAKList); ok {
					if extra, err := wire.DecodeNAKListOpt(lo.Data); err == nil {
						for _, e := range extra {
							listed = append(listed, Sqn(e))
						}
					}
				}
			}
		}
		receiver.IngestNCF(peerTSI, Sqn(nh.Sqn), listed, now)

	case wire.TypeNAK, wire.TypeNNAK:
		if source == nil && receiver == nil {
			atomic.AddUint64(&t.packetsDiscarded, 1)
			return
		}
		nh, n, err := wire.ParseNAKHeader(body)
		if err != nil {
			atomic.AddUint64(&t.malformedPackets, 1)
			return
		}
		var extra []uint32
		isParity := false
		if common.HasOptions() && n <= len(body) {
			if chain, _, err := wire.ParseChain(body[n:]); err == nil {
				if lo, ok := chain.Find(wire.OptNAKList); ok {
					extra, _ = wire.DecodeNAKListOpt(lo.Data)
				}
				if _, ok := chain.Find(wire.OptParity); ok {
					isParity = true
				}
			}
		}
		// A NAK names its target session as GSI + destination port; a
		// receiver overhearing another receiver's multicast NAK treats
		// it as an NCF for those sqns (suppression), and a source acts
		// on it if it is the addressee.
		if receiver != nil && common.Type == wire.TypeNAK {
			sqns := make([]Sqn, 0, 1+len(extra))
			sqns = append(sqns, Sqn(nh.Sqn))
			for _, e := range extra {
				sqns = append(sqns, Sqn(e))
			}
			receiver.IngestPeerNAK(TSI{GSI: GSI(common.GSI), SPort: common.DPort}, sqns, now)
		}
		if source == nil {
			return
		}
		if !source.HandleNAKPacket(common, nh, extra, isParity) {
			atomic.AddUint64(&t.packetsDiscarded, 1)
		}

	case wire.TypeSPMR:
		if source == nil || common.DPort != t.tsi.SPort || GSI(common.GSI) != t.tsi.GSI {
			atomic.AddUint64(&t.packetsDiscarded, 1)
			return
		}
		// Heartbeat state is guarded by the transport lock (shared with
		// Send and TimerTick).
		t.mu.Lock()
		source.HandleSPMR(now)
		t.mu.Unlock()

	default:
		atomic.AddUint64(&t.packetsDiscarded, 1)
	}
}
