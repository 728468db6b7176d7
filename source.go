package pgm

import (
	"net"
	"time"

	"github.com/pgmproto/pgm/wire"
)

// heartbeatSteps is the default stepped heartbeat vector, widening
// from a tight initial interval up to the ambient SPM interval. Reset
// to step 0 on every data send; each SPM tick advances one step,
// clamped at the last entry. Grounded on kcp.go's ts_flush/interval
// "when do I next flush" computation, generalized from one fixed
// interval to a stepped vector
var heartbeatSteps = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	1 * time.Second,
}

// sendResumeState is the per-transport resumable send-call state,
// letting a WouldBlock/RateLimited send() resume without re-adding
// window entries on retry. pending is the fragment already pushed
// onto the transmit window but not yet past the rate gate; a retry
// re-frames it instead of pushing a second copy.
type sendResumeState struct {
	active        bool
	data          []byte
	firstSqn      Sqn
	fragIndex     uint32
	totalFrags    uint32
	pending       *SKB
	isRateLimited bool
}

// SourceEngine drives the send-side protocol: SPM/heartbeat emission,
// ODATA/RDATA framing and fragmentation, rate-gated transmission, and
// NAK ingestion into the TransmitWindow's retransmit queue.
type SourceEngine struct {
	tsi TSI
	txw *TransmitWindow

	maxTSDU      uint32
	ambientSPM   time.Duration
	heartbeats   []time.Duration
	heartbeatIdx int
	nextSPM      time.Time
	spmSqn       Sqn
	finSent      bool

	parityEnabled  bool
	parityTGSize   uint32
	parityOnDemand bool

	limiter RateLimiter
	sock    Sock

	resume sendResumeState

	// localNLA/groupNLA are this source's own advertised addresses,
	// checked against an inbound NAK's SrcNLA/GroupNLA before the NAK
	// is acted on. localNLA is left unset (skipping that half of the
	// check) when the caller has no local address to hand in.
	localNLA net.IP
	groupNLA net.IP
}

// SetNLA records the local and group NLAs this source advertises, for
// HandleNAKPacket's address verification.
func (s *SourceEngine) SetNLA(local, group net.IP) {
	s.localNLA = local
	s.groupNLA = group
}

// RateLimiter is the minimal interface SourceEngine needs from a
// pgmrate.Limiter (kept as an interface so the core stays testable
// without real token-bucket timing).
type RateLimiter interface {
	Check(bytes int, nonblocking bool) bool
}

// Sock is the minimal interface SourceEngine/ReceiverEngine need from
// a pgmsock.Socket collaborator.
type Sock interface {
	WriteTo(b []byte, dst NLATarget) (int, error)
}

// NLATarget abstracts the destination a packet is written to,
// letting pgmsock translate between PGM NLAs and net.Addr without the
// core importing net directly for this.
type NLATarget interface {
	NLABytes() []byte
}

// NewSourceEngine constructs a SourceEngine for tsi, writing through
// sock and gated by limiter.
func NewSourceEngine(tsi TSI, txw *TransmitWindow, maxTSDU uint32, ambientSPM time.Duration, limiter RateLimiter, sock Sock) *SourceEngine {
	s := &SourceEngine{
		tsi:        tsi,
		txw:        txw,
		maxTSDU:    maxTSDU,
		ambientSPM: ambientSPM,
		heartbeats: heartbeatSteps,
		limiter:    limiter,
		sock:       sock,
	}
	s.nextSPM = time.Now().Add(s.heartbeatInterval())
	return s
}

// SetHeartbeats replaces the default stepped heartbeat vector. The
// ambient SPM interval is appended as the final, clamped step.
func (s *SourceEngine) SetHeartbeats(ivls []time.Duration) {
	if len(ivls) == 0 {
		return
	}
	s.heartbeats = append(append([]time.Duration(nil), ivls...), s.ambientSPM)
}

func (s *SourceEngine) EnableParity(tgSize uint32, onDemand bool) {
	s.parityEnabled = true
	s.parityTGSize = tgSize
	s.parityOnDemand = onDemand
}

// heartbeatInterval returns the current step's interval, clamped to
// the last element.
func (s *SourceEngine) heartbeatInterval() time.Duration {
	i := s.heartbeatIdx
	if i >= len(s.heartbeats) {
		i = len(s.heartbeats) - 1
	}
	d := s.heartbeats[i]
	if s.ambientSPM > 0 && d > s.ambientSPM {
		d = s.ambientSPM
	}
	return d
}

// resetHeartbeat steps the schedule back to index 0 and reschedules
// the next SPM, called on every data send.
func (s *SourceEngine) resetHeartbeat(now time.Time) {
	s.heartbeatIdx = 0
	s.nextSPM = now.Add(s.heartbeatInterval())
}

// NextHeartbeat returns when the next SPM tick is due.
func (s *SourceEngine) NextHeartbeat() time.Time { return s.nextSPM }

// Tick emits an SPM if due and advances the heartbeat step, then pops
// and sends one deferred retransmit-queue entry if present. Returns
// the Status produced, mirroring kcp-go's Check()/flush() split.
func (s *SourceEngine) Tick(now time.Time) Status {
	if !now.Before(s.nextSPM) {
		s.emitSPM(now, false)
		s.heartbeatIdx++
		s.nextSPM = now.Add(s.heartbeatInterval())
	}

	if skb, err := s.txw.RetransmitTryPeek(); err != nil {
		// Unsatisfiable entry (evicted originals, parity offset out of
		// reach): drop it so it doesn't wedge the queue.
		s.txw.RetransmitDrop()
	} else if skb != nil {
		trail, _, _ := s.txw.TrailLead()
		framed := s.frameData(skb, wire.TypeRDATA, trail)
		if !s.limiter.Check(len(framed), true) {
			return StatusRateLimited
		}
		if _, werr := s.sock.WriteTo(framed, nil); werr == nil {
			s.txw.RetransmitRemoveHead()
		}
	}
	return StatusNormal
}

// emitSPM builds and writes a Source Path Message advertising the
// transmit window's current [trail, lead] as part of the ambient
// heartbeat. The SPM carries its own monotonically advancing sqn,
// independent of the data sqn space, so receivers can discard
// reordered stale SPMs. fin appends OPT_FIN, signalling session end.
func (s *SourceEngine) emitSPM(now time.Time, fin bool) {
	trail, lead, _ := s.txw.TrailLead()

	data := wire.SPMHeader{
		Sqn:     uint32(s.spmSqn),
		Trail:   uint32(trail),
		Lead:    uint32(lead),
		PathNLA: wire.NLAFromIP(s.localNLA),
	}

	common := wire.CommonHeader{
		SPort:      s.tsi.SPort,
		Type:       wire.TypeSPM,
		TSDULength: 0,
	}
	copy(common.GSI[:], s.tsi.GSI[:])

	var opts []wire.Option
	if s.parityEnabled {
		flags := wire.ParityPRMOnd
		if !s.parityOnDemand {
			flags = 0
		}
		prm := wire.ParityPRMOpt{TGS: s.parityTGSize, Flags: flags}
		opts = append(opts, wire.Option{Code: wire.OptParityPRM, Data: prm.Encode()})
	}
	if fin {
		opts = append(opts, wire.Option{Code: wire.OptFin, Data: nil})
	}

	body := data.Encode(nil)
	if len(opts) > 0 {
		common.Options |= wire.OptPresent
		body = wire.EncodeChain(body, opts)
	}

	if !s.limiter.Check(wire.CommonHeaderLen+len(body), true) {
		return
	}
	if _, err := s.sock.WriteTo(framePacket(common, body), nil); err == nil {
		s.spmSqn++
	}
}

// HandleSPMR answers an SPM request from a receiver that has not yet
// learned this source's path: emit an SPM immediately and restart the
// heartbeat ladder from its tightest step.
func (s *SourceEngine) HandleSPMR(now time.Time) {
	s.emitSPM(now, false)
	s.resetHeartbeat(now)
}

// EmitFIN sends the final SPM carrying OPT_FIN, at most once.
func (s *SourceEngine) EmitFIN(now time.Time) {
	if s.finSent {
		return
	}
	s.finSent = true
	s.emitSPM(now, true)
}

// frameData builds one full ODATA/RDATA wire packet around skb's raw
// TSDU payload: common header, the sqn/trail data header, an
// OPT_FRAGMENT element when skb carries fragment bookkeeping, an
// OPT_PARITY element when skb is a synthesized parity packet, and the
// payload itself, checksummed last via frameWithPayload. The transmit
// window stores only the bare payload (so Reed-Solomon shards never
// have to account for header bytes); every send path frames on the
// way out instead.
func (s *SourceEngine) frameData(skb *SKB, typ uint8, trail Sqn) []byte {
	common := wire.CommonHeader{
		SPort:      s.tsi.SPort,
		Type:       typ,
		TSDULength: uint16(skb.Len()),
	}
	copy(common.GSI[:], s.tsi.GSI[:])

	dh := wire.DataHeader{Sqn: uint32(skb.Sqn), Trail: uint32(trail)}
	body := make([]byte, wire.DataHeaderLen)
	dh.Encode(body)

	var opts []wire.Option
	if len(skb.FragOptRaw) == fecFragOptLen {
		opts = append(opts, wire.Option{Code: wire.OptFragment, Data: skb.FragOptRaw})
	} else if skb.FragLen > 0 {
		frag := wire.FragmentOpt{FirstSqn: uint32(skb.FirstSqn), FragOff: skb.FragOff, FragLen: skb.FragLen}
		opts = append(opts, wire.Option{Code: wire.OptFragment, Data: frag.Encode()})
	}
	if skb.Parity {
		opts = append(opts, wire.Option{Code: wire.OptParity, Data: wire.ParityOpt{OnDemand: true}.Encode()})
	}
	if skb.VarLenOptRaw != nil {
		opts = append(opts, wire.Option{Code: wire.OptVarPktLen, Data: skb.VarLenOptRaw})
	}
	if len(opts) > 0 {
		common.Options |= wire.OptPresent
		body = wire.EncodeChain(body, opts)
	}
	return frameWithPayload(common, body, skb)
}

// SendAPDU frames data as one or more ODATA fragments and pushes them
// onto the transmit window, honoring rate limiting and resumable
// partial sends. Returns StatusNormal on full completion,
// StatusRateLimited/StatusWouldBlock when the caller should retry
// with the same data slice.
func (s *SourceEngine) SendAPDU(data []byte, nonblocking bool) Status {
	if !s.resume.active {
		s.resume = sendResumeState{active: true, data: data}
		s.resume.totalFrags = 1
		if uint32(len(data)) > s.maxTSDU {
			s.resume.totalFrags = (uint32(len(data)) + s.maxTSDU - 1) / s.maxTSDU
		}
	}

	for s.resume.fragIndex < s.resume.totalFrags {
		skb := s.resume.pending
		if skb == nil {
			off := s.resume.fragIndex * s.maxTSDU
			end := off + s.maxTSDU
			if end > uint32(len(data)) {
				end = uint32(len(data))
			}
			chunk := data[off:end]

			skb = NewSKB(len(chunk))
			copy(skb.Bytes(), chunk)
			skb.Type = wire.TypeODATA
			skb.TSI = s.tsi
			if s.resume.totalFrags > 1 {
				if s.resume.fragIndex == 0 {
					s.resume.firstSqn = s.txw.NextSqn()
				}
				skb.FirstSqn = s.resume.firstSqn
				skb.FragOff = off
				skb.FragLen = uint32(len(data))
			}

			s.txw.Push(skb)
			s.resume.pending = skb
		}

		if status := s.transmitData(skb, nonblocking); status != StatusNormal {
			return status
		}
		s.resume.pending = nil
		s.resume.fragIndex++
		s.resetHeartbeat(time.Now())
	}

	s.resume = sendResumeState{}
	return StatusNormal
}

// transmitData frames skb as ODATA and writes it through the rate
// gate. The window entry already exists; a RateLimited return leaves
// it in place so the retry re-frames instead of re-pushing.
func (s *SourceEngine) transmitData(skb *SKB, nonblocking bool) Status {
	trail, _, _ := s.txw.TrailLead()
	framed := s.frameData(skb, wire.TypeODATA, trail)

	if !s.limiter.Check(len(framed), nonblocking) {
		s.resume.isRateLimited = true
		return StatusRateLimited
	}
	s.resume.isRateLimited = false

	if _, err := s.sock.WriteTo(framed, nil); err != nil {
		return StatusError
	}
	return StatusNormal
}

// SendSKBs is the zero-copy send path: each SKB's payload is already
// in a transmit-window-ownable buffer, so the engine pushes it as-is.
// With oneAPDU set, the SKBs are fragments of one logical APDU and
// get OPT_FRAGMENT bookkeeping across the set; otherwise each SKB is
// its own APDU.
func (s *SourceEngine) SendSKBs(skbs []*SKB, oneAPDU bool, nonblocking bool) Status {
	if len(skbs) == 0 {
		return StatusNormal
	}

	if oneAPDU && len(skbs) > 1 {
		total := uint32(0)
		for _, skb := range skbs {
			total += uint32(skb.Len())
		}
		firstSqn := s.txw.NextSqn()
		off := uint32(0)
		for _, skb := range skbs {
			skb.FirstSqn = firstSqn
			skb.FragOff = off
			skb.FragLen = total
			off += uint32(skb.Len())
		}
	}

	for _, skb := range skbs {
		skb.Type = wire.TypeODATA
		skb.TSI = s.tsi
		s.txw.Push(skb)
		if status := s.transmitData(skb, nonblocking); status != StatusNormal {
			return status
		}
		s.resetHeartbeat(time.Now())
	}
	return StatusNormal
}

// IngestNAK handles a validated NAK: it enqueues each requested sqn
// for retransmission. The caller (ReceiverEngine's peer-facing path
// actually terminates at the receiver; a source replies to NAKs
// addressed to it) is responsible for the TSI/source-NLA/group-NLA
// verification before calling this.
func (s *SourceEngine) IngestNAK(sqns []Sqn, isParity bool) {
	for _, sqn := range sqns {
		s.txw.RetransmitPush(sqn, isParity && s.parityOnDemand)
	}
}

// HandleNAKPacket is the source-side entry point for an inbound NAK
// parsed off the wire: it verifies the packet's TSI, source NLA, and
// group NLA all match this source's own identity, immediately answers
// with a matching NCF (so every receiver waiting on the same sqns
// stops its own NAK timer), and only then enqueues each sqn for
// retransmission. A NAK addressed to some other source, or claiming
// the wrong group, is silently dropped rather than acted on. Parity
// NAKs are accepted only with on-demand parity enabled.
func (s *SourceEngine) HandleNAKPacket(common wire.CommonHeader, nak wire.NAKHeader, extra []uint32, isParity bool) bool {
	if common.GSI != [6]byte(s.tsi.GSI) || common.DPort != s.tsi.SPort {
		return false
	}
	if s.localNLA != nil && !nak.SrcNLA.IP.Equal(s.localNLA) {
		return false
	}
	if s.groupNLA != nil && !nak.GroupNLA.IP.Equal(s.groupNLA) {
		return false
	}
	if isParity && !(s.parityEnabled && s.parityOnDemand) {
		return false
	}

	s.sendNCF(nak, extra, isParity)

	sqns := make([]Sqn, 0, 1+len(extra))
	sqns = append(sqns, Sqn(nak.Sqn))
	for _, e := range extra {
		sqns = append(sqns, Sqn(e))
	}
	s.IngestNAK(sqns, isParity)
	return true
}

// sendNCF confirms a just-accepted NAK: same sqn, same NLAs, same
// OPT_NAK_LIST, multicast back to the group so other receivers'
// pending NAKs for these sqns are suppressed.
func (s *SourceEngine) sendNCF(nak wire.NAKHeader, extra []uint32, isParity bool) {
	common := wire.CommonHeader{
		SPort: s.tsi.SPort,
		Type:  wire.TypeNCF,
	}
	copy(common.GSI[:], s.tsi.GSI[:])

	body := nak.Encode(nil)
	var opts []wire.Option
	if len(extra) > 0 {
		opts = append(opts, wire.Option{Code: wire.OptNAKList, Data: wire.EncodeNAKListOpt(extra)})
	}
	if isParity {
		opts = append(opts, wire.Option{Code: wire.OptParity, Data: wire.ParityOpt{OnDemand: true}.Encode()})
	}
	if len(opts) > 0 {
		common.Options |= wire.OptPresent
		body = wire.EncodeChain(body, opts)
	}
	s.sock.WriteTo(framePacket(common, body), nil)
}
