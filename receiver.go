package pgm

import (
	"net"
	"time"

	"github.com/pgmproto/pgm/wire"
)

// ReceiverEngine ingests inbound SPM/ODATA/RDATA/NCF packets for every
// known peer of a Transport and drives each peer's NAK ladder. The
// per-TSI peer table generalizes kcp-go's Listener.sessions
// map[string]*UDPSession (sess.go) from one entry per UDP 4-tuple to
// one entry per TSI.
type ReceiverEngine struct {
	tsi TSI // the local transport's own TSI; its SPort is the source port of outbound NAKs and SPMRs

	peers *peerTable
	cfg   rxwConfig

	peerExpiryIvl  time.Duration
	spmrIvl        time.Duration
	nakRBIvl       time.Duration
	nakRPTIvl      time.Duration
	nakDataIvl     time.Duration
	selectiveNAKsSuppressed uint64

	sock    Sock
	limiter RateLimiter

	// groupNLA is the multicast group this receiver joined, carried as
	// the GroupNLA in every outbound NAK this engine builds.
	groupNLA net.IP

	onLostEpisode func(TSI)
}

// NewReceiverEngine constructs a ReceiverEngine sharing cfg's NAK
// ladder parameters across every peer's ReceiveWindow. groupNLA is the
// multicast group address this side joined, embedded in every NAK
// this engine sends so a source can verify it against its own.
func NewReceiverEngine(tsi TSI, cfg rxwConfig, peerExpiry time.Duration, sock Sock, limiter RateLimiter, groupNLA net.IP) *ReceiverEngine {
	return &ReceiverEngine{
		tsi:           tsi,
		peers:         newPeerTable(),
		cfg:           cfg,
		peerExpiryIvl: peerExpiry,
		nakRBIvl:      cfg.nakRBIvl,
		nakRPTIvl:     cfg.nakRPTIvl,
		nakDataIvl:    cfg.nakDataIvl,
		sock:          sock,
		limiter:       limiter,
		groupNLA:      groupNLA,
	}
}

// SetSPMRExpiry sets how long a peer created from data alone waits
// for a spontaneous SPM before this receiver requests one with SPMR.
func (r *ReceiverEngine) SetSPMRExpiry(d time.Duration) { r.spmrIvl = d }

// IngestSPM applies an inbound SPM: updates the peer's learned
// source NLA, advances its window trail/lead, and bumps its expiry.
// An SPM whose sqn does not advance past the last one seen is a
// reordered stale path advertisement and is discarded whole.
func (r *ReceiverEngine) IngestSPM(srcTSI TSI, nla net.IP, h wire.SPMHeader, now time.Time) {
	p := r.getOrCreatePeer(srcTSI, nla, now)
	p.mu.Lock()
	if p.spmHave && !Sqn(h.Sqn).After(p.spmSqn) {
		p.mu.Unlock()
		return
	}
	if pathIP := h.PathNLA.IP; pathIP != nil && !pathIP.IsUnspecified() {
		p.NLA = pathIP
	} else if nla != nil {
		p.NLA = nla
	}
	p.spmSqn = Sqn(h.Sqn)
	p.spmHave = true
	p.lastSPM = now
	p.mu.Unlock()

	rbExpiry := now.Add(r.randomOrFixedRBIvl())
	p.rxw.Update(Sqn(h.Trail), Sqn(h.Lead), now, rbExpiry)
	p.pruneParity(Sqn(h.Trail))
}

// getOrCreatePeer wraps peerTable.getOrCreate, arming the SPMR timer
// on a peer whose first sign of life was not an SPM.
func (r *ReceiverEngine) getOrCreatePeer(srcTSI TSI, nla net.IP, now time.Time) *Peer {
	p, created := r.peers.getOrCreate(srcTSI, nla, r.cfg)
	if created && r.spmrIvl > 0 {
		p.mu.Lock()
		p.spmrExpiry = now.Add(r.spmrIvl)
		p.mu.Unlock()
	}
	return p
}

// randomOrFixedRBIvl exists only so IngestSPM's call reads naturally;
// the actual per-slot randomization happens inside ReceiveWindow.
func (r *ReceiverEngine) randomOrFixedRBIvl() time.Duration { return r.nakRBIvl }

// IngestData applies an inbound ODATA/RDATA packet, returning the
// AddResult so the caller can decide whether to arm an immediate NAK
// timer wake-up (Missing). txwTrail is the data header's advertised
// trail, which advances the window the same way an SPM's trail does.
// Parity RDATA never occupies a window slot of its own; it feeds the
// transmission group's reconstruction instead.
func (r *ReceiverEngine) IngestData(srcTSI TSI, nla net.IP, skb *SKB, txwTrail Sqn, now time.Time) AddResult {
	p := r.getOrCreatePeer(srcTSI, nla, now)
	p.mu.Lock()
	p.lastData = now
	p.mu.Unlock()
	rbExpiry := now.Add(r.nakRBIvl)

	if skb.Parity {
		if p.ingestParity(skb, now, rbExpiry) > 0 {
			return AddInserted
		}
		return AddDuplicate
	}

	res := p.rxw.Add(skb, now, rbExpiry)
	if res == AddBounds || res == AddMalformed {
		return res
	}
	p.rxw.UpdateTrail(txwTrail, now)
	return res
}

// IngestNCF applies an inbound NCF to the lead sqn and every sqn
// listed in an accompanying OPT_NAK_LIST.
func (r *ReceiverEngine) IngestNCF(srcTSI TSI, leadSqn Sqn, listed []Sqn, now time.Time) {
	p, ok := r.peers.get(srcTSI)
	if !ok {
		return
	}
	rdataExpiry := now.Add(r.nakDataIvl)
	rbExpiry := now.Add(r.nakRBIvl)
	p.rxw.Confirm(leadSqn, rdataExpiry, rbExpiry)
	for _, sqn := range listed {
		p.rxw.Confirm(sqn, rdataExpiry, rbExpiry)
	}
}

// IngestPeerNAK treats a multicast NAK overheard from another
// receiver as an NCF for suppression purposes.
func (r *ReceiverEngine) IngestPeerNAK(srcTSI TSI, sqns []Sqn, now time.Time) {
	p, ok := r.peers.get(srcTSI)
	if !ok {
		return
	}
	rdataExpiry := now.Add(r.nakDataIvl)
	rbExpiry := now.Add(r.nakRBIvl)
	for _, sqn := range sqns {
		if p.rxw.Confirm(sqn, rdataExpiry, rbExpiry) == ConfirmUpdated {
			r.selectiveNAKsSuppressed++
		}
	}
}

// ApplyParityPRM records an inbound OPT_PARITY_PRM's transmission
// group size and proactive/on-demand flags against srcTSI's peer
// (creating it if this is the first packet heard from that source),
// combined with rsN (this receiver's own configured parity-shard
// count, not itself carried on the wire) so later NAK-ladder passes
// for that peer can prefer a parity NAK over one selective NAK per
// missing sqn once its on-demand flag is set.
func (r *ReceiverEngine) ApplyParityPRM(srcTSI TSI, nla net.IP, prm wire.ParityPRMOpt, rsN uint32, now time.Time) {
	p := r.getOrCreatePeer(srcTSI, nla, now)
	p.ApplyParityPRM(prm.TGS, prm.Flags&wire.ParityPRMOnd != 0, rsN)
}

// maxNAKListLen is OPT_NAK_LIST's capacity: one sqn inline plus up to
// MaxNAKListExtra additional entries.
const maxNAKListLen = 1 + wire.MaxNAKListExtra

// RunNAKLadder walks every peer's three NAK-ladder stages, sending
// selective NAKs (bare or list-batched per maxNAKListLen) for slots
// that just entered WaitNcf.
func (r *ReceiverEngine) RunNAKLadder(now time.Time) {
	r.peers.each(func(p *Peer) {
		r.maybeSendSPMR(p, now)

		p.mu.Lock()
		havePeerNLA := p.NLA != nil
		p.mu.Unlock()
		toNak := p.rxw.NakRBState(now, havePeerNLA)
		p.rxw.NakRPTState(now)
		p.rxw.NakRDataState(now)

		var selective []Sqn
		for _, req := range toNak {
			if req.IsParity {
				r.sendNAK(p, []Sqn{req.Sqn}, true)
				continue
			}
			selective = append(selective, req.Sqn)
		}
		for len(selective) > 0 {
			batch := selective
			if len(batch) > maxNAKListLen {
				batch = batch[:maxNAKListLen]
			}
			r.sendNAK(p, batch, false)
			selective = selective[len(batch):]
		}

		// Only consume the loss latch here when a callback wants it;
		// otherwise leave it for the recv path to surface as Reset.
		if r.onLostEpisode != nil && p.rxw.TakeLostEvent() {
			r.onLostEpisode(p.TSI)
		}
	})
}

// sendNAK builds and writes one fully framed NAK (or parity NAK, when
// isParity) packet: common header addressed to the source's TSI,
// NAKHeader carrying the peer's real learned NLA as SrcNLA and this
// receiver's joined group as GroupNLA, OPT_NAK_LIST for a batch of
// more than one sqn, and OPT_PARITY when the batch is a TG-level
// parity request — checksummed last via framePacket. A peer whose NLA
// hasn't been learned yet (no SPM seen) has nowhere to address the NAK
// at the source-NLA level, so sending is skipped until one arrives.
func (r *ReceiverEngine) sendNAK(p *Peer, sqns []Sqn, isParity bool) {
	if r.sock == nil || len(sqns) == 0 {
		return
	}
	p.mu.Lock()
	peerNLA := p.NLA
	p.mu.Unlock()
	if peerNLA == nil {
		return
	}

	common := wire.CommonHeader{
		SPort: r.tsi.SPort,
		DPort: p.TSI.SPort,
		Type:  wire.TypeNAK,
	}
	copy(common.GSI[:], p.TSI.GSI[:])

	nh := wire.NAKHeader{
		Sqn:      uint32(sqns[0]),
		SrcNLA:   wire.NLAFromIP(peerNLA),
		GroupNLA: wire.NLAFromIP(r.groupNLA),
	}
	body := nh.Encode(nil)

	var opts []wire.Option
	if len(sqns) > 1 {
		rest := make([]uint32, 0, len(sqns)-1)
		for _, s := range sqns[1:] {
			rest = append(rest, uint32(s))
		}
		opts = append(opts, wire.Option{Code: wire.OptNAKList, Data: wire.EncodeNAKListOpt(rest)})
	}
	if isParity {
		opts = append(opts, wire.Option{Code: wire.OptParity, Data: wire.ParityOpt{OnDemand: true}.Encode()})
	}
	if len(opts) > 0 {
		common.Options |= wire.OptPresent
		body = wire.EncodeChain(body, opts)
	}
	r.sock.WriteTo(framePacket(common, body), nil)
}

// maybeSendSPMR requests an SPM from a peer that has been heard from
// (data arrived, a window exists) but has never advertised its source
// path, once its SPMR timer fires. Sent at most once per peer; the
// arriving SPM clears spmHave's absence and the NAK ladder can start
// addressing NAKs.
func (r *ReceiverEngine) maybeSendSPMR(p *Peer, now time.Time) {
	p.mu.Lock()
	due := !p.spmHave && !p.spmrSent && !p.spmrExpiry.IsZero() && !now.Before(p.spmrExpiry)
	if due {
		p.spmrSent = true
	}
	p.mu.Unlock()
	if !due || r.sock == nil {
		return
	}

	common := wire.CommonHeader{
		SPort: r.tsi.SPort,
		DPort: p.TSI.SPort,
		Type:  wire.TypeSPMR,
	}
	copy(common.GSI[:], p.TSI.GSI[:])
	r.sock.WriteTo(framePacket(common, nil), nil)
}

// MarkSessionEnd records an OPT_FIN from srcTSI: the peer is dropped
// on the next expiry sweep once the reader has drained its data.
func (r *ReceiverEngine) MarkSessionEnd(srcTSI TSI) {
	p, ok := r.peers.get(srcTSI)
	if !ok {
		return
	}
	p.mu.Lock()
	p.finSeen = true
	p.mu.Unlock()
}

// Stats aggregates every peer's window counters.
func (r *ReceiverEngine) Stats() (peerCount int, losses uint64, fragments uint64) {
	r.peers.each(func(p *Peer) {
		peerCount++
		st := p.rxw.Stats()
		losses += st.CumulativeLosses
		fragments += st.FragmentCount
	})
	return
}

// ExpirePeers drops peers whose expiry has elapsed with nothing
// committed since their last SPM/data.
func (r *ReceiverEngine) ExpirePeers(now time.Time) []TSI {
	return r.peers.expire(now, r.peerExpiryIvl)
}

// NextExpiry returns the earliest nak-ladder, SPMR or peer-expiry
// deadline across every known peer. A peer-expiry deadline already
// passed (the peer kept alive by undelivered data) is not returned.
func (r *ReceiverEngine) NextExpiry(now time.Time) (time.Time, bool) {
	var best time.Time
	have := false
	r.peers.each(func(p *Peer) {
		consider := func(t time.Time) {
			if !have || t.Before(best) {
				best = t
				have = true
			}
		}
		if t, ok := p.rxw.NextExpiry(); ok {
			consider(t)
		}
		p.mu.Lock()
		if !p.spmHave && !p.spmrSent && !p.spmrExpiry.IsZero() {
			consider(p.spmrExpiry)
		}
		last := p.lastData
		if p.lastSPM.After(last) {
			last = p.lastSPM
		}
		if r.peerExpiryIvl > 0 && !last.IsZero() {
			if exp := last.Add(r.peerExpiryIvl); exp.After(now) {
				consider(exp)
			}
		}
		p.mu.Unlock()
	})
	return best, have
}
