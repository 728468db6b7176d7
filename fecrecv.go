package pgm

import (
	"time"

	"github.com/golang/glog"
	"github.com/pgmproto/pgm/wire"
)

// ingestParity buffers an inbound parity RDATA against its
// transmission group and, once enough shards are on hand (received
// originals plus buffered parity >= k), reconstructs the group's
// missing originals and inserts them into the receive window as if
// they had arrived as RDATA themselves. Returns the number of
// originals recovered.
//
// Reed-Solomon parity is byte-position independent, so the three
// codeword regions the source encodes together (padded payload,
// 2-byte true-length trailer, 12-byte fragment fields) are
// reconstructed as separate shard sets: the trailer region exists on
// the wire only when the group had variable-length originals
// (OPT_VAR_PKTLEN), the fragment region only when one of them was
// fragmented.
func (p *Peer) ingestParity(skb *SKB, now time.Time, rbExpiry time.Time) int {
	p.mu.Lock()
	k := p.rsK
	n := p.rsN
	p.mu.Unlock()
	if k <= 1 || n <= k {
		return 0
	}

	mask := Sqn(k - 1)
	tg := skb.Sqn &^ mask
	h := uint32(skb.Sqn & mask)
	if h >= n-k {
		return 0
	}

	p.mu.Lock()
	if p.parityBuf == nil {
		p.parityBuf = make(map[Sqn]map[uint32]*SKB)
	}
	buf := p.parityBuf[tg]
	if buf == nil {
		buf = make(map[uint32]*SKB)
		p.parityBuf[tg] = buf
	}
	buf[h] = skb
	p.mu.Unlock()

	return p.tryReconstructTG(tg, now, rbExpiry)
}

// tryReconstructTG attempts the actual Reed-Solomon recovery for one
// transmission group, inserting every recovered original into the
// receive window.
func (p *Peer) tryReconstructTG(tg Sqn, now time.Time, rbExpiry time.Time) int {
	p.mu.Lock()
	k := p.rsK
	n := p.rsN
	buf := p.parityBuf[tg]
	p.mu.Unlock()
	if len(buf) == 0 {
		return 0
	}

	infos := p.rxw.snapshotTG(tg, k)
	missing := 0
	for _, info := range infos {
		if info.payload == nil {
			missing++
		}
	}
	if missing == 0 {
		p.mu.Lock()
		delete(p.parityBuf, tg)
		p.mu.Unlock()
		return 0
	}
	received := int(k) - missing
	if received+len(buf) < int(k) {
		return 0
	}

	codec, err := p.codec()
	if err != nil {
		glog.Warningf("pgm: peer %s: %v", p.TSI, err)
		return 0
	}

	// Every parity packet in one group shares the group's geometry;
	// read it off any one of them.
	var sample *SKB
	for _, ps := range buf {
		sample = ps
		break
	}
	maxLen := sample.Len()
	varLength := sample.VarLenOptRaw != nil
	haveFrag := sample.FragOptRaw != nil

	payloadShards := make([][]byte, n)
	var trailerShards, fragShards [][]byte
	if varLength {
		trailerShards = make([][]byte, n)
	}
	if haveFrag {
		fragShards = make([][]byte, n)
	}

	for i := uint32(0); i < k; i++ {
		info := infos[i]
		if info.payload == nil {
			continue
		}
		if len(info.payload) > maxLen {
			return 0 // geometry mismatch, sender bug or corruption
		}
		padded := make([]byte, maxLen)
		copy(padded, info.payload)
		payloadShards[i] = padded
		if varLength {
			trailerShards[i] = wire.EncodeVarPktLenOpt(uint16(len(info.payload)))
		}
		if haveFrag {
			frag := wire.FragmentOpt{FirstSqn: uint32(info.fragFirstSqn), FragOff: info.fragOff, FragLen: info.fragLen}
			if info.hasFrag {
				fragShards[i] = frag.Encode()
			} else {
				fragShards[i] = make([]byte, fecFragOptLen)
			}
		}
	}
	for h, ps := range buf {
		idx := k + h
		payloadShards[idx] = append([]byte(nil), ps.Bytes()...)
		if varLength {
			trailerShards[idx] = append([]byte(nil), ps.VarLenOptRaw...)
		}
		if haveFrag {
			fragShards[idx] = append([]byte(nil), ps.FragOptRaw...)
		}
	}

	if err := codec.reconstruct(payloadShards); err != nil {
		glog.Warningf("pgm: peer %s: payload reconstruct for tg %d: %v", p.TSI, uint32(tg), err)
		return 0
	}
	if varLength {
		if err := codec.reconstruct(trailerShards); err != nil {
			glog.Warningf("pgm: peer %s: trailer reconstruct for tg %d: %v", p.TSI, uint32(tg), err)
			return 0
		}
	}
	if haveFrag {
		if err := codec.reconstruct(fragShards); err != nil {
			glog.Warningf("pgm: peer %s: fragment reconstruct for tg %d: %v", p.TSI, uint32(tg), err)
			return 0
		}
	}

	recovered := 0
	for i := uint32(0); i < k; i++ {
		if infos[i].payload != nil {
			continue
		}
		origLen := maxLen
		if varLength {
			if l, err := wire.DecodeVarPktLenOpt(trailerShards[i]); err == nil && int(l) <= maxLen {
				origLen = int(l)
			}
		}
		rebuilt := NewSKB(origLen)
		copy(rebuilt.Bytes(), payloadShards[i][:origLen])
		rebuilt.Sqn = tg + Sqn(i)
		rebuilt.Type = wire.TypeRDATA
		rebuilt.TSI = p.TSI
		if haveFrag {
			if frag, err := wire.DecodeFragmentOpt(fragShards[i]); err == nil && frag.FragLen > 0 {
				rebuilt.FirstSqn = Sqn(frag.FirstSqn)
				rebuilt.FragOff = frag.FragOff
				rebuilt.FragLen = frag.FragLen
			}
		}
		switch p.rxw.Add(rebuilt, now, rbExpiry) {
		case AddAppended, AddInserted, AddMissing:
			recovered++
		}
	}

	p.mu.Lock()
	delete(p.parityBuf, tg)
	p.mu.Unlock()
	return recovered
}

// codec lazily builds the peer's Reed-Solomon codec from its
// advertised rsK/rsN, rebuilding if an SPM re-advertised different
// geometry.
func (p *Peer) codec() (*fecCodec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fec != nil && p.fec.k == int(p.rsK) && p.fec.maxParity == int(p.rsN-p.rsK) {
		return p.fec, nil
	}
	codec, err := newFECCodec(int(p.rsK), int(p.rsN-p.rsK))
	if err != nil {
		return nil, err
	}
	p.fec = codec
	return codec, nil
}

// pruneParity drops buffered parity for transmission groups that have
// fallen behind the sender's advertised trail: their originals can no
// longer be requested, so the parity is useless.
func (p *Peer) pruneParity(trail Sqn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tg := range p.parityBuf {
		if tg.Before(trail) {
			delete(p.parityBuf, tg)
		}
	}
}
