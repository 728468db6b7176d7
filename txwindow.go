package pgm

import (
	"sync"

	"github.com/pgmproto/pgm/wire"
)

// txSlot holds one outstanding transmit-window entry plus its
// retransmit-queue bookkeeping. Mirrors kcp-go's Segment fields
// (xmit/resendts) narrowed to PGM's explicit on-demand-NAK model: a
// slot doesn't get retransmitted on a timer, only when retransmitPush
// is called by NAK ingestion or parity scheduling.
type txSlot struct {
	skb *SKB

	waitingRetransmit bool
	isParity          bool
	tgSqn             Sqn
	pktCntRequested   uint32
	pktCntSent        uint32

	// zeroPadded/paddedShard cache the variable-length-TG shard built
	// by padOriginalForFEC, so a slot requested by more than one
	// parity synthesis only pays the zero-pad/trailer/fragment-encode
	// cost once.
	zeroPadded  bool
	paddedShard []byte

	rqNext, rqPrev *txSlot
}

// TransmitWindow is the source-side circular buffer of outgoing
// packets, indexed by sqn mod capacity, with an attached retransmit
// queue threaded through txSlot (not separate node allocations),
// generalizing kcp-go's snd_buf/snd_queue split (kcp.go flush()) from
// "retransmit everything past an RTO timer" to PGM's "retransmit only
// what was explicitly NAK'd or is needed for parity".
type TransmitWindow struct {
	mu sync.Mutex

	capacity uint32
	slots    []*txSlot

	trail Sqn
	lead  Sqn
	have  bool // false until the first push

	rqHead, rqTail *txSlot // head = most recently linked, tail = oldest

	tgSize uint32 // k original packets per transmission group; 0 disables FEC grouping
	fec    *fecCodec
}

// NewTransmitWindow constructs a TransmitWindow with room for
// capacity outstanding packets.
func NewTransmitWindow(capacity uint32, tgSize uint32, fec *fecCodec) *TransmitWindow {
	return &TransmitWindow{
		capacity: capacity,
		slots:    make([]*txSlot, capacity),
		tgSize:   tgSize,
		fec:      fec,
	}
}

func (w *TransmitWindow) idx(sqn Sqn) uint32 { return uint32(sqn) % w.capacity }

// Push assigns the next sqn to skb, evicting the current trail slot
// if the window is full (the "dropping a still-unacknowledged tail
// slot is the documented advancement policy" rule).
func (w *TransmitWindow) Push(skb *SKB) Sqn {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.have {
		w.trail = 0
		w.lead = 0
		w.have = true
	} else {
		w.lead++
	}
	sqn := w.lead
	skb.Sqn = sqn

	i := w.idx(sqn)
	if old := w.slots[i]; old != nil {
		if old.waitingRetransmit {
			w.unlink(old)
		}
		old.skb.PutRef()
		if old.skb.Sqn == w.trail {
			w.trail++
		}
	}
	w.slots[i] = &txSlot{skb: skb}
	if w.lead-w.trail+1 > Sqn(w.capacity) {
		w.trail = w.lead - Sqn(w.capacity) + 1
	}
	return sqn
}

// NextSqn returns the sqn the next Push will assign.
func (w *TransmitWindow) NextSqn() Sqn {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.have {
		return 0
	}
	return w.lead + 1
}

// TrailLead returns the window's current trail/lead sqns and whether
// any data has been pushed yet, for SPM emission.
func (w *TransmitWindow) TrailLead() (trail, lead Sqn, have bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trail, w.lead, w.have
}

// Peek returns the SKB stored for sqn, if sqn is currently within
// [trail, lead].
func (w *TransmitWindow) Peek(sqn Sqn) (*SKB, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.have || sqn.Before(w.trail) || sqn.After(w.lead) {
		return nil, false
	}
	s := w.slots[w.idx(sqn)]
	if s == nil || s.skb.Sqn != sqn {
		return nil, false
	}
	return s.skb, true
}

// RetransmitPush enqueues a retransmit request for sqn. When
// isParity is true, sqn is treated as a TG-relative parity request:
// the TG lead sqn is derived by masking off the low bits selected by
// tgSize-1 (log2(tgSize) bits for a power-of-two tgSize) and
// the requested parity count is the masked-off remainder.
func (w *TransmitWindow) RetransmitPush(sqn Sqn, isParity bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if isParity && w.tgSize > 0 {
		mask := Sqn(w.tgSize - 1)
		tgSqn := sqn &^ mask
		requested := uint32(sqn & mask)
		s := w.slots[w.idx(tgSqn)]
		if s == nil || s.skb.Sqn != tgSqn {
			return
		}
		if s.waitingRetransmit {
			if requested > s.pktCntRequested {
				s.pktCntRequested = requested
			}
			return
		}
		s.isParity = true
		s.tgSqn = tgSqn
		s.pktCntRequested = requested
		s.waitingRetransmit = true
		w.linkHead(s)
		return
	}

	s := w.slots[w.idx(sqn)]
	if s == nil || s.skb.Sqn != sqn || s.waitingRetransmit {
		return
	}
	s.waitingRetransmit = true
	w.linkHead(s)
}

// RetransmitTryPeek returns the oldest entry of the retransmit queue
// without removing it, synthesizing a parity SKB on demand when that
// entry is a parity request.
func (w *TransmitWindow) RetransmitTryPeek() (*SKB, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rqTail == nil {
		return nil, nil
	}
	s := w.rqTail
	if !s.isParity {
		return s.skb, nil
	}
	if w.fec == nil {
		return nil, newKindError(KindProtocol, "pgm: parity requested but FEC disabled")
	}
	h := s.pktCntSent
	return w.synthesizeParity(s, h)
}

// RetransmitRemoveHead pops the front of the retransmit queue for a
// selective request, or advances pktCntSent and pops only once every
// requested parity packet has been sent.
func (w *TransmitWindow) RetransmitRemoveHead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.rqTail
	if s == nil {
		return
	}
	if s.isParity {
		s.pktCntSent++
		if s.pktCntSent < s.pktCntRequested {
			return
		}
	}
	w.unlink(s)
}

// RetransmitDrop unconditionally unlinks the oldest retransmit-queue
// entry, used when its request can never be satisfied (e.g. a parity
// offset past the codec's reach).
func (w *TransmitWindow) RetransmitDrop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rqTail != nil {
		w.unlink(w.rqTail)
	}
}

// linkHead links s at the head of the retransmit queue (rqHead is
// most-recently-added; rqTail, the oldest, is where peek/pop act).
func (w *TransmitWindow) linkHead(s *txSlot) {
	s.rqPrev = nil
	s.rqNext = w.rqHead
	if w.rqHead != nil {
		w.rqHead.rqPrev = s
	}
	w.rqHead = s
	if w.rqTail == nil {
		w.rqTail = s
	}
}

func (w *TransmitWindow) unlink(s *txSlot) {
	if s.rqPrev != nil {
		s.rqPrev.rqNext = s.rqNext
	} else {
		w.rqHead = s.rqNext
	}
	if s.rqNext != nil {
		s.rqNext.rqPrev = s.rqPrev
	} else {
		w.rqTail = s.rqPrev
	}
	s.rqNext, s.rqPrev = nil, nil
	s.waitingRetransmit = false
	s.isParity = false
	s.pktCntRequested = 0
	s.pktCntSent = 0
}

// fecFragOptLen is the encoded size of a wire.FragmentOpt (FirstSqn,
// FragOff, FragLen, each uint32), appended to every FEC shard so a
// fragmented original's OPT_FRAGMENT survives Reed-Solomon
// reconstruction along with its payload.
const fecFragOptLen = 12

// fecTrailerLen is the 2-byte OPT_VAR_PKTLEN-coded original-length
// trailer appended after a shard's zero-padded payload.
const fecTrailerLen = 2

// padOriginalForFEC returns sl's FEC shard: its payload zero-padded up
// to maxLen, followed by a 2-byte trailer recording the true
// (pre-padding) length and, in the last 12 bytes, the original's
// OPT_FRAGMENT fields (zero-filled when sl wasn't fragmented) — so one
// Reed-Solomon pass covers padding, length, and fragmentation
// together, matching the variable-length transmission group handling
// a source would otherwise apply packet by packet. The result is
// cached on the slot: padding the same original twice for two
// different parity requests would be wasted work, not a correctness
// concern, so zeroPadded gates recomputation rather than re-sending.
func (w *TransmitWindow) padOriginalForFEC(sl *txSlot, maxLen int) []byte {
	want := maxLen + fecTrailerLen + fecFragOptLen
	if sl.zeroPadded && len(sl.paddedShard) == want {
		return sl.paddedShard
	}

	orig := sl.skb.Bytes()
	shard := make([]byte, want)
	copy(shard, orig)
	copy(shard[maxLen:maxLen+fecTrailerLen], wire.EncodeVarPktLenOpt(uint16(len(orig))))
	if sl.skb.FragLen > 0 {
		frag := wire.FragmentOpt{FirstSqn: uint32(sl.skb.FirstSqn), FragOff: sl.skb.FragOff, FragLen: sl.skb.FragLen}
		copy(shard[maxLen+fecTrailerLen:], frag.Encode())
	}

	sl.paddedShard = shard
	sl.zeroPadded = true
	return shard
}

// synthesizeParity gathers the k data originals of the transmission
// group containing tgSqn and Reed-Solomon-encodes the (h+1)'th parity
// packet (offset h, 0-based), producing a freshly built parity SKB
// that carries OPT_PARITY and, if any original in the group was
// fragmented, the RS-combined OPT_FRAGMENT codeword those originals'
// fragment fields encode into (meaningful only once a receiver
// reconstructs the specific original it stands in for, not by
// decoding it directly off this packet).
func (w *TransmitWindow) synthesizeParity(s *txSlot, h uint32) (*SKB, error) {
	k := w.tgSize
	slots := make([]*txSlot, 0, k)
	maxLen := 0
	haveFrag := false
	for i := uint32(0); i < k; i++ {
		sl := w.slots[w.idx(s.tgSqn+Sqn(i))]
		if sl == nil || sl.skb.Sqn != s.tgSqn+Sqn(i) {
			return nil, newKindError(KindProtocol, "pgm: transmission group incomplete, cannot synthesize parity")
		}
		if l := sl.skb.Len(); l > maxLen {
			maxLen = l
		}
		if sl.skb.FragLen > 0 {
			haveFrag = true
		}
		slots = append(slots, sl)
	}

	varLength := false
	for _, sl := range slots {
		if sl.skb.Len() != maxLen {
			varLength = true
			break
		}
	}

	shardLen := maxLen + fecTrailerLen + fecFragOptLen
	shards := make([][]byte, 0, k)
	for _, sl := range slots {
		shards = append(shards, w.padOriginalForFEC(sl, maxLen))
	}

	parity, err := w.fec.encodeParity(shards, shardLen, int(h))
	if err != nil {
		return nil, err
	}

	// The parity packet reuses the TG sqn with the offset h in the low
	// bits; receivers tell it apart from the original at tg_sqn+h by
	// OPT_PARITY.
	out := NewSKB(maxLen)
	copy(out.Bytes(), parity[:maxLen])
	out.Sqn = s.tgSqn | Sqn(h)
	out.Type = wire.TypeRDATA
	out.Parity = true
	if varLength {
		out.VarLenOptRaw = append([]byte(nil), parity[maxLen:maxLen+fecTrailerLen]...)
	}
	if haveFrag {
		out.FragOptRaw = append([]byte(nil), parity[maxLen+fecTrailerLen:maxLen+fecTrailerLen+fecFragOptLen]...)
	}
	return out, nil
}
