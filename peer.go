package pgm

import (
	"net"
	"sync"
	"time"
)

// Peer tracks one remote source's state as observed by a receiving
// Transport: its last-seen SPM window bounds, its NLA, and the
// ReceiveWindow reassembling its data stream. Generalizes kcp-go's
// Listener.sessions map (sess.go), keyed there by a 5-tuple-derived
// string and here by TSI, the identifier PGM actually carries on the
// wire.
type Peer struct {
	TSI TSI
	NLA net.IP

	mu       sync.Mutex
	rxw      *ReceiveWindow
	lastSPM  time.Time
	lastData time.Time

	spmSqn  Sqn
	spmHave bool

	// rsK/rsN/onDemandParity mirror the peer's most recently
	// advertised OPT_PARITY_PRM: transmission group size, total
	// shards (data+parity), and whether on-demand (NAK-triggered, as
	// opposed to proactive) parity is available for this source.
	rsK            uint32
	rsN            uint32
	onDemandParity bool

	// parityBuf holds inbound parity packets per transmission group
	// until enough shards exist to reconstruct the group's missing
	// originals; fec is the lazily built codec doing that.
	parityBuf map[Sqn]map[uint32]*SKB
	fec       *fecCodec

	// spmrExpiry is when this peer, created from data without ever
	// having sent an SPM, gets an SPMR requesting one.
	spmrExpiry time.Time
	spmrSent   bool

	// finSeen marks a source that announced session end via OPT_FIN;
	// the peer is dropped as soon as its committed data drains, without
	// waiting out the idle expiry.
	finSeen bool
}

// peerTable is the receiver-side TSI->Peer map backing ReceiverEngine,
// guarded separately from Registry because peers churn far more
// frequently than whole transports.
type peerTable struct {
	mu    sync.RWMutex
	peers map[TSI]*Peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[TSI]*Peer)}
}

func (pt *peerTable) get(tsi TSI) (*Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.peers[tsi]
	return p, ok
}

func (pt *peerTable) getOrCreate(tsi TSI, nla net.IP, rxwCfg rxwConfig) (*Peer, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p, ok := pt.peers[tsi]; ok {
		return p, false
	}
	p := &Peer{
		TSI: tsi,
		NLA: nla,
		rxw: newReceiveWindow(rxwCfg),
	}
	pt.peers[tsi] = p
	return p, true
}

func (pt *peerTable) remove(tsi TSI) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, tsi)
}

// expire removes peers whose lastData/lastSPM are both older than
// peerTimeout, returning the TSIs removed. Mirrors the per-session
// deadlink/idle reasoning kcp-go applies via IKCP_DEADLINK, generalized
// to a wall-clock peer expiry since PGM has no equivalent of KCP's
// xmit-count deadlink counter at the peer level. A peer that is
// otherwise idle-stale but still has committed, undelivered data
// sitting in its ReceiveWindow survives past peerTimeout — dropping it
// would discard data the application hasn't had a chance to read yet.
func (pt *peerTable) expire(now time.Time, peerTimeout time.Duration) []TSI {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var dead []TSI
	for tsi, p := range pt.peers {
		p.mu.Lock()
		last := p.lastData
		if p.lastSPM.After(last) {
			last = p.lastSPM
		}
		stale := now.Sub(last) > peerTimeout || p.finSeen
		p.mu.Unlock()
		if stale && p.rxw.CommittedCount() == 0 {
			dead = append(dead, tsi)
			delete(pt.peers, tsi)
		}
	}
	return dead
}

// ApplyParityPRM records the FEC parameters srcTSI's peer just
// advertised via OPT_PARITY_PRM (transmission group size and
// proactive/on-demand flags) plus the caller's locally configured
// parity-shard count (not itself carried by OPT_PARITY_PRM), and
// threads the TG size/on-demand flag into the peer's ReceiveWindow so
// NakRBState can start preferring parity NAKs for that peer's stale
// transmission groups.
func (p *Peer) ApplyParityPRM(rsK uint32, onDemand bool, rsN uint32) {
	p.mu.Lock()
	p.rsK = rsK
	p.rsN = rsN
	p.onDemandParity = onDemand
	p.mu.Unlock()
	p.rxw.SetParityParams(rsK, onDemand)
}

func (pt *peerTable) each(fn func(*Peer)) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	for _, p := range pt.peers {
		fn(p)
	}
}
