package pgm

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgmproto/pgm/pgmsock"
)

// sockAdapter satisfies pgm.Sock on top of a pgmsock.Socket, letting
// the core engine stay decoupled from net.Addr / pgmsock specifics:
// Transport depends on an interface, not on this concrete type.
type sockAdapter struct {
	sock pgmsock.Socket
	dst  net.Addr
}

func (a *sockAdapter) WriteTo(b []byte, _ NLATarget) (int, error) {
	return a.sock.WriteTo(b, a.dst)
}

// TransportStats is a point-in-time copy of a transport's counters.
type TransportStats struct {
	PeerCount        int
	CumulativeLosses uint64
	FragmentCount    uint64
	CksumErrors      uint64
	MalformedPackets uint64
	PacketsDiscarded uint64
}

// Transport is one PGM session: a TSI, its TransmitWindow (if this
// side sends), its ReceiverEngine (if this side receives), and the
// TimerCore driving both. The API surface mirrors a standard PGM
// socket-library shape: create/bind/destroy, configuration setters,
// send/sendv/send_skbv, recv/recvmsg, poll_info.
type Transport struct {
	mu     sync.Mutex
	tsi    TSI
	cfg    Config
	bound  bool
	closed bool

	sock pgmsock.Socket

	txw    *TransmitWindow
	source *SourceEngine

	receiver *ReceiverEngine
	timer    *TimerCore

	// notify wakes a blocked Recv when data or a timer event arrives.
	notify chan struct{}

	stopRecv  chan struct{}
	stopTimer chan struct{}

	cksumErrors      uint64
	malformedPackets uint64
	packetsDiscarded uint64
}

// Message is one reassembled APDU delivered by RecvMsg: the sending
// session's TSI and the APDU's fragments, zero-copy (the SKBs are the
// receive window's own buffers; release with PutRef when done).
type Message struct {
	TSI       TSI
	Fragments []*SKB
}

// TSI returns the transport's own session identifier.
func (t *Transport) TSI() TSI { return t.tsi }

// Create constructs an unbound Transport for tsi with the given
// configuration. Bind must be called before send/recv.
func Create(tsi TSI, cfg Config) *Transport {
	return &Transport{
		tsi:    tsi,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Configure mutates the transport's configuration. Allowed only
// before Bind; this is the setter surface (each individual option is
// a field of Config).
func (t *Transport) Configure(mutate func(*Config)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.bound {
		return newKindError(KindProtocol, "pgm: configuration is write-once before bind")
	}
	mutate(&t.cfg)
	return nil
}

// Bind attaches sock as the transport's socket collaborator and wires
// up the send and/or receive engines per the configuration
// (Config.SendOnly / Config.RecvOnly narrow the roles; the default is
// both).
func (t *Transport) Bind(sock pgmsock.Socket, limiter RateLimiter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.bound {
		return newKindError(KindProtocol, "pgm: transport already bound")
	}
	t.sock = sock
	if limiter == nil {
		limiter = noopLimiter{}
	}
	if t.cfg.MulticastHops > 0 {
		if err := sock.SetMulticastHops(t.cfg.MulticastHops); err != nil {
			return wrapKindError(KindSystem, err, "pgm: set multicast hops")
		}
	}
	if err := sock.SetMulticastLoop(t.cfg.MulticastLoop); err != nil {
		return wrapKindError(KindSystem, err, "pgm: set multicast loopback")
	}
	canSend := !t.cfg.RecvOnly
	canRecv := !t.cfg.SendOnly

	var source *SourceEngine
	var receiver *ReceiverEngine
	if canSend {
		var codec *fecCodec
		if t.cfg.FECEnabled {
			var err error
			codec, err = newFECCodec(t.cfg.FECDataK, t.cfg.FECParityH)
			if err != nil {
				return err
			}
		}
		t.txw = NewTransmitWindow(t.cfg.txwCapacity(), uint32(t.cfg.FECDataK), codec)
		source = NewSourceEngine(t.tsi, t.txw, t.cfg.MaxTSDU, t.cfg.AmbientSPMIvl, limiter, &sockAdapter{sock: sock})
		source.SetHeartbeats(t.cfg.HeartbeatIvls)
		if t.cfg.FECEnabled {
			source.EnableParity(uint32(t.cfg.FECDataK), t.cfg.FECOnDemand)
		}
		source.SetNLA(nil, t.cfg.Group)
	}
	if canRecv {
		receiver = NewReceiverEngine(t.tsi, t.cfg.rxwConfig(), t.cfg.PeerExpiryIvl, &sockAdapter{sock: sock}, limiter, t.cfg.Group)
		receiver.SetSPMRExpiry(t.cfg.SPMRExpiryIvl)
	}
	t.source = source
	t.receiver = receiver
	t.timer = NewTimerCore(source, receiver)
	t.bound = true

	// Every bound transport reads its socket: a receiver for data, SPM
	// and NCF, a sender for the NAKs and SPMRs addressed to its source.
	t.stopRecv = make(chan struct{})
	go t.recvLoop(sock, t.stopRecv)
	t.stopTimer = make(chan struct{})
	go t.runTimer(t.stopTimer)
	return nil
}

// Destroy tears the transport down, unregistering it if it was
// registered and closing its socket. With flush set, a sending
// transport first emits a final SPM carrying OPT_FIN so receivers
// learn the session ended cleanly rather than expiring the peer.
func (t *Transport) Destroy(reg *Registry, flush bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if flush && t.source != nil {
		t.source.EmitFIN(time.Now())
	}
	t.closed = true
	if reg != nil {
		reg.Unregister(t.tsi)
	}
	if t.stopRecv != nil {
		close(t.stopRecv)
	}
	if t.stopTimer != nil {
		close(t.stopTimer)
	}
	t.wake()
	if t.sock != nil {
		return t.sock.Close()
	}
	return nil
}

// Send transmits one APDU, returning the resumable-send Status.
func (t *Transport) Send(data []byte, nonblocking bool) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return StatusEof, ErrTransportClosed
	}
	if t.source == nil {
		return StatusError, newKindError(KindProtocol, "pgm: transport not bound for send")
	}
	return t.source.SendAPDU(data, nonblocking), nil
}

// Sendv transmits several buffers: as fragments of one gathered APDU
// when oneAPDU is set, or each element as its own APDU otherwise.
func (t *Transport) Sendv(bufs [][]byte, oneAPDU bool, nonblocking bool) (Status, error) {
	if oneAPDU {
		total := 0
		for _, b := range bufs {
			total += len(b)
		}
		joined := make([]byte, 0, total)
		for _, b := range bufs {
			joined = append(joined, b...)
		}
		return t.Send(joined, nonblocking)
	}
	for _, b := range bufs {
		status, err := t.Send(b, nonblocking)
		if err != nil || status != StatusNormal {
			return status, err
		}
	}
	return StatusNormal, nil
}

// SendSKBV is the zero-copy send path: the caller hands over SKBs
// whose buffers become transmit-window property (do not reuse them
// after this call). Each SKB must hold at most MaxTSDU payload bytes.
func (t *Transport) SendSKBV(skbs []*SKB, oneAPDU bool, nonblocking bool) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return StatusEof, ErrTransportClosed
	}
	if t.source == nil {
		return StatusError, newKindError(KindProtocol, "pgm: transport not bound for send")
	}
	for _, skb := range skbs {
		if uint32(skb.Len()) > t.cfg.MaxTSDU {
			return StatusError, newKindError(KindProtocol, "pgm: SKB payload exceeds max TSDU")
		}
	}
	return t.source.SendSKBs(skbs, oneAPDU, nonblocking), nil
}

// Recv returns the next reassembled APDU's bytes. With nonblocking
// set it returns StatusWouldBlock when nothing is ready; otherwise it
// waits for data, driving timers while it does.
func (t *Transport) Recv(nonblocking bool) ([]byte, Status, error) {
	msgs, status, err := t.RecvMsg(1, nonblocking)
	if status != StatusNormal || len(msgs) == 0 {
		return nil, status, err
	}
	var out []byte
	for _, frag := range msgs[0].Fragments {
		out = append(out, frag.Bytes()...)
	}
	return out, StatusNormal, nil
}

// RecvMsg is the zero-copy receive path: up to maxAPDUs reassembled
// APDUs scattered into their fragment SKBs, oldest first, draining
// every peer round-robin. Reset is surfaced once per loss episode
// (or, with AbortOnReset, closes the transport).
func (t *Transport) RecvMsg(maxAPDUs int, nonblocking bool) ([]Message, Status, error) {
	for {
		t.mu.Lock()
		closed := t.closed
		receiver := t.receiver
		abort := t.cfg.AbortOnReset
		t.mu.Unlock()
		if closed {
			return nil, StatusEof, nil
		}
		if receiver == nil {
			return nil, StatusError, newKindError(KindProtocol, "pgm: transport not bound for recv")
		}

		var lost bool
		receiver.peers.each(func(p *Peer) {
			if p.rxw.TakeLostEvent() {
				lost = true
			}
		})
		if lost {
			if abort {
				t.Destroy(nil, false)
			}
			return nil, StatusReset, nil
		}

		var msgs []Message
		receiver.peers.each(func(p *Peer) {
			if maxAPDUs > 0 && len(msgs) >= maxAPDUs {
				return
			}
			budget := 0
			if maxAPDUs > 0 {
				budget = maxAPDUs - len(msgs)
			}
			for _, frags := range p.rxw.Readv(budget) {
				msgs = append(msgs, Message{TSI: p.TSI, Fragments: frags})
			}
		})
		if len(msgs) > 0 {
			return msgs, StatusNormal, nil
		}
		if nonblocking {
			return nil, StatusWouldBlock, nil
		}

		select {
		case <-t.notify:
		case <-time.After(50 * time.Millisecond):
			t.TimerTick(time.Now())
		}
	}
}

// wake nudges a blocked Recv.
func (t *Transport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// PollInfo reports the earliest upcoming timer deadline, matching
// poll_info entry point (what a reactor-style caller
// selects/epolls on).
func (t *Transport) PollInfo(now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return now.Add(time.Second)
	}
	return t.timer.NextExpiry(now)
}

// TimerTick runs one full timer pass: SPM emission, deferred
// retransmit pop, NAK ladder, and peer expiry.
func (t *Transport) TimerTick(now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return StatusNormal
	}
	return t.timer.Tick(now)
}

// runTimer is the background scheduling context: it sleeps until the
// unified next expiry, runs a tick, and wakes any blocked reader.
func (t *Transport) runTimer(stop <-chan struct{}) {
	const minSleep = time.Millisecond
	const maxSleep = time.Second
	for {
		now := time.Now()
		d := t.PollInfo(now).Sub(now)
		if d < minSleep {
			d = minSleep
		}
		if d > maxSleep {
			d = maxSleep
		}
		select {
		case <-stop:
			return
		case <-time.After(d):
		}
		t.TimerTick(time.Now())
		t.wake()
	}
}

// Stats snapshots the transport's counters.
func (t *Transport) Stats() TransportStats {
	t.mu.Lock()
	receiver := t.receiver
	t.mu.Unlock()

	st := TransportStats{
		CksumErrors:      atomic.LoadUint64(&t.cksumErrors),
		MalformedPackets: atomic.LoadUint64(&t.malformedPackets),
		PacketsDiscarded: atomic.LoadUint64(&t.packetsDiscarded),
	}
	if receiver != nil {
		st.PeerCount, st.CumulativeLosses, st.FragmentCount = receiver.Stats()
	}
	return st
}

type noopLimiter struct{}

func (noopLimiter) Check(int, bool) bool { return true }
