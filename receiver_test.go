package pgm

import (
	"net"
	"testing"
	"time"

	"github.com/pgmproto/pgm/wire"
)

func testPeerTSI(n byte) TSI {
	return TSI{GSI: GSI{n, n, n, n, n, n}, SPort: 1000}
}

func TestReceiverEngineIngestDataReturnsMissingOnGap(t *testing.T) {
	re := NewReceiverEngine(TSI{}, testRxwConfig(), time.Minute, fakeSock{}, noopLimiter{}, nil)
	peerTSI := testPeerTSI(1)
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 10
	re.IngestData(peerTSI, net.ParseIP("10.0.0.1"), first, 0, now)

	gap := NewSKB(4)
	gap.Sqn = 12
	res := re.IngestData(peerTSI, net.ParseIP("10.0.0.1"), gap, 0, now)
	if res != AddMissing {
		t.Fatalf("got %v, want AddMissing", res)
	}
}

func TestReceiverEngineIngestNCFConfirmsSlot(t *testing.T) {
	re := NewReceiverEngine(TSI{}, testRxwConfig(), time.Minute, fakeSock{}, noopLimiter{}, nil)
	peerTSI := testPeerTSI(2)
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 20
	re.IngestData(peerTSI, net.ParseIP("10.0.0.2"), first, 0, now)
	gap := NewSKB(4)
	gap.Sqn = 22
	re.IngestData(peerTSI, net.ParseIP("10.0.0.2"), gap, 0, now)

	re.IngestNCF(peerTSI, 21, nil, now)

	p, ok := re.peers.get(peerTSI)
	if !ok {
		t.Fatal("expected peer to exist")
	}
	slot := p.rxw.slotAt(21)
	if slot == nil || slot.state != rxWaitData {
		t.Fatalf("expected slot 21 in WaitData after NCF, got %+v", slot)
	}
}

func TestReceiverEngineExpirePeersSurvivesWithUndeliveredData(t *testing.T) {
	re := NewReceiverEngine(TSI{}, testRxwConfig(), time.Millisecond, fakeSock{}, noopLimiter{}, nil)
	peerTSI := testPeerTSI(3)
	now := time.Now()

	skb := NewSKB(4)
	skb.Sqn = 1
	re.IngestData(peerTSI, net.ParseIP("10.0.0.3"), skb, 0, now)

	// the peer is idle-stale, but its one received packet was never
	// drained via Readv, so it must survive rather than be dropped.
	if expired := re.ExpirePeers(now.Add(time.Second)); len(expired) != 0 {
		t.Fatalf("expected peer with undelivered data to survive, got expired %v", expired)
	}

	p, ok := re.peers.get(peerTSI)
	if !ok {
		t.Fatal("expected peer to still exist")
	}
	p.rxw.Readv(0)

	expired := re.ExpirePeers(now.Add(time.Second))
	if len(expired) != 1 || expired[0] != peerTSI {
		t.Fatalf("expected peer to expire once its data is drained, got %v", expired)
	}
}

func TestReceiverEngineSendsSPMRForSilentSource(t *testing.T) {
	sock := &captureSock{}
	re := NewReceiverEngine(TSI{SPort: 7501}, testRxwConfig(), time.Minute, sock, noopLimiter{}, nil)
	re.SetSPMRExpiry(10 * time.Millisecond)
	peerTSI := testPeerTSI(4)
	now := time.Now()

	skb := NewSKB(4)
	skb.Sqn = 30
	re.IngestData(peerTSI, net.ParseIP("10.0.0.4"), skb, 0, now)

	// before the SPMR timer fires, nothing is requested.
	re.RunNAKLadder(now)
	if len(sock.byType(wire.TypeSPMR)) != 0 {
		t.Fatal("SPMR sent before its expiry")
	}

	re.RunNAKLadder(now.Add(20 * time.Millisecond))
	if len(sock.byType(wire.TypeSPMR)) != 1 {
		t.Fatal("expected one SPMR once the peer stayed silent past the expiry")
	}

	// SPMR fires once, not per ladder pass.
	re.RunNAKLadder(now.Add(40 * time.Millisecond))
	if len(sock.byType(wire.TypeSPMR)) != 1 {
		t.Fatal("SPMR must be sent at most once per peer")
	}
}

func TestReceiverEngineDiscardsStaleSPM(t *testing.T) {
	re := NewReceiverEngine(TSI{}, testRxwConfig(), time.Minute, fakeSock{}, noopLimiter{}, nil)
	peerTSI := testPeerTSI(5)
	now := time.Now()

	re.IngestSPM(peerTSI, net.ParseIP("10.0.0.5"), wire.SPMHeader{Sqn: 10, Trail: 0, Lead: 0}, now)
	// stale SPM (sqn 9) claiming a larger window must be ignored whole.
	re.IngestSPM(peerTSI, net.ParseIP("10.0.0.5"), wire.SPMHeader{Sqn: 9, Trail: 0, Lead: 50}, now)

	p, ok := re.peers.get(peerTSI)
	if !ok {
		t.Fatal("expected peer")
	}
	if p.spmSqn != 10 {
		t.Fatalf("peer spmSqn = %d, want 10 (stale SPM discarded)", p.spmSqn)
	}
	if p.rxw.lead.AfterEq(50) {
		t.Fatal("stale SPM's lead must not have advanced the window")
	}
}

func TestReceiverEnginePeerExpiresAfterLossAndDrain(t *testing.T) {
	cfg := testRxwConfig()
	cfg.nakNCFRetries = 1
	re := NewReceiverEngine(TSI{}, cfg, time.Hour, fakeSock{}, noopLimiter{}, nil)
	peerTSI := testPeerTSI(6)
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 40
	re.IngestData(peerTSI, net.ParseIP("10.0.0.6"), first, 0, now)
	skip := NewSKB(4)
	skip.Sqn = 42
	re.IngestData(peerTSI, net.ParseIP("10.0.0.6"), skip, 0, now)

	p, ok := re.peers.get(peerTSI)
	if !ok {
		t.Fatal("expected peer")
	}

	// exhaust the NAK ladder so the gap at 41 goes Lost.
	t1 := now.Add(20 * time.Millisecond)
	p.rxw.NakRBState(t1, true)
	t2 := t1.Add(30 * time.Millisecond)
	p.rxw.NakRPTState(t2)
	if !p.rxw.TakeLostEvent() {
		t.Fatal("expected slot 41 to be Lost after retry exhaustion")
	}

	// delivery must step past the Lost slot: both received packets
	// drain, leaving nothing committed.
	apdus := p.rxw.Readv(0)
	if len(apdus) != 2 {
		t.Fatalf("expected 40 and 42 delivered past the Lost slot, got %d APDUs", len(apdus))
	}
	if got := p.rxw.CommittedCount(); got != 0 {
		t.Fatalf("CommittedCount = %d after draining past the loss, want 0", got)
	}

	// a FIN'd, fully drained peer expires on the next sweep even
	// though its idle timeout has not elapsed.
	re.MarkSessionEnd(peerTSI)
	expired := re.ExpirePeers(t2)
	if len(expired) != 1 || expired[0] != peerTSI {
		t.Fatalf("expected FIN'd drained peer to expire, got %v", expired)
	}
}
