package pgm

import (
	"testing"
	"time"
)

func testRxwConfig() rxwConfig {
	return rxwConfig{
		capacity:       16,
		maxTSDU:        1400,
		nakRBIvl:       10 * time.Millisecond,
		nakRPTIvl:      10 * time.Millisecond,
		nakDataIvl:     10 * time.Millisecond,
		nakNCFRetries:  2,
		nakDataRetries: 2,
	}
}

func TestReceiveWindowInOrderDelivery(t *testing.T) {
	w := newReceiveWindow(testRxwConfig())
	now := time.Now()

	for i := 0; i < 3; i++ {
		skb := NewSKB(4)
		skb.Sqn = Sqn(100 + i)
		res := w.Add(skb, now, now.Add(time.Second))
		if res != AddAppended {
			t.Fatalf("iteration %d: got %v, want AddAppended", i, res)
		}
	}

	apdus := w.Readv(0)
	if len(apdus) != 3 {
		t.Fatalf("Readv returned %d APDUs, want 3", len(apdus))
	}
	for i, a := range apdus {
		if len(a) != 1 {
			t.Fatalf("APDU %d has %d fragments, want 1", i, len(a))
		}
	}
}

func TestReceiveWindowDuplicateDetection(t *testing.T) {
	w := newReceiveWindow(testRxwConfig())
	now := time.Now()

	skb := NewSKB(4)
	skb.Sqn = 200
	if res := w.Add(skb, now, now.Add(time.Second)); res != AddAppended {
		t.Fatalf("first add: got %v, want AddAppended", res)
	}

	dup := NewSKB(4)
	dup.Sqn = 200
	if res := w.Add(dup, now, now.Add(time.Second)); res != AddDuplicate {
		t.Fatalf("duplicate add: got %v, want AddDuplicate", res)
	}
}

func TestReceiveWindowMissingThenBackOffLadder(t *testing.T) {
	cfg := testRxwConfig()
	w := newReceiveWindow(cfg)
	now := time.Now()

	// sqn 300 arrives directly (no predecessor yet) -> window establishes
	// trail/lead at 300 since this is the first packet seen.
	first := NewSKB(4)
	first.Sqn = 300
	w.Add(first, now, now.Add(time.Millisecond))

	// sqn 302 arrives with 301 missing -> Missing, 301 goes BackOff.
	skip := NewSKB(4)
	skip.Sqn = 302
	res := w.Add(skip, now, now.Add(time.Millisecond))
	if res != AddMissing {
		t.Fatalf("got %v, want AddMissing", res)
	}

	// advance past the backoff expiry and drive the ladder.
	later := now.Add(50 * time.Millisecond)
	toNak := w.NakRBState(later, true)
	found := false
	for _, req := range toNak {
		if req.Sqn == 301 && !req.IsParity {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sqn 301 to surface from NakRBState, got %v", toNak)
	}
}

func TestReceiveWindowFragmentReassembly(t *testing.T) {
	cfg := testRxwConfig()
	cfg.maxTSDU = 10
	w := newReceiveWindow(cfg)
	now := time.Now()

	total := uint32(25) // 3 fragments of maxTSDU=10
	for i := 0; i < 3; i++ {
		skb := NewSKB(4)
		skb.Sqn = Sqn(400 + i)
		skb.FirstSqn = 400
		skb.FragOff = uint32(i) * 10
		skb.FragLen = total
		w.Add(skb, now, now.Add(time.Second))
	}

	apdus := w.Readv(0)
	if len(apdus) != 1 {
		t.Fatalf("got %d APDUs, want 1 reassembled APDU", len(apdus))
	}
	if len(apdus[0]) != 3 {
		t.Fatalf("reassembled APDU has %d fragments, want 3", len(apdus[0]))
	}
}

func TestReceiveWindowLostAfterExhaustedRetries(t *testing.T) {
	cfg := testRxwConfig()
	cfg.nakNCFRetries = 1
	w := newReceiveWindow(cfg)
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 500
	w.Add(first, now, now.Add(time.Millisecond))
	skip := NewSKB(4)
	skip.Sqn = 502
	w.Add(skip, now, now.Add(time.Millisecond))

	t1 := now.Add(20 * time.Millisecond)
	w.NakRBState(t1, true) // 501 -> WaitNcf

	t2 := t1.Add(20 * time.Millisecond)
	w.NakRPTState(t2) // ncf_retry_count becomes 1 >= nakNCFRetries(1) -> Lost

	if !w.TakeLostEvent() {
		t.Fatal("expected a loss event to be surfaced")
	}
	if w.TakeLostEvent() {
		t.Fatal("loss event should only surface once per episode")
	}
}

func TestReceiveWindowPrefersParityNAKForStaleTG(t *testing.T) {
	cfg := testRxwConfig()
	w := newReceiveWindow(cfg)
	w.SetParityParams(4, true) // TGs of 4, on-demand parity active
	now := time.Now()

	// sqn 600 starts TG [600,603]; sqn 604 (next TG) arrives, leaving
	// 601-603 missing and that TG now strictly behind the lead TG.
	first := NewSKB(4)
	first.Sqn = 600
	w.Add(first, now, now.Add(time.Millisecond))
	next := NewSKB(4)
	next.Sqn = 604
	w.Add(next, now, now.Add(time.Millisecond))

	later := now.Add(50 * time.Millisecond)
	toNak := w.NakRBState(later, true)

	if len(toNak) != 1 {
		t.Fatalf("expected one coalesced parity request for the stale TG, got %d: %+v", len(toNak), toNak)
	}
	// TG lead 600 with 3 missing packets encoded in the low sqn bits.
	if !toNak[0].IsParity || toNak[0].Sqn != 603 {
		t.Fatalf("expected a parity request for TG 600 with pkt_cnt 3, got %+v", toNak[0])
	}
}

func TestReceiveWindowCommittedCountTracksUndeliveredData(t *testing.T) {
	cfg := testRxwConfig()
	w := newReceiveWindow(cfg)
	now := time.Now()

	skb := NewSKB(4)
	skb.Sqn = 700
	w.Add(skb, now, now.Add(time.Millisecond))
	if got := w.CommittedCount(); got != 1 {
		t.Fatalf("got CommittedCount %d, want 1 after one undelivered packet", got)
	}

	w.Readv(0)
	if got := w.CommittedCount(); got != 0 {
		t.Fatalf("got CommittedCount %d, want 0 after Readv drains the packet", got)
	}
}

func TestReceiveWindowAddBoundsRejection(t *testing.T) {
	cfg := testRxwConfig() // capacity 16
	w := newReceiveWindow(cfg)
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 800
	w.Add(first, now, now.Add(time.Second))

	past := NewSKB(4)
	past.Sqn = 799 // below the learned trail
	if res := w.Add(past, now, now.Add(time.Second)); res != AddBounds {
		t.Fatalf("sqn below rxw_trail: got %v, want AddBounds", res)
	}

	far := NewSKB(4)
	far.Sqn = 800 + Sqn(cfg.capacity) // one past the window's reach
	if res := w.Add(far, now, now.Add(time.Second)); res != AddBounds {
		t.Fatalf("sqn beyond rxw_trail+capacity: got %v, want AddBounds", res)
	}
}

func TestReceiveWindowAddInsertedFillsPlaceholder(t *testing.T) {
	w := newReceiveWindow(testRxwConfig())
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 900
	w.Add(first, now, now.Add(time.Second))
	skip := NewSKB(4)
	skip.Sqn = 902
	w.Add(skip, now, now.Add(time.Second)) // 901 becomes a BackOff placeholder

	fill := NewSKB(4)
	fill.Sqn = 901
	if res := w.Add(fill, now, now.Add(time.Second)); res != AddInserted {
		t.Fatalf("filling the 901 placeholder: got %v, want AddInserted", res)
	}

	apdus := w.Readv(0)
	if len(apdus) != 3 {
		t.Fatalf("expected 3 APDUs in order after fill, got %d", len(apdus))
	}
}

func TestReceiveWindowUpdateTrailMarksLost(t *testing.T) {
	w := newReceiveWindow(testRxwConfig())
	now := time.Now()

	first := NewSKB(4)
	first.Sqn = 1000
	w.Add(first, now, now.Add(time.Second))
	skip := NewSKB(4)
	skip.Sqn = 1002
	w.Add(skip, now, now.Add(time.Second)) // 1001 pending in BackOff

	// sender's trail moves past the pending gap: it can never be
	// repaired and must become Lost.
	w.UpdateTrail(1002, now)
	if !w.TakeLostEvent() {
		t.Fatal("expected a loss event once the trail passes a pending gap")
	}
}

func TestReceiveWindowStatsTrackFragmentsAndFills(t *testing.T) {
	cfg := testRxwConfig()
	cfg.maxTSDU = 4
	w := newReceiveWindow(cfg)
	now := time.Now()

	a := NewSKB(4)
	a.Sqn = 1100
	a.FirstSqn = 1100
	a.FragOff = 0
	a.FragLen = 8
	w.Add(a, now, now.Add(time.Second))

	c := NewSKB(4)
	c.Sqn = 1102
	w.Add(c, now, now.Add(time.Second)) // 1101 placeholder

	b := NewSKB(4)
	b.Sqn = 1101
	b.FirstSqn = 1100
	b.FragOff = 4
	b.FragLen = 8
	w.Add(b, now.Add(10*time.Millisecond), now.Add(time.Second))

	st := w.Stats()
	if st.FragmentCount != 2 {
		t.Fatalf("FragmentCount = %d, want 2", st.FragmentCount)
	}
	if st.MaxFillTime < 10*time.Millisecond {
		t.Fatalf("MaxFillTime = %v, want >= 10ms for the placeholder fill", st.MaxFillTime)
	}
}
