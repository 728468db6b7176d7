package pgm

import "time"

// TimerCore computes the unified next-expiry across a transport's
// source heartbeat and every known peer's NAK-ladder/expiry deadlines,
// and runs the single tick that advances all of them. Directly
// grounded on kcp-go's Check()/Update() pair (kcp.go): Check there
// answers "when should flush next run" for one KCP; NextExpiry here
// generalizes that across a table of peers, and Tick generalizes
// Update to also run the NAK ladder and peer-expiry sweep.
type TimerCore struct {
	source   *SourceEngine
	receiver *ReceiverEngine
}

// NewTimerCore ties a SourceEngine and ReceiverEngine to one unified
// timer. Either may be nil (a receive-only or send-only transport).
func NewTimerCore(source *SourceEngine, receiver *ReceiverEngine) *TimerCore {
	return &TimerCore{source: source, receiver: receiver}
}

// NextExpiry returns the earliest deadline across the source's next
// heartbeat and every peer's NAK-ladder/expiry timers.
func (t *TimerCore) NextExpiry(now time.Time) time.Time {
	var best time.Time
	have := false
	consider := func(when time.Time, ok bool) {
		if !ok {
			return
		}
		if !have || when.Before(best) {
			best = when
			have = true
		}
	}

	if t.source != nil {
		consider(t.source.NextHeartbeat(), true)
	}
	if t.receiver != nil {
		consider(t.receiver.NextExpiry(now))
	}
	if !have {
		return now.Add(time.Second)
	}
	return best
}

// Tick runs one full pass: source SPM emission and deferred
// retransmit pop, then every peer's nak_rb/nak_rpt/nak_rdata checks
// and peer-expiry sweep.
func (t *TimerCore) Tick(now time.Time) Status {
	status := StatusNormal
	if t.source != nil {
		status = t.source.Tick(now)
	}
	if t.receiver != nil {
		t.receiver.RunNAKLadder(now)
		t.receiver.ExpirePeers(now)
	}
	return status
}
