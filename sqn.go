package pgm

// Sqn is a 32-bit wrapping sequence number. Ordering between two sqns
// is only meaningful within half the sequence space: the sign of
// the signed difference a-b decides "after"/"before", exactly as
// kcp-go's _itimediff decides RTO-timestamp ordering (kcp.go), just
// generalized here from millisecond timestamps to PGM sqns.
type Sqn uint32

// sqnDiff returns a-b as a signed 32-bit quantity, wrapping correctly
// across the sqn space boundary.
func sqnDiff(a, b Sqn) int32 {
	return int32(a - b)
}

// After reports whether a is strictly after b in sqn order.
func (a Sqn) After(b Sqn) bool { return sqnDiff(a, b) > 0 }

// Before reports whether a is strictly before b in sqn order.
func (a Sqn) Before(b Sqn) bool { return sqnDiff(a, b) < 0 }

// AfterEq reports whether a is after or equal to b.
func (a Sqn) AfterEq(b Sqn) bool { return sqnDiff(a, b) >= 0 }

// BeforeEq reports whether a is before or equal to b.
func (a Sqn) BeforeEq(b Sqn) bool { return sqnDiff(a, b) <= 0 }

// Distance returns the number of sqns from a to b inclusive-exclusive,
// i.e. b-a, interpreted as an unsigned span assuming b is not before a.
func (a Sqn) Distance(b Sqn) uint32 { return uint32(b - a) }
