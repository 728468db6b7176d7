package pgm

import (
	"net"
	"time"
)

// Config holds every configuration knob a Transport exposes, collected
// into one struct populated before Bind rather than via a chain of
// individual setter calls mutating live state, the same way a
// TOML-driven config layer parses one document into a struct up front.
// Transport.Configure is the guarded mutation path: it refuses once
// the transport is bound.
type Config struct {
	MaxTPDU uint32
	MaxTSDU uint32

	MulticastHops int
	MulticastLoop bool

	SendOnly bool
	RecvOnly bool

	// AbortOnReset closes the transport on the first unrecoverable
	// data loss instead of latching a Reset status per loss episode.
	AbortOnReset bool

	// Window geometry: an explicit sqn count wins; otherwise capacity
	// is derived as secs*max_rte/tpdu.
	TXWSqns   uint32
	TXWSecs   uint32
	TXWMaxRTE uint32
	RXWSqns   uint32
	RXWSecs   uint32
	RXWMaxRTE uint32

	AmbientSPMIvl time.Duration
	HeartbeatIvls []time.Duration
	PeerExpiryIvl time.Duration
	SPMRExpiryIvl time.Duration

	NAKRBIvl       time.Duration
	NAKRPTIvl      time.Duration
	NAKDataIvl     time.Duration
	NAKNCFRetries  int
	NAKDataRetries int

	FECEnabled  bool
	FECDataK    int
	FECParityH  int
	FECOnDemand bool

	RateLimitBytesPerSec int
	RateLimitBurst       int

	// Group is the multicast group address this transport joins,
	// carried as the GroupNLA in outbound NAKs and checked against
	// inbound NAKs' GroupNLA on the source side.
	Group net.IP
}

const defaultWindowSqns = 4096

// DefaultConfig returns conservative defaults (ambient SPM interval
// >= 1s, etc).
func DefaultConfig() Config {
	return Config{
		MaxTPDU:              1500,
		MaxTSDU:              1400,
		TXWSqns:              defaultWindowSqns,
		RXWSqns:              defaultWindowSqns,
		AmbientSPMIvl:        1 * time.Second,
		PeerExpiryIvl:        30 * time.Second,
		SPMRExpiryIvl:        250 * time.Millisecond,
		NAKRBIvl:             50 * time.Millisecond,
		NAKRPTIvl:            200 * time.Millisecond,
		NAKDataIvl:           500 * time.Millisecond,
		NAKNCFRetries:        5,
		NAKDataRetries:       5,
		MulticastHops:        16,
		RateLimitBytesPerSec: 0, // 0 disables limiting
	}
}

// windowCapacity picks a window size: an explicit sqn count, else the
// secs*max_rte/tpdu derivation, else the default.
func windowCapacity(sqns, secs, maxRTE, tpdu uint32) uint32 {
	if sqns > 0 {
		return sqns
	}
	if secs > 0 && maxRTE > 0 && tpdu > 0 {
		if c := secs * maxRTE / tpdu; c > 0 {
			return c
		}
	}
	return defaultWindowSqns
}

func (c Config) txwCapacity() uint32 {
	n := windowCapacity(c.TXWSqns, c.TXWSecs, c.TXWMaxRTE, c.MaxTPDU)
	if c.FECEnabled && c.FECDataK > 0 {
		// Transmission groups must align on k: round up so the ring
		// holds whole groups only.
		k := uint32(c.FECDataK)
		n = (n + k - 1) / k * k
	}
	return n
}

func (c Config) rxwCapacity() uint32 {
	return windowCapacity(c.RXWSqns, c.RXWSecs, c.RXWMaxRTE, c.MaxTPDU)
}

func (c Config) rxwConfig() rxwConfig {
	return rxwConfig{
		capacity:       c.rxwCapacity(),
		maxTSDU:        c.MaxTSDU,
		nakRBIvl:       c.NAKRBIvl,
		nakRPTIvl:      c.NAKRPTIvl,
		nakDataIvl:     c.NAKDataIvl,
		nakNCFRetries:  c.NAKNCFRetries,
		nakDataRetries: c.NAKDataRetries,
	}
}
