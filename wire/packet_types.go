// Package wire implements the PGM (RFC 3208) on-wire packet format:
// the common header, the per-type data headers, the options chain,
// ones-complement checksums, and NLA address encoding.
package wire

// Packet types, carried in the common header's Type field.
const (
	TypeSPM   uint8 = 22 // Source Path Message
	TypePoll  uint8 = 1
	TypePolr  uint8 = 2
	TypeODATA uint8 = 4 // Original data
	TypeRDATA uint8 = 5 // Repair data
	TypeNAK   uint8 = 8
	TypeNNAK  uint8 = 9
	TypeNCF   uint8 = 10 // NAK confirmation
	TypeSPMR  uint8 = 11 // SPM request
	TypeACK   uint8 = 13
)

// Option types, carried in the low bits of each option's Type byte.
const (
	OptLength    uint8 = 0x00 // always first, total options length
	OptFragment  uint8 = 0x01
	OptNAKList   uint8 = 0x02
	OptParityPRM uint8 = 0x08
	OptParity    uint8 = 0x09
	OptVarPktLen uint8 = 0x0D
	OptFin       uint8 = 0x0E

	OptEnd  uint8 = 0x80 // terminates the options chain
	OptMask uint8 = 0x7F // semantic code, ignoring OptEnd
)

// Header flags in the common header's Options byte.
const (
	OptPresent uint8 = 0x01
	OptNetwork uint8 = 0x02 // network-significant option present
)

// OPT_PARITY_PRM flags.
const (
	ParityPRMPro uint8 = 0x01 // proactive parity
	ParityPRMOnd uint8 = 0x02 // on-demand parity
)
