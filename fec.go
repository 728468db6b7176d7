package pgm

import "github.com/klauspost/reedsolomon"

// fecCodec wraps a Reed-Solomon encoder/decoder over one transmission
// group's k data shards plus up to maxParity parity shards, behind an
// `encode(k, h)->parity` boundary. klauspost/reedsolomon is the same
// codec the upstream kcp-go project itself depends on (other_examples
// manifest VineBalloon-kcp-go/go.mod).
type fecCodec struct {
	k, maxParity int
	enc          reedsolomon.Encoder
}

// newFECCodec builds a codec for k data shards and up to maxParity
// parity shards per transmission group.
func newFECCodec(k, maxParity int) (*fecCodec, error) {
	enc, err := reedsolomon.New(k, maxParity)
	if err != nil {
		return nil, wrapKindError(KindSystem, err, "pgm: construct reedsolomon encoder")
	}
	return &fecCodec{k: k, maxParity: maxParity, enc: enc}, nil
}

// encodeParity computes the h'th parity shard (0-based offset) across
// the k originals, which must already be exactly shardLen bytes each —
// TransmitWindow.padOriginalForFEC is responsible for padding each
// original to the transmission group's maximum TSDU, appending the
// OPT_VAR_PKTLEN-coded original length and any OPT_FRAGMENT fields, so
// a single Reed-Solomon pass covers payload, length, and fragmentation
// together.
func (f *fecCodec) encodeParity(originals [][]byte, shardLen int, h int) ([]byte, error) {
	if len(originals) != f.k {
		return nil, newKindError(KindProtocol, "pgm: expected %d originals, got %d", f.k, len(originals))
	}
	if h < 0 || h >= f.maxParity {
		return nil, newKindError(KindProtocol, "pgm: parity offset %d out of range [0,%d)", h, f.maxParity)
	}

	shards := make([][]byte, f.k+f.maxParity)
	for i, o := range originals {
		if len(o) != shardLen {
			return nil, newKindError(KindProtocol, "pgm: shard %d length %d, want %d", i, len(o), shardLen)
		}
		shards[i] = o
	}
	for i := 0; i < f.maxParity; i++ {
		shards[f.k+i] = make([]byte, shardLen)
	}

	if err := f.enc.Encode(shards); err != nil {
		return nil, wrapKindError(KindSystem, err, "pgm: reedsolomon encode")
	}
	return shards[f.k+h], nil
}

// reconstruct attempts to recover missing data shards given whatever
// data/parity shards are present (nil entries mark absent shards).
func (f *fecCodec) reconstruct(shards [][]byte) error {
	ok, err := f.enc.Verify(shards)
	if err == nil && ok {
		return nil
	}
	if err := f.enc.Reconstruct(shards); err != nil {
		return wrapKindError(KindSystem, err, "pgm: reedsolomon reconstruct")
	}
	return nil
}
