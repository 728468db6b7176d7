package pgm

import "testing"

func TestFECCodecEncodeParityRejectsWrongShardCount(t *testing.T) {
	codec, err := newFECCodec(3, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, err = codec.encodeParity([][]byte{{1, 2}}, 2, 0)
	if err == nil {
		t.Fatal("expected error when originals count doesn't match k")
	}
}

func TestFECCodecEncodeParityProducesDistinctShards(t *testing.T) {
	codec, err := newFECCodec(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	originals := [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}}

	p0, err := codec.encodeParity(originals, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	p1, err := codec.encodeParity(originals, 4, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(p0) != 4 || len(p1) != 4 {
		t.Fatalf("unexpected parity shard lengths: %d %d", len(p0), len(p1))
	}
	if bytesEqual(p0, p1) {
		t.Fatal("parity shards for different offsets should differ")
	}

	allZero := true
	for _, b := range p0 {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatal("parity shard should not be all zero for non-zero originals")
	}
}

func TestFECCodecEncodeParityRejectsOutOfRangeOffset(t *testing.T) {
	codec, err := newFECCodec(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	originals := [][]byte{{1, 2}, {3, 4}}
	if _, err := codec.encodeParity(originals, 2, 5); err == nil {
		t.Fatal("expected error for parity offset beyond maxParity")
	}
}
