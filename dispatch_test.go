package pgm

import (
	"net"
	"testing"
	"time"

	"github.com/pgmproto/pgm/wire"
)

func boundRecvTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RecvOnly = true
	tr := Create(TSI{GSI: GSI{5, 5, 5, 5, 5, 5}, SPort: 7501}, cfg)
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Destroy(nil, false) })
	return tr
}

func TestDispatchCountsChecksumErrors(t *testing.T) {
	tr := boundRecvTransport(t)

	common := wire.CommonHeader{SPort: 7500, Type: wire.TypeODATA}
	dh := wire.DataHeader{Sqn: 1}
	body := make([]byte, wire.DataHeaderLen)
	dh.Encode(body)
	pkt := framePacket(common, body)
	pkt[len(pkt)-1] ^= 0xFF // corrupt the last data-header byte so the checksum fails

	tr.dispatch(pkt, net.IPv4(10, 0, 0, 1), time.Now())
	if st := tr.Stats(); st.CksumErrors != 1 {
		t.Fatalf("CksumErrors = %d, want 1", st.CksumErrors)
	}
}

func TestDispatchRoutesODATAIntoPeerWindow(t *testing.T) {
	tr := boundRecvTransport(t)

	srcTSI := TSI{GSI: GSI{1, 2, 3, 4, 5, 6}, SPort: 7500}
	common := wire.CommonHeader{SPort: srcTSI.SPort, Type: wire.TypeODATA, TSDULength: 3}
	copy(common.GSI[:], srcTSI.GSI[:])
	dh := wire.DataHeader{Sqn: 42}
	body := make([]byte, wire.DataHeaderLen)
	dh.Encode(body)
	body = append(body, 7, 8, 9)
	pkt := framePacket(common, body)

	tr.dispatch(pkt, net.IPv4(10, 0, 0, 1), time.Now())

	msgs, status, err := tr.RecvMsg(1, true)
	if err != nil || status != StatusNormal {
		t.Fatalf("RecvMsg: status %v err %v", status, err)
	}
	if msgs[0].TSI != srcTSI {
		t.Fatalf("delivered TSI %v, want %v", msgs[0].TSI, srcTSI)
	}
	if !bytesEqual(msgs[0].Fragments[0].Bytes(), []byte{7, 8, 9}) {
		t.Fatalf("payload mismatch: %v", msgs[0].Fragments[0].Bytes())
	}
}

func TestDispatchDropsPacketForUnboundRole(t *testing.T) {
	tr := boundRecvTransport(t) // no source engine

	// An SPMR needs a source engine to answer; a recv-only transport
	// counts it as discarded.
	common := wire.CommonHeader{SPort: 7500, DPort: 7501, Type: wire.TypeSPMR}
	trGSI := tr.TSI().GSI
	copy(common.GSI[:], trGSI[:])
	pkt := framePacket(common, nil)

	tr.dispatch(pkt, net.IPv4(10, 0, 0, 1), time.Now())
	if st := tr.Stats(); st.PacketsDiscarded != 1 {
		t.Fatalf("PacketsDiscarded = %d, want 1", st.PacketsDiscarded)
	}
}
