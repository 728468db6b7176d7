package pgm

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/pgmproto/pgm/pgmsock"
)

type fakePgmSocket struct{}

// ReadFrom reports io.EOF immediately, the same way a closed or
// never-receiving socket would: recvLoop exits on the first read
// error rather than busy-spinning, which matters here since these
// tests never feed it real traffic.
func (fakePgmSocket) ReadFrom(buf []byte) (int, net.Addr, net.IP, int, error) {
	return 0, nil, nil, 0, io.EOF
}
func (fakePgmSocket) WriteTo(buf []byte, dst net.Addr) (int, error) { return len(buf), nil }
func (fakePgmSocket) JoinGroup(net.IP, string) error                { return nil }
func (fakePgmSocket) LeaveGroup(net.IP, string) error               { return nil }
func (fakePgmSocket) SetTOS(int) error                              { return nil }
func (fakePgmSocket) SetMulticastHops(int) error                    { return nil }
func (fakePgmSocket) SetMulticastLoop(bool) error                   { return nil }
func (fakePgmSocket) Close() error                                  { return nil }

var _ pgmsock.Socket = fakePgmSocket{}

func sendOnlyConfig() Config {
	cfg := DefaultConfig()
	cfg.SendOnly = true
	return cfg
}

func TestTransportSendRequiresBind(t *testing.T) {
	tr := Create(TSI{}, DefaultConfig())
	if _, err := tr.Send([]byte("hi"), false); err == nil {
		t.Fatal("expected error sending on an unbound transport")
	}
}

func TestTransportSendAfterBind(t *testing.T) {
	tr := Create(TSI{}, sendOnlyConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	status, err := tr.Send([]byte("hello"), false)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusNormal {
		t.Fatalf("got status %v, want StatusNormal", status)
	}
}

func TestTransportConfigureRefusedAfterBind(t *testing.T) {
	tr := Create(TSI{}, sendOnlyConfig())
	if err := tr.Configure(func(c *Config) { c.MaxTSDU = 512 }); err != nil {
		t.Fatalf("pre-bind Configure should succeed, got %v", err)
	}
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	if err := tr.Configure(func(c *Config) { c.MaxTSDU = 256 }); err == nil {
		t.Fatal("post-bind Configure should be refused")
	}
}

func TestTransportSendOnlyRefusesRecv(t *testing.T) {
	tr := Create(TSI{}, sendOnlyConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	if _, _, err := tr.Recv(true); err == nil {
		t.Fatal("expected error receiving on a send-only transport")
	}
}

func TestTransportRecvOnlyRefusesSend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecvOnly = true
	tr := Create(TSI{}, cfg)
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	if _, err := tr.Send([]byte("x"), false); err == nil {
		t.Fatal("expected error sending on a recv-only transport")
	}
}

func TestTransportRecvWouldBlockWhenEmpty(t *testing.T) {
	tr := Create(TSI{}, DefaultConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	_, status, err := tr.Recv(true)
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusWouldBlock {
		t.Fatalf("got status %v, want StatusWouldBlock", status)
	}
}

func TestTransportRecvEofAfterDestroy(t *testing.T) {
	tr := Create(TSI{}, DefaultConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.Destroy(nil, false); err != nil {
		t.Fatal(err)
	}
	_, status, _ := tr.Recv(true)
	if status != StatusEof {
		t.Fatalf("got status %v, want StatusEof after Destroy", status)
	}
}

func TestTransportDestroyIsIdempotent(t *testing.T) {
	tr := Create(TSI{}, DefaultConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry()
	reg.Register(tr)

	if err := tr.Destroy(reg, false); err != nil {
		t.Fatal(err)
	}
	if err := tr.Destroy(reg, false); err != nil {
		t.Fatal("second Destroy should be a no-op, not an error")
	}
	if _, ok := reg.Lookup(tr.TSI()); ok {
		t.Fatal("transport should be unregistered after Destroy")
	}
}

func TestTransportPollInfoReturnsFutureDeadline(t *testing.T) {
	tr := Create(TSI{}, DefaultConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)
	now := time.Now()
	next := tr.PollInfo(now)
	if next.Before(now) {
		t.Fatal("PollInfo should never return a deadline in the past")
	}
}

func TestTransportSendvEachElementOwnAPDU(t *testing.T) {
	tr := Create(TSI{}, sendOnlyConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)

	status, err := tr.Sendv([][]byte{[]byte("one"), []byte("two")}, false, false)
	if err != nil || status != StatusNormal {
		t.Fatalf("Sendv: status %v, err %v", status, err)
	}
	// two APDUs -> two window entries, sqns 0 and 1
	if _, ok := tr.txw.Peek(0); !ok {
		t.Fatal("expected first APDU at sqn 0")
	}
	if _, ok := tr.txw.Peek(1); !ok {
		t.Fatal("expected second APDU at sqn 1")
	}
}

func TestTransportSendSKBVOneAPDUSetsFragmentFields(t *testing.T) {
	tr := Create(TSI{}, sendOnlyConfig())
	if err := tr.Bind(fakePgmSocket{}, nil); err != nil {
		t.Fatal(err)
	}
	defer tr.Destroy(nil, false)

	a := NewSKB(4)
	copy(a.Bytes(), []byte("aaaa"))
	b := NewSKB(4)
	copy(b.Bytes(), []byte("bbbb"))

	status, err := tr.SendSKBV([]*SKB{a, b}, true, false)
	if err != nil || status != StatusNormal {
		t.Fatalf("SendSKBV: status %v, err %v", status, err)
	}
	if a.FirstSqn != 0 || b.FirstSqn != 0 {
		t.Fatalf("fragments should share FirstSqn 0, got %d/%d", a.FirstSqn, b.FirstSqn)
	}
	if b.FragOff != 4 || b.FragLen != 8 {
		t.Fatalf("second fragment should carry off=4 len=8, got off=%d len=%d", b.FragOff, b.FragLen)
	}
}

func TestRegistryRejectsDuplicateTSI(t *testing.T) {
	reg := NewRegistry()
	tsi := TSI{GSI: GSI{9, 9, 9, 9, 9, 9}, SPort: 1}
	a := Create(tsi, DefaultConfig())
	b := Create(tsi, DefaultConfig())

	if !reg.Register(a) {
		t.Fatal("expected first registration to succeed")
	}
	if reg.Register(b) {
		t.Fatal("expected second registration with the same TSI to fail")
	}
}
