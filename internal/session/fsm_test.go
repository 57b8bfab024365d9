package session

import (
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/bgpproto"
)

type fakeRIB struct {
	upCalls   int
	downCalls int
	updates   []*bgpproto.Update
}

func (r *fakeRIB) PeerUp(id PeerID, localAS, remoteAS uint32, remoteAddr netip.Addr, routerID netip.Addr, sink PeerSink) {
	r.upCalls++
}
func (r *fakeRIB) PeerDown(id PeerID)                           { r.downCalls++ }
func (r *fakeRIB) UpdateReceived(id PeerID, u *bgpproto.Update) { r.updates = append(r.updates, u) }

type fakeMetrics struct{}

func (fakeMetrics) StateTransition(peer string, from, to State)        {}
func (fakeMetrics) MessageSent(peer string, msgType uint8)             {}
func (fakeMetrics) MessageReceived(peer string, msgType uint8)         {}
func (fakeMetrics) NotificationSent(peer string, code, subcode uint8) {}

func newTestFSM(t *testing.T) (*FSM, *fakeRIB, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	cfg := Config{
		LocalAS:          65001,
		LocalID:          netip.MustParseAddr("192.0.2.1"),
		RemoteAS:         65002,
		RemoteAddr:       netip.MustParseAddr("192.0.2.2"),
		Port:             1179,
		HoldTime:         90 * time.Second,
		ConnectRetryTime: 30 * time.Second,
	}
	rib := &fakeRIB{}
	f := NewFSM("peer1", cfg, zap.NewNop(), rib, fakeMetrics{})
	f.dial = func(addr string, port uint16, timeout time.Duration) (net.Conn, error) {
		return client, nil
	}
	t.Cleanup(func() { _ = server.Close() })
	return f, rib, server
}

func readMessage(t *testing.T, conn net.Conn) (bgpproto.Header, []byte) {
	t.Helper()
	hdrBuf := make([]byte, bgpproto.HeaderLen)
	if _, err := io.ReadFull(conn, hdrBuf); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr, err := bgpproto.DecodeHeader(hdrBuf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	body := make([]byte, int(hdr.Length)-bgpproto.HeaderLen)
	if len(body) > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return hdr, body
}

// TestFSM_HappyPath drives a full Idle -> Connect -> OpenSent ->
// OpenConfirm -> Established sequence over a net.Pipe, acting as the
// remote peer on the server side (scenario S3 in spirit).
func TestFSM_HappyPath(t *testing.T) {
	f, rib, server := newTestFSM(t)
	go f.Run()
	t.Cleanup(func() { _ = server.Close() })

	f.Start()

	hdr, body := readMessage(t, server)
	if hdr.Type != bgpproto.MsgTypeOpen {
		t.Fatalf("expected OPEN, got type %d", hdr.Type)
	}
	gotOpen, err := bgpproto.DecodeOpen(body)
	if err != nil {
		t.Fatalf("decode open: %v", err)
	}
	if gotOpen.MyAS != 65001 {
		t.Fatalf("MyAS = %d", gotOpen.MyAS)
	}

	remoteOpen := &bgpproto.Open{
		Version:    bgpproto.Version4,
		MyAS:       65002,
		HoldTime:   90,
		Identifier: netip.MustParseAddr("192.0.2.2"),
	}
	if _, err := server.Write(bgpproto.EncodeOpen(remoteOpen)); err != nil {
		t.Fatalf("write open: %v", err)
	}

	hdr, _ = readMessage(t, server)
	if hdr.Type != bgpproto.MsgTypeKeepalive {
		t.Fatalf("expected KEEPALIVE after OPEN, got type %d", hdr.Type)
	}

	if _, err := server.Write(bgpproto.EncodeKeepalive()); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}

	waitForState(t, f, Established)
	if rib.upCalls != 1 {
		t.Fatalf("PeerUp calls = %d, want 1", rib.upCalls)
	}

	origin := bgpproto.OriginIGP
	update := &bgpproto.Update{
		Attrs: &bgpproto.PathAttrs{
			Origin:  &origin,
			ASPath:  []bgpproto.ASSegment{{Type: bgpproto.ASPathSequence, ASNs: []uint32{65002}}},
			NextHop: netip.MustParseAddr("192.0.2.2"),
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
	}
	if _, err := server.Write(bgpproto.EncodeUpdate(update)); err != nil {
		t.Fatalf("write update: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rib.updates) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(rib.updates) != 1 {
		t.Fatalf("updates received = %d, want 1", len(rib.updates))
	}
	if len(rib.updates[0].NLRI) != 1 {
		t.Fatalf("NLRI count = %d", len(rib.updates[0].NLRI))
	}

	stopped := make(chan struct{})
	go func() {
		f.Stop()
		close(stopped)
	}()
	hdr, _ = readMessage(t, server)
	if hdr.Type != bgpproto.MsgTypeNotification {
		t.Fatalf("expected CEASE notification on Stop, got type %d", hdr.Type)
	}
	<-stopped
	if rib.downCalls != 1 {
		t.Fatalf("PeerDown calls = %d, want 1", rib.downCalls)
	}
}

func waitForState(t *testing.T, f *FSM, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, f.State())
}
