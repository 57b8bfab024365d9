package kernelmon

import (
	"bufio"
	"bytes"
	"net/netip"
	"testing"
)

// TestRecordRoundTrip matches spec §4.6's fixed 5-field wire record.
func TestRecordRoundTrip(t *testing.T) {
	rec := Record{
		Cmd:      CmdAddRoute,
		Mask:     24,
		Dst:      netip.MustParseAddr("203.0.113.0"),
		NextHop:  netip.MustParseAddr("192.0.2.1"),
		Priority: 100,
	}
	wire := EncodeRecord(rec)

	buf := bufio.NewReader(bytes.NewReader(wire))
	cmd, got, _, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if cmd != CmdAddRoute {
		t.Fatalf("cmd = %d", cmd)
	}
	if got.Mask != rec.Mask || got.Dst != rec.Dst || got.NextHop != rec.NextHop || got.Priority != rec.Priority {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestRecordRoundTrip_NonByteAlignedMask(t *testing.T) {
	rec := Record{
		Cmd:     CmdDelRoute,
		Mask:    23,
		Dst:     netip.MustParseAddr("10.20.22.0"),
		NextHop: netip.IPv4Unspecified(),
	}
	wire := EncodeRecord(rec)
	// mask=23 -> 3 dst bytes + 2(cmd,mask) + 4(gw) + 4(prio) = 13
	if len(wire) != 13 {
		t.Fatalf("wire length = %d, want 13", len(wire))
	}

	buf := bufio.NewReader(bytes.NewReader(wire))
	_, got, _, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Dst != rec.Dst {
		t.Fatalf("dst = %v, want %v", got.Dst, rec.Dst)
	}
}

func TestErrFrameRoundTrip(t *testing.T) {
	wire := EncodeErrFrame(ErrFrame{Message: "netlink: permission denied"})
	buf := bufio.NewReader(bytes.NewReader(wire))
	cmd, _, msg, err := ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if cmd != CmdErr {
		t.Fatalf("cmd = %d, want CmdErr", cmd)
	}
	if msg != "netlink: permission denied" {
		t.Fatalf("msg = %q", msg)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeRecord(Record{Cmd: CmdAddRoute, Mask: 32, Dst: netip.MustParseAddr("198.51.100.1"), NextHop: netip.MustParseAddr("192.0.2.1"), Priority: 1})...)
	stream = append(stream, EncodeErrFrame(ErrFrame{Message: "busy"})...)
	stream = append(stream, EncodeRecord(Record{Cmd: CmdDelRoute, Mask: 32, Dst: netip.MustParseAddr("198.51.100.1")})...)

	buf := bufio.NewReader(bytes.NewReader(stream))
	cmd1, _, _, err := ReadFrame(buf)
	if err != nil || cmd1 != CmdAddRoute {
		t.Fatalf("frame 1: cmd=%d err=%v", cmd1, err)
	}
	cmd2, _, msg2, err := ReadFrame(buf)
	if err != nil || cmd2 != CmdErr || msg2 != "busy" {
		t.Fatalf("frame 2: cmd=%d msg=%q err=%v", cmd2, msg2, err)
	}
	cmd3, rec3, _, err := ReadFrame(buf)
	if err != nil || cmd3 != CmdDelRoute || rec3.Mask != 32 {
		t.Fatalf("frame 3: cmd=%d err=%v", cmd3, err)
	}
}
