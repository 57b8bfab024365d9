package bgpproto

import (
	"net/netip"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	hdr := EncodeHeader(0, MsgTypeKeepalive)
	got, err := DecodeHeader(hdr)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.Length != HeaderLen || got.Type != MsgTypeKeepalive {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeHeaderBadMarker(t *testing.T) {
	hdr := EncodeHeader(0, MsgTypeKeepalive)
	hdr[0] = 0x00
	_, err := DecodeHeader(hdr)
	ne, ok := err.(*NotificationError)
	if !ok {
		t.Fatalf("expected NotificationError, got %v", err)
	}
	if ne.Code != ErrCodeMessageHeader || ne.Subcode != SubcodeConnNotSynchronized {
		t.Fatalf("got %d/%d", ne.Code, ne.Subcode)
	}
}

// TestOpenRoundTrip matches scenario S1 from the spec: a basic OPEN
// message encodes and decodes to identical fields.
func TestOpenRoundTrip(t *testing.T) {
	o := &Open{
		Version:    Version4,
		MyAS:       65001,
		HoldTime:   90,
		Identifier: netip.MustParseAddr("192.0.2.1"),
	}
	wire := EncodeOpen(o)
	hdr, err := DecodeHeader(wire[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Type != MsgTypeOpen {
		t.Fatalf("type = %d", hdr.Type)
	}
	got, err := DecodeOpen(wire[HeaderLen:])
	if err != nil {
		t.Fatalf("DecodeOpen: %v", err)
	}
	if got.Version != o.Version || got.MyAS != o.MyAS || got.HoldTime != o.HoldTime || got.Identifier != o.Identifier {
		t.Fatalf("got %+v, want %+v", got, o)
	}
}

func TestValidateOpenRejectsAuthParam(t *testing.T) {
	o := &Open{Version: Version4, MyAS: 65001, HoldTime: 90, Identifier: netip.MustParseAddr("192.0.2.1")}
	o.OptParams = []OptParam{{Type: OptParamAuthentication, Value: []byte{1, 2, 3}}}
	err := ValidateOpen(o, 65001)
	ne, ok := err.(*NotificationError)
	if !ok || ne.Code != ErrCodeOpenMessage || ne.Subcode != SubcodeUnsupportedOptParam {
		t.Fatalf("expected OPT_PARAM rejection, got %v", err)
	}
}

func TestValidateOpenAcceptsUnknownNonAuthParam(t *testing.T) {
	o := &Open{Version: Version4, MyAS: 65001, HoldTime: 90, Identifier: netip.MustParseAddr("192.0.2.1")}
	o.OptParams = []OptParam{{Type: 2, Value: []byte{0x01, 0x04}}} // capabilities, type 2
	if err := ValidateOpen(o, 65001); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
}

func TestValidateOpenBadHoldTime(t *testing.T) {
	o := &Open{Version: Version4, MyAS: 65001, HoldTime: 1, Identifier: netip.MustParseAddr("192.0.2.1")}
	err := ValidateOpen(o, 65001)
	ne, ok := err.(*NotificationError)
	if !ok || ne.Subcode != SubcodeUnacceptableHoldTime {
		t.Fatalf("got %v", err)
	}
}

// TestPrefixCodec matches scenario S6: a handful of IPv4 prefixes with
// varying mask lengths, including non-byte-aligned ones.
func TestPrefixCodec(t *testing.T) {
	in := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.0/24"),
		netip.MustParsePrefix("172.16.5.0/23"),
		netip.MustParsePrefix("203.0.113.128/26"),
		netip.MustParsePrefix("0.0.0.0/0"),
	}
	wire := EncodePrefixes(in)
	out, err := DecodePrefixes(wire)
	if err != nil {
		t.Fatalf("DecodePrefixes: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d prefixes, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("prefix[%d] = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestPrefixCodecRejectsOverlongMask(t *testing.T) {
	_, err := DecodePrefixes([]byte{33, 1, 2, 3, 4, 5})
	if err == nil {
		t.Fatal("expected error for mask length > 32")
	}
}

// TestUpdateRoundTrip builds an UPDATE announcing one prefix with a full
// attribute set and checks it decodes back to the same structure.
func TestUpdateRoundTrip(t *testing.T) {
	origin := OriginIGP
	med := uint32(100)
	u := &Update{
		Attrs: &PathAttrs{
			Origin:  &origin,
			ASPath:  []ASSegment{{Type: ASPathSequence, ASNs: []uint32{65002, 65003}}},
			NextHop: netip.MustParseAddr("192.0.2.1"),
			MED:     &med,
		},
		NLRI: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
	}
	wire := EncodeUpdate(u)
	hdr, err := DecodeHeader(wire[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	got, err := DecodeUpdate(wire[HeaderLen:], hdr.Length)
	if err != nil {
		t.Fatalf("DecodeUpdate: %v", err)
	}
	if len(got.NLRI) != 1 || got.NLRI[0] != u.NLRI[0] {
		t.Fatalf("NLRI mismatch: %+v", got.NLRI)
	}
	if got.Attrs.Origin == nil || *got.Attrs.Origin != origin {
		t.Fatalf("origin mismatch")
	}
	if PathLength(got.Attrs.ASPath) != 2 {
		t.Fatalf("AS_PATH length = %d, want 2", PathLength(got.Attrs.ASPath))
	}
	if got.Attrs.NextHop != u.Attrs.NextHop {
		t.Fatalf("next-hop mismatch")
	}
	if got.Attrs.MED == nil || *got.Attrs.MED != med {
		t.Fatalf("MED mismatch")
	}
}

func TestUpdateRejectsLengthMismatch(t *testing.T) {
	u := &Update{NLRI: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}, Attrs: &PathAttrs{}}
	wire := EncodeUpdate(u)
	hdr, _ := DecodeHeader(wire[:HeaderLen])
	// Corrupt the declared length so it no longer matches the body.
	_, err := DecodeUpdate(wire[HeaderLen:], hdr.Length+1)
	if err == nil {
		t.Fatal("expected ATTR_LIST error on length mismatch")
	}
	ne, ok := err.(*NotificationError)
	if !ok || ne.Code != ErrCodeUpdateMessage || ne.Subcode != SubcodeMalformedAttrList {
		t.Fatalf("got %v", err)
	}
}

// TestASPathLoopDetection matches scenario S4: a route whose AS_PATH
// already contains the local AS is rejected when learned over eBGP.
func TestASPathLoopDetection(t *testing.T) {
	origin := OriginIGP
	attrs := &PathAttrs{
		Origin:  &origin,
		ASPath:  []ASSegment{{Type: ASPathSequence, ASNs: []uint32{65010, 65020, 65099}}},
		NextHop: netip.MustParseAddr("192.0.2.1"),
	}
	err := ValidateAttrs(attrs, true, 65099, true)
	ne, ok := err.(*NotificationError)
	if !ok || ne.Code != ErrCodeUpdateMessage || ne.Subcode != SubcodeMalformedASPath {
		t.Fatalf("expected AS_PATH loop rejection, got %v", err)
	}
}

func TestASPathLoopDetectionIgnoredOnIBGP(t *testing.T) {
	origin := OriginIGP
	attrs := &PathAttrs{
		Origin:  &origin,
		ASPath:  []ASSegment{{Type: ASPathSequence, ASNs: []uint32{65099}}},
		NextHop: netip.MustParseAddr("192.0.2.1"),
	}
	if err := ValidateAttrs(attrs, true, 65099, false); err != nil {
		t.Fatalf("iBGP should not loop-check AS_PATH: %v", err)
	}
}

func TestPrependASN(t *testing.T) {
	segs := []ASSegment{{Type: ASPathSequence, ASNs: []uint32{65002}}}
	got := PrependASN(segs, 65001)
	if len(got) != 1 || got[0].ASNs[0] != 65001 || got[0].ASNs[1] != 65002 {
		t.Fatalf("got %+v", got)
	}
	// Original must be untouched.
	if segs[0].ASNs[0] != 65002 {
		t.Fatal("PrependASN mutated its input")
	}
}

func TestValidateAttrsMissingNextHop(t *testing.T) {
	origin := OriginIGP
	attrs := &PathAttrs{Origin: &origin, ASPath: []ASSegment{{Type: ASPathSequence, ASNs: []uint32{65002}}}}
	err := ValidateAttrs(attrs, true, 65001, true)
	ne, ok := err.(*NotificationError)
	if !ok || ne.Subcode != SubcodeMissingWellKnown {
		t.Fatalf("got %v", err)
	}
}
