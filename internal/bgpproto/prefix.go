package bgpproto

import (
	"fmt"
	"net/netip"
)

// DecodePrefixes decodes a run of NLRI/withdrawn-routes prefixes: each entry
// is a 1-byte prefix length in bits followed by ceil(length/8) address
// bytes, zero-padded to the next byte boundary on encode. Only IPv4 unicast
// is in scope; callers hand this the raw NLRI/withdrawn-routes field.
func DecodePrefixes(data []byte) ([]netip.Prefix, error) {
	var out []netip.Prefix
	offset := 0
	for offset < len(data) {
		prefixLen := int(data[offset])
		offset++
		if prefixLen > 32 {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeInvalidNetworkField, nil)
		}
		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
		}
		var addrBytes [4]byte
		copy(addrBytes[:], data[offset:offset+byteLen])
		offset += byteLen

		addr := netip.AddrFrom4(addrBytes)
		p, err := addr.Prefix(prefixLen)
		if err != nil {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeInvalidNetworkField, nil)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// EncodePrefixes is the inverse of DecodePrefixes.
func EncodePrefixes(prefixes []netip.Prefix) []byte {
	var buf []byte
	for _, p := range prefixes {
		p = p.Masked()
		bits := p.Bits()
		buf = append(buf, byte(bits))
		addr := p.Addr().As4()
		byteLen := (bits + 7) / 8
		buf = append(buf, addr[:byteLen]...)
	}
	return buf
}

// prefixesWireLen returns the encoded byte length of a prefix run without
// materializing it. Nothing in this package calls it.
func prefixesWireLen(data []byte) (int, error) {
	total := 0
	offset := 0
	for offset < len(data) {
		prefixLen := int(data[offset])
		if prefixLen > 32 {
			return 0, fmt.Errorf("bgpproto: prefix length %d exceeds 32", prefixLen)
		}
		byteLen := (prefixLen + 7) / 8
		advance := 1 + byteLen
		if offset+advance > len(data) {
			return 0, fmt.Errorf("bgpproto: prefix run truncated")
		}
		offset += advance
		total += advance
	}
	return total, nil
}
