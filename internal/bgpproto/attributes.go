package bgpproto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Path attribute type codes (RFC 4271 §5).
const (
	AttrOrigin         uint8 = 1
	AttrASPath         uint8 = 2
	AttrNextHop        uint8 = 3
	AttrMED            uint8 = 4
	AttrLocalPref      uint8 = 5
	AttrAtomicAggregate uint8 = 6
	AttrAggregator     uint8 = 7
)

// Attribute flag bits (RFC 4271 §4.3).
const (
	FlagOptional   uint8 = 0x80
	FlagTransitive uint8 = 0x40
	FlagPartial    uint8 = 0x20
	FlagExtLength  uint8 = 0x10
)

// Well-known attribute flag bytes used when encoding.
const (
	flagsWellKnownMandatory = FlagTransitive           // 0x40
	flagsOptionalTransitive = FlagOptional | FlagTransitive // 0xC0
)

// attrFlagSpec is the required (Optional, Transitive) pair for a recognized
// attribute type code (RFC 4271 §5, the per-attribute table); any other
// combination of those two bits on the wire is an ATTR_FLAGS error.
type attrFlagSpec struct {
	optional   bool
	transitive bool
}

var attrFlagTable = map[uint8]attrFlagSpec{
	AttrOrigin:          {optional: false, transitive: true},
	AttrASPath:          {optional: false, transitive: true},
	AttrNextHop:         {optional: false, transitive: true},
	AttrMED:             {optional: true, transitive: false},
	AttrLocalPref:       {optional: false, transitive: true},
	AttrAtomicAggregate: {optional: false, transitive: true},
	AttrAggregator:      {optional: true, transitive: true},
}

// checkAttrFlags validates flags against the required table entry for
// typeCode, returning an ATTR_FLAGS notification on mismatch.
func checkAttrFlags(flags, typeCode uint8, attrLen int) error {
	spec, ok := attrFlagTable[typeCode]
	if !ok {
		return nil
	}
	if flags&FlagOptional != 0 != spec.optional || flags&FlagTransitive != 0 != spec.transitive {
		return newNotify(ErrCodeUpdateMessage, SubcodeAttrFlagsError, attrLenData(flags, typeCode, attrLen))
	}
	return nil
}

// Origin values (RFC 4271 §5.1.1).
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// AS_PATH segment types (RFC 4271 §4.3).
const (
	ASPathSet      uint8 = 1
	ASPathSequence uint8 = 2
)

// ASSegment is one AS_PATH segment.
type ASSegment struct {
	Type uint8
	ASNs []uint32
}

// Aggregator carries the AGGREGATOR attribute's (AS, router-id) pair.
type Aggregator struct {
	ASN      uint32
	Addr     netip.Addr
}

// unknownAttr preserves an attribute this speaker does not interpret so it
// can be re-encoded unchanged when the route is propagated (RFC 4271 §5:
// unrecognized transitive attributes are passed through with Partial set).
type unknownAttr struct {
	flags   uint8
	typeCode uint8
	data    []byte
}

// PathAttrs is the structured, bit-exact representation of a BGP UPDATE's
// path attribute set. Exactly one instance of each recognized attribute may
// be present (RFC 4271 §5: "attribute type code duplication is illegal").
type PathAttrs struct {
	Origin          *uint8
	ASPath          []ASSegment
	NextHop         netip.Addr
	MED             *uint32
	LocalPref       *uint32
	AtomicAggregate bool
	Aggregator      *Aggregator

	unknown []unknownAttr
}

// DecodePathAttrs parses the path-attribute section of an UPDATE message.
// It enforces the no-duplicate-type-code rule and returns a malformed
// ATTR_LIST notification when attribute framing itself is inconsistent.
// It also checks the required flags (ATTR_FLAGS) and the length
// (ATTR_LENGTH) of each recognized attribute and rejects unrecognized
// well-known attributes; semantic content and the presence of mandatory
// attributes are checked separately by ValidateAttrs.
func DecodePathAttrs(data []byte) (*PathAttrs, error) {
	attrs := &PathAttrs{}
	seen := make(map[uint8]bool)

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
		}
		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&FlagExtLength != 0 {
			if offset+2 > len(data) {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
			}
			attrLen = int(data[offset])
			offset++
		}
		if offset+attrLen > len(data) {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
		}
		body := data[offset : offset+attrLen]
		offset += attrLen

		if seen[typeCode] {
			return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
		}
		seen[typeCode] = true

		if err := checkAttrFlags(flags, typeCode, attrLen); err != nil {
			return nil, err
		}

		switch typeCode {
		case AttrOrigin:
			if len(body) != 1 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			v := body[0]
			attrs.Origin = &v
		case AttrASPath:
			segs, err := decodeASPath(body)
			if err != nil {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedASPath, nil)
			}
			attrs.ASPath = segs
		case AttrNextHop:
			if len(body) != 4 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			attrs.NextHop = netip.AddrFrom4([4]byte(body))
		case AttrMED:
			if len(body) != 4 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			v := binary.BigEndian.Uint32(body)
			attrs.MED = &v
		case AttrLocalPref:
			if len(body) != 4 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			v := binary.BigEndian.Uint32(body)
			attrs.LocalPref = &v
		case AttrAtomicAggregate:
			if len(body) != 0 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			attrs.AtomicAggregate = true
		case AttrAggregator:
			if len(body) != 6 && len(body) != 8 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeAttrLengthError, attrLenData(flags, typeCode, attrLen))
			}
			attrs.Aggregator = decodeAggregator(body)
		default:
			// Unknown attribute with optional=0 is a well-known attribute
			// this speaker doesn't recognize: reject outright. Unknown
			// optional attributes are kept verbatim for pass-through, with
			// Partial set if transitive, per RFC 4271 §5.
			if flags&FlagOptional == 0 {
				return nil, newNotify(ErrCodeUpdateMessage, SubcodeUnrecognizedWellKnown, attrLenData(flags, typeCode, attrLen))
			}
			storedFlags := flags
			if flags&FlagTransitive != 0 {
				storedFlags |= FlagPartial
			}
			attrs.unknown = append(attrs.unknown, unknownAttr{flags: storedFlags, typeCode: typeCode, data: append([]byte(nil), body...)})
		}
	}

	return attrs, nil
}

func attrLenData(flags, typeCode uint8, attrLen int) []byte {
	// Minimal diagnostic payload: flags + type + the offending length byte.
	if attrLen > 255 {
		attrLen = 255
	}
	return []byte{flags, typeCode, byte(attrLen)}
}

func decodeASPath(data []byte) ([]ASSegment, error) {
	var segs []ASSegment
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("bgpproto: AS_PATH segment header truncated")
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2
		if segType != ASPathSet && segType != ASPathSequence {
			return nil, fmt.Errorf("bgpproto: unknown AS_PATH segment type %d", segType)
		}
		need := segLen * 2
		if offset+need > len(data) {
			return nil, fmt.Errorf("bgpproto: AS_PATH segment truncated")
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			asns[i] = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		}
		segs = append(segs, ASSegment{Type: segType, ASNs: asns})
	}
	return segs, nil
}

func decodeAggregator(data []byte) *Aggregator {
	if len(data) == 6 {
		asn := uint32(binary.BigEndian.Uint16(data[0:2]))
		addr := netip.AddrFrom4([4]byte(data[2:6]))
		return &Aggregator{ASN: asn, Addr: addr}
	}
	asn := binary.BigEndian.Uint32(data[0:4])
	addr := netip.AddrFrom4([4]byte(data[4:8]))
	return &Aggregator{ASN: asn, Addr: addr}
}

// EncodePathAttrs serializes PathAttrs back into wire form. Attributes are
// emitted in a fixed, deterministic order (ORIGIN, AS_PATH, NEXT_HOP, MED,
// LOCAL_PREF, ATOMIC_AGGREGATE, AGGREGATOR, then pass-through unknowns) so
// that round-tripping a decoded message is byte-stable modulo attribute
// ordering, which RFC 4271 leaves unspecified.
func EncodePathAttrs(a *PathAttrs) []byte {
	var buf []byte

	if a.Origin != nil {
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrOrigin, []byte{*a.Origin})...)
	}
	if a.ASPath != nil {
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrASPath, encodeASPath(a.ASPath))...)
	} else {
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrASPath, nil)...)
	}
	if a.NextHop.IsValid() {
		nh := a.NextHop.As4()
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrNextHop, nh[:])...)
	}
	if a.MED != nil {
		medBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(medBuf, *a.MED)
		buf = append(buf, encodeAttr(FlagOptional, AttrMED, medBuf)...)
	}
	if a.LocalPref != nil {
		lpBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lpBuf, *a.LocalPref)
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrLocalPref, lpBuf)...)
	}
	if a.AtomicAggregate {
		buf = append(buf, encodeAttr(flagsWellKnownMandatory, AttrAtomicAggregate, nil)...)
	}
	if a.Aggregator != nil {
		ag := a.Aggregator
		var body []byte
		if ag.ASN <= 0xFFFF {
			body = make([]byte, 6)
			binary.BigEndian.PutUint16(body[0:2], uint16(ag.ASN))
			addr4 := ag.Addr.As4()
			copy(body[2:6], addr4[:])
		} else {
			body = make([]byte, 8)
			binary.BigEndian.PutUint32(body[0:4], ag.ASN)
			addr4 := ag.Addr.As4()
			copy(body[4:8], addr4[:])
		}
		buf = append(buf, encodeAttr(flagsOptionalTransitive, AttrAggregator, body)...)
	}
	for _, u := range a.unknown {
		buf = append(buf, encodeAttr(u.flags, u.typeCode, u.data)...)
	}

	return buf
}

func encodeAttr(flags, typeCode uint8, body []byte) []byte {
	if len(body) > 255 {
		flags |= FlagExtLength
	}
	out := []byte{flags, typeCode}
	if flags&FlagExtLength != 0 {
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(body)))
		out = append(out, lenBuf...)
	} else {
		out = append(out, byte(len(body)))
	}
	return append(out, body...)
}

func encodeASPath(segs []ASSegment) []byte {
	var buf []byte
	for _, s := range segs {
		buf = append(buf, s.Type, byte(len(s.ASNs)))
		for _, asn := range s.ASNs {
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, uint16(asn))
			buf = append(buf, b...)
		}
	}
	return buf
}

// PrependASN prepends asn to the AS_PATH as required when announcing a
// route to an eBGP peer: if the first segment is an AS_SEQUENCE, asn is
// prepended to it; otherwise a new single-ASN AS_SEQUENCE segment is
// inserted at the front (RFC 4271 §5.1.2).
func PrependASN(segs []ASSegment, asn uint32) []ASSegment {
	if len(segs) > 0 && segs[0].Type == ASPathSequence {
		out := make([]ASSegment, len(segs))
		copy(out, segs)
		out[0] = ASSegment{Type: ASPathSequence, ASNs: append([]uint32{asn}, segs[0].ASNs...)}
		return out
	}
	return append([]ASSegment{{Type: ASPathSequence, ASNs: []uint32{asn}}}, segs...)
}

// PathLength returns the AS_PATH length used by the decision process:
// each ASN in a SEQUENCE counts once, an entire SET counts once
// regardless of its member count (RFC 4271 §9.1.2.2 (b)).
func PathLength(segs []ASSegment) int {
	n := 0
	for _, s := range segs {
		if s.Type == ASPathSequence {
			n += len(s.ASNs)
		} else {
			n++
		}
	}
	return n
}

// FirstASN returns the first ASN that would be seen by a neighbor looking
// at the AS_PATH from the front (used for the MED same-neighboring-AS
// tie-break rule), or 0 if the path is empty.
func FirstASN(segs []ASSegment) uint32 {
	if len(segs) == 0 || len(segs[0].ASNs) == 0 {
		return 0
	}
	return segs[0].ASNs[0]
}

// ContainsASN reports whether asn appears anywhere in the AS_PATH, used
// for loop detection on eBGP-learned routes.
func ContainsASN(segs []ASSegment, asn uint32) bool {
	for _, s := range segs {
		for _, a := range s.ASNs {
			if a == asn {
				return true
			}
		}
	}
	return false
}
