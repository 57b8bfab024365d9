package bgpproto

import (
	"encoding/binary"
	"net/netip"
)

const Version4 uint8 = 4

// OptParamAuthentication is the deprecated RFC 4271 Optional Parameter
// type for Authentication Information; a peer sending one is rejected
// (see the Open Question decision recorded in DESIGN.md).
const OptParamAuthentication uint8 = 1

// OptParam is a single TLV entry in the OPEN message's Optional
// Parameters field. This speaker does not originate any optional
// parameters; received non-authentication ones are accepted without
// being examined and are not echoed back.
type OptParam struct {
	Type  uint8
	Value []byte
}

// Open is the decoded body of a BGP OPEN message.
type Open struct {
	Version     uint8
	MyAS        uint16 // 2-octet AS field; 4-octet ASNs are out of scope (Non-goal)
	HoldTime    uint16
	Identifier  netip.Addr
	OptParams   []OptParam
}

// DecodeOpen parses the body of an OPEN message (everything after the
// 19-byte header).
func DecodeOpen(body []byte) (*Open, error) {
	if len(body) < 10 {
		return nil, newNotify(ErrCodeOpenMessage, 0, nil)
	}
	o := &Open{
		Version:    body[0],
		MyAS:       binary.BigEndian.Uint16(body[1:3]),
		HoldTime:   binary.BigEndian.Uint16(body[3:5]),
		Identifier: netip.AddrFrom4([4]byte(body[5:9])),
	}
	optLen := int(body[9])
	offset := 10
	if offset+optLen > len(body) {
		return nil, newNotify(ErrCodeMessageHeader, SubcodeBadMessageLength, nil)
	}
	data := body[offset : offset+optLen]
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return nil, newNotify(ErrCodeOpenMessage, SubcodeUnsupportedOptParam, nil)
		}
		typ := data[off]
		plen := int(data[off+1])
		off += 2
		if off+plen > len(data) {
			return nil, newNotify(ErrCodeOpenMessage, SubcodeUnsupportedOptParam, nil)
		}
		o.OptParams = append(o.OptParams, OptParam{Type: typ, Value: append([]byte(nil), data[off:off+plen]...)})
		off += plen
	}
	return o, nil
}

// EncodeOpen serializes an Open into a full message (header included).
func EncodeOpen(o *Open) []byte {
	var opt []byte
	for _, p := range o.OptParams {
		opt = append(opt, p.Type, byte(len(p.Value)))
		opt = append(opt, p.Value...)
	}
	body := make([]byte, 10, 10+len(opt))
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.MyAS)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	id := o.Identifier.As4()
	copy(body[5:9], id[:])
	body[9] = byte(len(opt))
	body = append(body, opt...)

	return append(EncodeHeader(len(body), MsgTypeOpen), body...)
}
