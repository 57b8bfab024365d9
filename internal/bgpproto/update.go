package bgpproto

import (
	"encoding/binary"
	"net/netip"
)

// Update is the decoded body of a BGP UPDATE message. A single UPDATE
// carries either withdrawals, a single NLRI set sharing one attribute
// set, or both (RFC 4271 §4.3); this speaker never mixes two distinct
// NLRI/attribute pairs in one message when originating UPDATEs.
type Update struct {
	WithdrawnRoutes []netip.Prefix
	Attrs           *PathAttrs
	NLRI            []netip.Prefix
}

// DecodeUpdate parses the body of an UPDATE message (everything after the
// 19-byte header). msgLen is the Header.Length value, used to cross-check
// the withdrawn/attribute/NLRI field lengths sum to the declared message
// size exactly (Open Question 2 in DESIGN.md).
func DecodeUpdate(body []byte, msgLen uint16) (*Update, error) {
	if len(body) < 4 {
		return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
	}
	offset := 0

	withdrawnLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(body) {
		return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
	}
	withdrawnData := body[offset : offset+withdrawnLen]
	offset += withdrawnLen

	if offset+2 > len(body) {
		return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
	}
	attrsLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+attrsLen > len(body) {
		return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
	}
	attrsData := body[offset : offset+attrsLen]
	offset += attrsLen

	nlriData := body[offset:]

	// Cross-check: HeaderLen + 2 + withdrawnLen + 2 + attrsLen + len(nlriData)
	// must equal msgLen exactly. Open Question 2: any mismatch is rejected
	// as a malformed attribute list, not silently tolerated.
	computed := HeaderLen + 2 + withdrawnLen + 2 + attrsLen + len(nlriData)
	if computed != int(msgLen) {
		return nil, newNotify(ErrCodeUpdateMessage, SubcodeMalformedAttrList, nil)
	}

	withdrawn, err := DecodePrefixes(withdrawnData)
	if err != nil {
		return nil, err
	}

	var attrs *PathAttrs
	if attrsLen > 0 || len(nlriData) > 0 {
		attrs, err = DecodePathAttrs(attrsData)
		if err != nil {
			return nil, err
		}
	}

	nlri, err := DecodePrefixes(nlriData)
	if err != nil {
		return nil, err
	}

	return &Update{WithdrawnRoutes: withdrawn, Attrs: attrs, NLRI: nlri}, nil
}

// EncodeUpdate serializes an Update into a full message (header included).
func EncodeUpdate(u *Update) []byte {
	withdrawn := EncodePrefixes(u.WithdrawnRoutes)

	var attrsBuf []byte
	if u.Attrs != nil {
		attrsBuf = EncodePathAttrs(u.Attrs)
	}

	nlri := EncodePrefixes(u.NLRI)

	body := make([]byte, 0, 4+len(withdrawn)+len(attrsBuf)+len(nlri))
	wlenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(wlenBuf, uint16(len(withdrawn)))
	body = append(body, wlenBuf...)
	body = append(body, withdrawn...)

	alenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(alenBuf, uint16(len(attrsBuf)))
	body = append(body, alenBuf...)
	body = append(body, attrsBuf...)

	body = append(body, nlri...)

	return append(EncodeHeader(len(body), MsgTypeUpdate), body...)
}

// IsEndOfRIBMarker reports whether u is the IPv4-unicast End-of-RIB marker:
// an UPDATE with no withdrawn routes, no attributes, and no NLRI (RFC 4724
// §2, applicable to the base IPv4 unicast AFI/SAFI too).
func (u *Update) IsEndOfRIBMarker() bool {
	return len(u.WithdrawnRoutes) == 0 && len(u.NLRI) == 0 && u.Attrs == nil
}
