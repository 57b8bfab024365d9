package bgpproto

// Notification is the decoded body of a BGP NOTIFICATION message.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// DecodeNotification parses the body of a NOTIFICATION message.
func DecodeNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, newNotify(ErrCodeMessageHeader, SubcodeBadMessageLength, nil)
	}
	return &Notification{
		Code:    body[0],
		Subcode: body[1],
		Data:    append([]byte(nil), body[2:]...),
	}, nil
}

// EncodeNotification serializes a Notification (or a NotificationError
// produced by validation) into a full message.
func EncodeNotification(n *Notification) []byte {
	body := append([]byte{n.Code, n.Subcode}, n.Data...)
	return append(EncodeHeader(len(body), MsgTypeNotification), body...)
}

// EncodeNotificationError is a convenience wrapper so FSM code can turn a
// validation failure directly into wire bytes.
func EncodeNotificationError(e *NotificationError) []byte {
	return EncodeNotification(&Notification{Code: e.Code, Subcode: e.Subcode, Data: e.Data})
}

// EncodeKeepalive returns a full KEEPALIVE message (header only, no body).
func EncodeKeepalive() []byte {
	return EncodeHeader(0, MsgTypeKeepalive)
}
