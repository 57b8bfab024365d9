package session

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/route-beacon/bgpd/internal/bgpproto"
)

// transport owns one peer's TCP connection. It frames inbound bytes off
// the BGP header length field (the same length-prefixed reassembly shape
// as the teacher's BMP frame parser, generalized to BGP's own framing)
// and serializes outbound messages, forwarding decoded events to the FSM's
// event channel.
type transport struct {
	conn   net.Conn
	reader *bufio.Reader
	events chan<- fsmEvent
	done   chan struct{}
}

func newTransport(conn net.Conn, events chan<- fsmEvent) *transport {
	return &transport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bgpproto.MaxMsgLen),
		events: events,
		done:   make(chan struct{}),
	}
}

// readLoop runs until the connection closes or a fatal framing error
// occurs, turning each decoded BGP message into an fsmEvent.
func (t *transport) readLoop() {
	defer close(t.done)
	hdrBuf := make([]byte, bgpproto.HeaderLen)
	for {
		if _, err := readFull(t.reader, hdrBuf); err != nil {
			t.events <- fsmEvent{kind: evTCPClosed}
			return
		}
		hdr, err := bgpproto.DecodeHeader(hdrBuf)
		if err != nil {
			t.events <- fsmEvent{kind: evHeaderErr, err: err}
			return
		}
		bodyLen := int(hdr.Length) - bgpproto.HeaderLen
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := readFull(t.reader, body); err != nil {
				t.events <- fsmEvent{kind: evTCPClosed}
				return
			}
		}

		switch hdr.Type {
		case bgpproto.MsgTypeOpen:
			o, err := bgpproto.DecodeOpen(body)
			if err != nil {
				t.events <- fsmEvent{kind: evOpenErr, err: err}
				return
			}
			t.events <- fsmEvent{kind: evOpenReceived, open: o}
		case bgpproto.MsgTypeKeepalive:
			t.events <- fsmEvent{kind: evKeepaliveReceived}
		case bgpproto.MsgTypeUpdate:
			u, err := bgpproto.DecodeUpdate(body, hdr.Length)
			if err != nil {
				t.events <- fsmEvent{kind: evUpdateErr, err: err}
				return
			}
			t.events <- fsmEvent{kind: evUpdateReceived, update: u}
		case bgpproto.MsgTypeNotification:
			n, _ := bgpproto.DecodeNotification(body)
			t.events <- fsmEvent{kind: evNotificationReceived, notification: n}
			return
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *transport) send(msg []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := t.conn.Write(msg)
	return err
}

func (t *transport) close() {
	_ = t.conn.Close()
	<-t.done
}

// dial opens an active TCP connection to addr:port. Used by the FSM when
// it transitions out of Connect state without a prior inbound connection.
func dial(addr string, port uint16, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.Dial("tcp4", fmt.Sprintf("%s:%d", addr, port))
}
