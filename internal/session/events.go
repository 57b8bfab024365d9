package session

import (
	"net"

	"github.com/route-beacon/bgpd/internal/bgpproto"
)

// State is one of the six BGP FSM states (RFC 4271 §8).
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evConnRetryExpire
	evHoldExpire
	evKeepaliveExpire
	evTCPConnected  // active dial succeeded
	evTCPConnFailed // active dial failed
	evTCPAccepted   // inbound connection matched to this peer
	evOpenReceived
	evOpenErr
	evKeepaliveReceived
	evUpdateReceived
	evUpdateErr
	evHeaderErr
	evNotificationReceived
	evTCPClosed
	evSendUpdate // RIB asking this peer's FSM to advertise/withdraw via UPDATE
)

// fsmEvent is the single event envelope the FSM's run loop selects on.
// Exactly one of the payload fields is populated, matching kind.
type fsmEvent struct {
	kind         eventKind
	conn         net.Conn
	open         *bgpproto.Open
	update       *bgpproto.Update
	notification *bgpproto.Notification
	err          error
}
