package session

import (
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/bgpproto"
)

// PeerID identifies a configured peer for the lifetime of the process; the
// RIB and metrics layers key all per-peer state off this token rather than
// a *FSM pointer, so a restarted session reuses the same identity (spec
// design note: "cyclic references resolved via peer identity tokens").
type PeerID string

// RIBSink is everything the FSM needs from the RIB task. The RIB package
// implements this; session never imports internal/rib, so there is no
// import cycle and the RIB's serializing goroutine is the only thing that
// ever mutates RIB state.
type RIBSink interface {
	PeerUp(id PeerID, localAS, remoteAS uint32, remoteAddr netip.Addr, routerID netip.Addr, sink PeerSink)
	PeerDown(id PeerID)
	UpdateReceived(id PeerID, u *bgpproto.Update)
}

// PeerSink is what the RIB task uses to push an Adj-RIB-Out change to a
// peer's own FSM once the decision process has picked (or withdrawn) a
// route for it. Implemented by *FSM; the RIB addresses peers by PeerID and
// is handed this interface at PeerUp time rather than holding an *FSM
// pointer directly, keeping the "peer identity tokens" design intact.
type PeerSink interface {
	SendUpdate(u *bgpproto.Update)
}

// MetricsSink receives FSM observability events. internal/metrics
// implements this.
type MetricsSink interface {
	StateTransition(peer string, from, to State)
	MessageSent(peer string, msgType uint8)
	MessageReceived(peer string, msgType uint8)
	NotificationSent(peer string, code, subcode uint8)
}

// Config is one peer's static configuration (spec §6's peer{} block).
type Config struct {
	LocalAS          uint32
	LocalID          netip.Addr
	RemoteAS         uint32
	RemoteAddr       netip.Addr
	Port             uint16
	HoldTime         time.Duration
	KeepaliveTime    time.Duration
	ConnectRetryTime time.Duration
	IdleHoldTime     time.Duration
	Passive          bool
}

func (c Config) isEBGP() bool { return c.LocalAS != c.RemoteAS }

type dialFunc func(addr string, port uint16, timeout time.Duration) (net.Conn, error)

// FSM drives one peer through the six BGP states. It owns its transport,
// timers, and event channel; every field it touches after Run starts is
// touched only from the Run goroutine, so no locking is needed inside it.
type FSM struct {
	id     PeerID
	cfg    Config
	logger *zap.Logger
	rib    RIBSink
	metric MetricsSink
	dial   dialFunc

	state State

	events  chan fsmEvent
	control chan controlKind
	stopped chan struct{}

	transport *transport
	dialGen   generationCounter
	curDial   uint64

	connectRetryTimer *timerHandle
	holdTimer         *timerHandle
	keepaliveTimer    *timerHandle

	negotiatedHoldTime time.Duration
	remoteRouterID     netip.Addr
	adminStop          bool
}

type controlKind int

const (
	ctrlStart controlKind = iota
	ctrlStop
)

// NewFSM constructs an FSM for one peer. Call Run to start its event loop.
func NewFSM(id PeerID, cfg Config, logger *zap.Logger, rib RIBSink, metric MetricsSink) *FSM {
	f := &FSM{
		id:      id,
		cfg:     cfg,
		logger:  logger.Named("fsm").With(zap.String("peer", string(id))),
		rib:     rib,
		metric:  metric,
		dial:    dial,
		state:   Idle,
		events:  make(chan fsmEvent, 16),
		control: make(chan controlKind, 2),
		stopped: make(chan struct{}),
	}
	f.connectRetryTimer = newTimerHandle(f.onConnectRetryExpire)
	f.holdTimer = newTimerHandle(f.onHoldExpire)
	f.keepaliveTimer = newTimerHandle(f.onKeepaliveExpire)
	return f
}

// Accept hands the FSM an inbound TCP connection matched to it by the
// registry. If the FSM is not in a state that can use it, the caller
// should have already rejected the connection; Accept assumes the match
// was already validated by remote address.
func (f *FSM) Accept(conn net.Conn) {
	select {
	case f.events <- fsmEvent{kind: evTCPAccepted, conn: conn}:
	case <-f.stopped:
	}
}

// Start requests the FSM begin attempting (or accepting) connections.
func (f *FSM) Start() { f.control <- ctrlStart }

// SendUpdate implements PeerSink. The RIB task calls this from its own
// goroutine to hand the peer's FSM an UPDATE to advertise or withdraw; it
// is a no-op if the FSM isn't Established by the time the event is
// processed (handleEstablished is the only state that reacts to it).
func (f *FSM) SendUpdate(u *bgpproto.Update) {
	select {
	case f.events <- fsmEvent{kind: evSendUpdate, update: u}:
	case <-f.stopped:
	}
}

// Stop requests a graceful administrative shutdown (sends CEASE if
// Established) and blocks until the FSM's Run loop has exited.
func (f *FSM) Stop() {
	f.control <- ctrlStop
	<-f.stopped
}

// State returns the FSM's current state. Safe to call from any goroutine;
// it is only ever read for observability (metrics/http), never to branch
// FSM logic from outside the Run goroutine.
func (f *FSM) State() State { return f.state }

// Run is the FSM's single-goroutine event loop. It must be started with
// `go fsm.Run()`.
func (f *FSM) Run() {
	defer close(f.stopped)
	for {
		select {
		case c := <-f.control:
			switch c {
			case ctrlStart:
				f.adminStop = false
				f.handle(fsmEvent{kind: evStart})
			case ctrlStop:
				f.adminStop = true
				f.handle(fsmEvent{kind: evStop})
				return
			}
		case e := <-f.events:
			f.handle(e)
		}
	}
}

func (f *FSM) transitionTo(next State) {
	if next != f.state {
		f.logger.Info("state transition", zap.Stringer("from", f.state), zap.Stringer("to", next))
		f.metric.StateTransition(string(f.id), f.state, next)
	}
	f.state = next
}

func (f *FSM) handle(e fsmEvent) {
	switch f.state {
	case Idle:
		f.handleIdle(e)
	case Connect:
		f.handleConnect(e)
	case Active:
		f.handleActive(e)
	case OpenSent:
		f.handleOpenSent(e)
	case OpenConfirm:
		f.handleOpenConfirm(e)
	case Established:
		f.handleEstablished(e)
	}
}

func (f *FSM) handleIdle(e fsmEvent) {
	switch e.kind {
	case evStart, evConnRetryExpire:
		f.connectRetryTimer.Reset(f.cfg.ConnectRetryTime)
		if f.cfg.Passive {
			f.transitionTo(Active)
		} else {
			f.beginActiveDial()
			f.transitionTo(Connect)
		}
	case evStop:
		// Already idle; nothing to tear down.
	}
}

func (f *FSM) beginActiveDial() {
	gen := f.dialGen.next()
	f.curDial = gen
	addr := f.cfg.RemoteAddr.String()
	port := f.cfg.Port
	go func() {
		conn, err := f.dial(addr, port, f.cfg.ConnectRetryTime)
		if err != nil {
			select {
			case f.events <- fsmEvent{kind: evTCPConnFailed, err: err}:
			case <-f.stopped:
			}
			return
		}
		select {
		case f.events <- fsmEvent{kind: evTCPConnected, conn: conn}:
		case <-f.stopped:
			_ = conn.Close()
		}
	}()
}

func (f *FSM) handleConnect(e fsmEvent) {
	switch e.kind {
	case evTCPConnected:
		f.connectRetryTimer.Stop()
		f.establishTransport(e.conn)
	case evTCPAccepted:
		f.connectRetryTimer.Stop()
		f.establishTransport(e.conn)
	case evTCPConnFailed:
		f.connectRetryTimer.Reset(f.cfg.ConnectRetryTime)
		f.transitionTo(Active)
	case evConnRetryExpire:
		f.beginActiveDial()
	case evStop:
		f.goIdle(false)
	}
}

func (f *FSM) handleActive(e fsmEvent) {
	switch e.kind {
	case evTCPAccepted:
		f.connectRetryTimer.Stop()
		f.establishTransport(e.conn)
	case evConnRetryExpire:
		f.beginActiveDial()
		f.transitionTo(Connect)
	case evStop:
		f.goIdle(false)
	}
}

func (f *FSM) establishTransport(conn net.Conn) {
	f.transport = newTransport(conn, f.events)
	go f.transport.readLoop()

	open := &bgpproto.Open{
		Version:    bgpproto.Version4,
		MyAS:       uint16(f.cfg.LocalAS),
		HoldTime:   uint16(f.cfg.HoldTime / time.Second),
		Identifier: f.cfg.LocalID,
	}
	_ = f.transport.send(bgpproto.EncodeOpen(open))
	f.metric.MessageSent(string(f.id), bgpproto.MsgTypeOpen)

	// RFC 4271 §4.2: until negotiation completes in OpenConfirm, the Hold
	// Timer runs at a large fixed value so a silent peer is still bounded.
	f.holdTimer.Reset(4 * time.Minute)
	f.transitionTo(OpenSent)
}

func (f *FSM) handleOpenSent(e fsmEvent) {
	switch e.kind {
	case evOpenReceived:
		if err := bgpproto.ValidateOpen(e.open, uint16(f.cfg.RemoteAS)); err != nil {
			f.sendNotificationAndGoIdle(err)
			return
		}
		f.metric.MessageReceived(string(f.id), bgpproto.MsgTypeOpen)
		f.remoteRouterID = e.open.Identifier
		f.negotiateHoldTime(e.open.HoldTime)
		_ = f.transport.send(bgpproto.EncodeKeepalive())
		f.metric.MessageSent(string(f.id), bgpproto.MsgTypeKeepalive)
		f.holdTimer.Reset(f.negotiatedHoldTime)
		if f.negotiatedHoldTime > 0 {
			f.keepaliveTimer.Reset(f.effectiveKeepaliveInterval())
		}
		f.transitionTo(OpenConfirm)
	case evOpenErr, evHeaderErr, evUpdateErr:
		f.sendNotificationAndGoIdle(e.err)
	case evNotificationReceived, evTCPClosed:
		f.closeAndGoIdle(true)
	case evHoldExpire:
		f.sendHoldExpiredAndGoIdle()
	case evStop:
		f.sendCeaseAndGoIdle()
	}
}

func (f *FSM) negotiateHoldTime(remote uint16) {
	local := f.cfg.HoldTime
	r := time.Duration(remote) * time.Second
	if r < local {
		f.negotiatedHoldTime = r
	} else {
		f.negotiatedHoldTime = local
	}
	if f.negotiatedHoldTime < 3*time.Second {
		f.negotiatedHoldTime = 0
	}
}

// effectiveKeepaliveInterval returns the keepalive interval to arm the
// timer with: the operator-configured value, capped so it never exceeds a
// third of the negotiated hold time (spec §4.4).
func (f *FSM) effectiveKeepaliveInterval() time.Duration {
	bound := f.negotiatedHoldTime / 3
	if f.cfg.KeepaliveTime <= 0 || f.cfg.KeepaliveTime > bound {
		return bound
	}
	return f.cfg.KeepaliveTime
}

func (f *FSM) handleOpenConfirm(e fsmEvent) {
	switch e.kind {
	case evKeepaliveReceived:
		f.metric.MessageReceived(string(f.id), bgpproto.MsgTypeKeepalive)
		f.holdTimer.Reset(f.negotiatedHoldTime)
		f.rib.PeerUp(f.id, f.cfg.LocalAS, f.cfg.RemoteAS, f.cfg.RemoteAddr, f.remoteRouterID, f)
		f.transitionTo(Established)
	case evKeepaliveExpire:
		_ = f.transport.send(bgpproto.EncodeKeepalive())
		f.metric.MessageSent(string(f.id), bgpproto.MsgTypeKeepalive)
		if f.negotiatedHoldTime > 0 {
			f.keepaliveTimer.Reset(f.effectiveKeepaliveInterval())
		}
	case evNotificationReceived, evTCPClosed:
		f.closeAndGoIdle(true)
	case evOpenErr, evHeaderErr, evUpdateErr:
		f.sendNotificationAndGoIdle(e.err)
	case evHoldExpire:
		f.sendHoldExpiredAndGoIdle()
	case evStop:
		f.sendCeaseAndGoIdle()
	}
}

func (f *FSM) handleEstablished(e fsmEvent) {
	switch e.kind {
	case evKeepaliveReceived:
		f.metric.MessageReceived(string(f.id), bgpproto.MsgTypeKeepalive)
		f.holdTimer.Reset(f.negotiatedHoldTime)
	case evKeepaliveExpire:
		_ = f.transport.send(bgpproto.EncodeKeepalive())
		f.metric.MessageSent(string(f.id), bgpproto.MsgTypeKeepalive)
		if f.negotiatedHoldTime > 0 {
			f.keepaliveTimer.Reset(f.effectiveKeepaliveInterval())
		}
	case evSendUpdate:
		_ = f.transport.send(bgpproto.EncodeUpdate(e.update))
		f.metric.MessageSent(string(f.id), bgpproto.MsgTypeUpdate)
	case evUpdateReceived:
		f.metric.MessageReceived(string(f.id), bgpproto.MsgTypeUpdate)
		hasNLRI := len(e.update.NLRI) > 0
		if err := bgpproto.ValidateAttrs(e.update.Attrs, hasNLRI, uint16(f.cfg.LocalAS), f.cfg.isEBGP()); err != nil {
			f.sendNotificationAndGoIdle(err)
			return
		}
		f.holdTimer.Reset(f.negotiatedHoldTime)
		f.rib.UpdateReceived(f.id, e.update)
	case evUpdateErr, evOpenErr, evHeaderErr:
		f.sendNotificationAndGoIdle(e.err)
	case evNotificationReceived:
		f.rib.PeerDown(f.id)
		f.closeAndGoIdle(true)
	case evTCPClosed:
		f.rib.PeerDown(f.id)
		f.closeAndGoIdle(true)
	case evHoldExpire:
		f.rib.PeerDown(f.id)
		f.sendHoldExpiredAndGoIdle()
	case evStop:
		f.rib.PeerDown(f.id)
		f.sendCeaseAndGoIdle()
	}
}

func (f *FSM) sendNotificationAndGoIdle(err error) {
	if ne, ok := err.(*bgpproto.NotificationError); ok {
		if f.transport != nil {
			_ = f.transport.send(bgpproto.EncodeNotificationError(ne))
			f.metric.NotificationSent(string(f.id), ne.Code, ne.Subcode)
		}
	}
	f.closeAndGoIdle(true)
}

func (f *FSM) sendHoldExpiredAndGoIdle() {
	ne := &bgpproto.NotificationError{Code: bgpproto.ErrCodeHoldTimerExpired}
	if f.transport != nil {
		_ = f.transport.send(bgpproto.EncodeNotificationError(ne))
		f.metric.NotificationSent(string(f.id), ne.Code, ne.Subcode)
	}
	f.closeAndGoIdle(true)
}

func (f *FSM) sendCeaseAndGoIdle() {
	ne := &bgpproto.NotificationError{Code: bgpproto.ErrCodeCease}
	if f.transport != nil {
		_ = f.transport.send(bgpproto.EncodeNotificationError(ne))
		f.metric.NotificationSent(string(f.id), ne.Code, ne.Subcode)
	}
	f.closeAndGoIdle(false)
}

// closeAndGoIdle tears down the transport and timers and returns to Idle.
// When retry is true and no administrative Stop is pending, it immediately
// re-arms the connect/accept cycle — spec §9's linear ConnectRetry policy
// means every restart waits out a full ConnectRetryTime before the next
// dial, enforced by beginActiveDial only ever being called after the timer
// fires or on first Start.
func (f *FSM) goIdle(retry bool) {
	f.holdTimer.Stop()
	f.keepaliveTimer.Stop()
	f.connectRetryTimer.Stop()
	if f.transport != nil {
		f.transport.close()
		f.transport = nil
	}
	f.transitionTo(Idle)
	if retry && !f.adminStop {
		f.connectRetryTimer.Reset(f.cfg.ConnectRetryTime)
	}
}

func (f *FSM) closeAndGoIdle(retry bool) { f.goIdle(retry) }

func (f *FSM) onConnectRetryExpire(gen uint64) {
	if !f.connectRetryTimer.Valid(gen) {
		return
	}
	select {
	case f.events <- fsmEvent{kind: evConnRetryExpire}:
	case <-f.stopped:
	}
}

func (f *FSM) onHoldExpire(gen uint64) {
	if !f.holdTimer.Valid(gen) {
		return
	}
	select {
	case f.events <- fsmEvent{kind: evHoldExpire}:
	case <-f.stopped:
	}
}

func (f *FSM) onKeepaliveExpire(gen uint64) {
	if !f.keepaliveTimer.Valid(gen) {
		return
	}
	select {
	case f.events <- fsmEvent{kind: evKeepaliveExpire}:
	case <-f.stopped:
	}
}
