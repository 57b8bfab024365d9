package rib

import (
	"context"
	"encoding/json"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/bgpproto"
	"github.com/route-beacon/bgpd/internal/session"
)

// KernelSink receives the FIB sync command stream (spec §4.5.3). The
// kernelmon package's client implements this.
type KernelSink interface {
	InstallRoute(prefix netip.Prefix, nextHop netip.Addr, priority uint32) error
	RemoveRoute(prefix netip.Prefix) error
}

// EventSink publishes RIB churn for downstream consumers.
// internal/eventbus implements this.
type EventSink interface {
	PublishRouteChange(ctx context.Context, prefix netip.Prefix, action string, best *Route)
}

// StoreSink persists RIB state for operational visibility.
// internal/store implements this.
type StoreSink interface {
	UpsertLocRIBRoute(ctx context.Context, r *Route) error
	DeleteLocRIBRoute(ctx context.Context, prefix netip.Prefix) error
	UpsertAdjRIBIn(ctx context.Context, peerID session.PeerID, r *Route) error
	DeleteAdjRIBIn(ctx context.Context, peerID session.PeerID, prefix netip.Prefix) error
	ClearAdjRIBIn(ctx context.Context, peerID session.PeerID) error
	RecordEvent(ctx context.Context, prefix netip.Prefix, action string, raw []byte) error
}

// Metrics receives RIB churn counters.
type Metrics interface {
	RouteAdded()
	RouteWithdrawn()
	BestPathChanged()
	AdjRIBInSize(peer string, n int)
	LocRIBSize(n int)
}

type opKind int

const (
	opPeerUp opKind = iota
	opPeerDown
	opUpdate
	opOriginateLocal
)

type ribOp struct {
	kind   opKind
	peer   session.PeerID
	localAS  uint32
	remoteAS uint32
	remoteAddr netip.Addr
	routerID netip.Addr
	sink   session.PeerSink
	update *bgpproto.Update
	networks []netip.Prefix
}

// peerState tracks the local view of one peer needed by the decision
// process and by Adj-RIB-Out transforms (next-hop-self, AS_PATH prepend).
type peerState struct {
	localAS    uint32
	remoteAS   uint32
	remoteAddr netip.Addr
	routerID   netip.Addr
	ebgp       bool
	sink       session.PeerSink
}

// localPeerID is the sentinel Adj-RIB-In/peers key under which locally
// originated networks (spec §3's "local" data, wired from config) are held,
// so they flow through the same decision process and fan-out as any
// peer-learned route. It never has a sink, so fanOut/initialAdvertise never
// try to push an UPDATE back to it.
const localPeerID session.PeerID = "\x00local"

// Manager is the single task that serializes every RIB mutation: Adj-RIB-In
// per peer, Loc-RIB, and the Adj-RIB-Out fan-out, exactly the "one RIB task"
// concurrency rule of spec §5. Nothing outside Manager.Run ever touches
// adjIn/locRIB directly.
type Manager struct {
	logger  *zap.Logger
	kernel  KernelSink
	events  EventSink
	store   StoreSink
	metrics Metrics

	localID netip.Addr

	ops chan ribOp

	peers   map[session.PeerID]*peerState
	adjIn   map[session.PeerID]map[netip.Prefix]*Route
	adjOut  map[session.PeerID]map[netip.Prefix]*Route
	locRIB  map[netip.Prefix]*Route
}

// NewManager constructs a RIB manager. Call Run to start its event loop.
func NewManager(localID netip.Addr, kernel KernelSink, events EventSink, store StoreSink, metrics Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger.Named("rib"),
		kernel:  kernel,
		events:  events,
		store:   store,
		metrics: metrics,
		localID: localID,
		ops:     make(chan ribOp, 256),
		peers:   make(map[session.PeerID]*peerState),
		adjIn:   make(map[session.PeerID]map[netip.Prefix]*Route),
		adjOut:  make(map[session.PeerID]map[netip.Prefix]*Route),
		locRIB:  make(map[netip.Prefix]*Route),
	}
}

// PeerUp implements session.RIBSink. sink is how the RIB pushes Adj-RIB-Out
// changes (re-advertised or withdrawn routes) back to this peer's FSM.
func (m *Manager) PeerUp(id session.PeerID, localAS, remoteAS uint32, remoteAddr netip.Addr, routerID netip.Addr, sink session.PeerSink) {
	m.ops <- ribOp{kind: opPeerUp, peer: id, localAS: localAS, remoteAS: remoteAS, remoteAddr: remoteAddr, routerID: routerID, sink: sink}
}

// OriginateLocal enqueues the operator-configured locally-originated
// networks (spec §3, `Local.Networks`) as a synthetic peer's Adj-RIB-In so
// they participate in the normal decision process and get fanned out to
// every established peer exactly like any other route.
func (m *Manager) OriginateLocal(networks []netip.Prefix, localAS uint32) {
	m.ops <- ribOp{kind: opOriginateLocal, networks: networks, localAS: localAS}
}

// PeerDown implements session.RIBSink.
func (m *Manager) PeerDown(id session.PeerID) {
	m.ops <- ribOp{kind: opPeerDown, peer: id}
}

// UpdateReceived implements session.RIBSink.
func (m *Manager) UpdateReceived(id session.PeerID, u *bgpproto.Update) {
	m.ops <- ribOp{kind: opUpdate, peer: id, update: u}
}

// Run processes RIB operations until ctx is cancelled, draining whatever is
// still queued with a bounded grace period before returning (matching the
// teacher's drain-on-shutdown shape).
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case op := <-m.ops:
			m.apply(ctx, op)
		}
	}
}

func (m *Manager) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case op := <-m.ops:
			m.apply(drainCtx, op)
		default:
			return
		}
	}
}

func (m *Manager) apply(ctx context.Context, op ribOp) {
	switch op.kind {
	case opPeerUp:
		m.peers[op.peer] = &peerState{
			localAS:    op.localAS,
			remoteAS:   op.remoteAS,
			remoteAddr: op.remoteAddr,
			routerID:   op.routerID,
			ebgp:       op.localAS != op.remoteAS,
			sink:       op.sink,
		}
		m.adjIn[op.peer] = make(map[netip.Prefix]*Route)
		m.adjOut[op.peer] = make(map[netip.Prefix]*Route)
		m.logger.Info("peer up", zap.String("peer", string(op.peer)))
		m.initialAdvertise(op.peer)
	case opPeerDown:
		m.withdrawAllFromPeer(ctx, op.peer)
		delete(m.peers, op.peer)
		delete(m.adjIn, op.peer)
		delete(m.adjOut, op.peer)
		m.logger.Info("peer down", zap.String("peer", string(op.peer)))
	case opUpdate:
		m.applyUpdate(ctx, op.peer, op.update)
	case opOriginateLocal:
		m.originateLocal(ctx, op.networks, op.localAS)
	}
}

// originateLocal installs the configured local networks into a synthetic
// peer's Adj-RIB-In (localPeerID) and re-runs the decision process for
// each, so they compete for best-path selection and get fanned out exactly
// like a peer-learned route.
func (m *Manager) originateLocal(ctx context.Context, networks []netip.Prefix, localAS uint32) {
	if _, ok := m.peers[localPeerID]; !ok {
		m.peers[localPeerID] = &peerState{localAS: localAS, remoteAS: localAS, routerID: m.localID, ebgp: false}
		m.adjIn[localPeerID] = make(map[netip.Prefix]*Route)
	}
	in := m.adjIn[localPeerID]
	for _, p := range networks {
		in[p] = &Route{
			Prefix:       p,
			NextHop:      m.localID,
			Origin:       bgpproto.OriginIGP,
			LocalPref:    100,
			PeerID:       localPeerID,
			PeerRouterID: m.localID,
			PeerASN:      localAS,
			EBGP:         false,
		}
		m.reselect(ctx, p)
	}
}

// initialAdvertise sends a newly-Established peer every route Loc-RIB
// currently holds, satisfying spec §4.4's "send initial UPDATE with
// locally-originated networks" transition (and, more generally, every
// other already-selected route) without special-casing local origination.
func (m *Manager) initialAdvertise(peer session.PeerID) {
	ps := m.peers[peer]
	for prefix, best := range m.locRIB {
		if best.PeerID == peer {
			continue
		}
		m.advertiseTo(peer, ps, prefix, best)
	}
}

func (m *Manager) applyUpdate(ctx context.Context, peer session.PeerID, u *bgpproto.Update) {
	ps, ok := m.peers[peer]
	if !ok {
		return
	}
	in := m.adjIn[peer]

	for _, p := range u.WithdrawnRoutes {
		delete(in, p)
		m.metrics.RouteWithdrawn()
		if err := m.store.DeleteAdjRIBIn(ctx, peer, p); err != nil {
			m.logger.Warn("delete adj-rib-in", zap.Error(err))
		}
		m.reselect(ctx, p)
	}

	if len(u.NLRI) == 0 {
		return
	}

	for _, p := range u.NLRI {
		r := &Route{
			Prefix:       p,
			NextHop:      u.Attrs.NextHop,
			Origin:       *u.Attrs.Origin,
			ASPath:       u.Attrs.ASPath,
			MED:          u.Attrs.MED,
			AtomicAggregate: u.Attrs.AtomicAggregate,
			Aggregator:   u.Attrs.Aggregator,
			PeerID:       peer,
			PeerRouterID: ps.routerID,
			PeerASN:      ps.remoteAS,
			EBGP:         ps.ebgp,
		}
		if u.Attrs.LocalPref != nil {
			r.LocalPref = *u.Attrs.LocalPref
		} else if !ps.ebgp {
			r.LocalPref = 100 // default LOCAL_PREF for iBGP-learned routes lacking one
		}
		in[p] = r
		m.metrics.RouteAdded()
		if err := m.store.UpsertAdjRIBIn(ctx, peer, r); err != nil {
			m.logger.Warn("upsert adj-rib-in", zap.Error(err))
		}
		m.reselect(ctx, p)
	}
	m.metrics.AdjRIBInSize(string(peer), len(in))
}

// reselect re-runs the decision process for a single prefix across every
// peer's Adj-RIB-In and installs the result into Loc-RIB, fanning out to
// the kernel and event/store sinks only when the winner actually changes.
func (m *Manager) reselect(ctx context.Context, prefix netip.Prefix) {
	var candidates []*Route
	for _, in := range m.adjIn {
		if r, ok := in[prefix]; ok {
			candidates = append(candidates, r)
		}
	}

	prev, hadPrev := m.locRIB[prefix]

	if len(candidates) == 0 {
		if hadPrev {
			delete(m.locRIB, prefix)
			m.metrics.BestPathChanged()
			if err := m.kernel.RemoveRoute(prefix); err != nil {
				m.logger.Warn("kernel remove", zap.Error(err))
			}
			if err := m.store.DeleteLocRIBRoute(ctx, prefix); err != nil {
				m.logger.Warn("delete loc-rib", zap.Error(err))
			}
			m.events.PublishRouteChange(ctx, prefix, "withdraw", prev)
			if err := m.store.RecordEvent(ctx, prefix, "withdraw", nil); err != nil {
				m.logger.Warn("record event", zap.Error(err))
			}
			m.fanOut(prefix, nil)
		}
		m.metrics.LocRIBSize(len(m.locRIB))
		return
	}

	best := bestOf(candidates)
	if hadPrev && routesEqual(prev, best) {
		return
	}

	m.locRIB[prefix] = best
	m.metrics.BestPathChanged()
	if err := m.kernel.InstallRoute(prefix, best.NextHop, routePriority(best)); err != nil {
		m.logger.Warn("kernel install", zap.Error(err))
	}
	if err := m.store.UpsertLocRIBRoute(ctx, best); err != nil {
		m.logger.Warn("upsert loc-rib", zap.Error(err))
	}
	action := "add"
	if hadPrev {
		action = "replace"
	}
	m.events.PublishRouteChange(ctx, prefix, action, best)
	if detail, err := json.Marshal(best); err != nil {
		m.logger.Warn("marshal route event detail", zap.Error(err))
	} else if err := m.store.RecordEvent(ctx, prefix, action, detail); err != nil {
		m.logger.Warn("record event", zap.Error(err))
	}
	m.fanOut(prefix, best)
	m.metrics.LocRIBSize(len(m.locRIB))
}

// fanOut re-advertises a prefix's new best path (or withdraws it, when best
// is nil) to every peer except the one that originated it, implementing
// spec §4.5 step 3b's iBGP/eBGP split-horizon rule.
func (m *Manager) fanOut(prefix netip.Prefix, best *Route) {
	for peer, ps := range m.peers {
		if ps.sink == nil {
			continue
		}
		if best != nil && best.PeerID == peer {
			continue
		}
		m.advertiseTo(peer, ps, prefix, best)
	}
}

// advertiseTo applies the outbound attribute transform and pushes the
// resulting UPDATE (or withdrawal) to one peer's Adj-RIB-Out and FSM.
func (m *Manager) advertiseTo(peer session.PeerID, ps *peerState, prefix netip.Prefix, best *Route) {
	if ps == nil || ps.sink == nil {
		return
	}
	out := m.adjOut[peer]
	if out == nil {
		out = make(map[netip.Prefix]*Route)
		m.adjOut[peer] = out
	}
	if best == nil {
		if _, had := out[prefix]; !had {
			return
		}
		delete(out, prefix)
		ps.sink.SendUpdate(&bgpproto.Update{WithdrawnRoutes: []netip.Prefix{prefix}})
		return
	}
	transformed := m.outboundTransform(best, ps)
	out[prefix] = transformed
	ps.sink.SendUpdate(&bgpproto.Update{
		Attrs: routeToAttrs(transformed),
		NLRI:  []netip.Prefix{prefix},
	})
}

// outboundTransform applies spec §4.5.1: eBGP peers get the local ASN
// prepended to AS_PATH and NEXT_HOP rewritten to this router; iBGP peers
// get the route unchanged.
func (m *Manager) outboundTransform(best *Route, ps *peerState) *Route {
	r := best.clone()
	if ps.ebgp {
		r.ASPath = bgpproto.PrependASN(r.ASPath, ps.localAS)
		r.NextHop = m.localID
	}
	return r
}

// routeToAttrs builds the PathAttrs an Adj-RIB-Out route is encoded with.
func routeToAttrs(r *Route) *bgpproto.PathAttrs {
	origin := r.Origin
	lp := r.LocalPref
	attrs := &bgpproto.PathAttrs{
		Origin:          &origin,
		ASPath:          r.ASPath,
		NextHop:         r.NextHop,
		LocalPref:       &lp,
		AtomicAggregate: r.AtomicAggregate,
		Aggregator:      r.Aggregator,
	}
	if r.MED != nil {
		med := *r.MED
		attrs.MED = &med
	}
	return attrs
}

func (m *Manager) withdrawAllFromPeer(ctx context.Context, peer session.PeerID) {
	in, ok := m.adjIn[peer]
	if !ok {
		return
	}
	prefixes := make([]netip.Prefix, 0, len(in))
	for p := range in {
		prefixes = append(prefixes, p)
	}
	for p := range in {
		delete(in, p)
	}
	if err := m.store.ClearAdjRIBIn(ctx, peer); err != nil {
		m.logger.Warn("clear adj-rib-in", zap.Error(err))
	}
	for _, p := range prefixes {
		m.reselect(ctx, p)
	}
}

func routesEqual(a, b *Route) bool {
	if a == b {
		return true
	}
	if a.PeerID != b.PeerID || a.NextHop != b.NextHop || a.LocalPref != b.LocalPref {
		return false
	}
	return medOf(a) == medOf(b)
}

// routePriority maps a route to the kernel sync priority field (spec
// §4.5.3): lower LOCAL_PREF-derived priority numbers win in the kernel's
// own tie-breaks, so invert LOCAL_PREF (which is "higher wins" in BGP)
// into a kernel priority (where, by this protocol's convention, "lower
// wins"): priority = 65535 - min(LOCAL_PREF, 65535).
func routePriority(r *Route) uint32 {
	lp := r.LocalPref
	if lp > 65535 {
		lp = 65535
	}
	return 65535 - lp
}
