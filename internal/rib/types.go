package rib

import (
	"net/netip"

	"github.com/route-beacon/bgpd/internal/bgpproto"
	"github.com/route-beacon/bgpd/internal/session"
)

// Route is one candidate path to a prefix, as held in Adj-RIB-In, chosen
// into Loc-RIB, or propagated into Adj-RIB-Out.
type Route struct {
	Prefix netip.Prefix

	NextHop         netip.Addr
	Origin          uint8
	ASPath          []bgpproto.ASSegment
	MED             *uint32
	LocalPref       uint32
	AtomicAggregate bool
	Aggregator      *bgpproto.Aggregator

	// Peer provenance, needed by the decision process's tie-break rules
	// and by Adj-RIB-Out's split-horizon/next-hop-self transform.
	PeerID       session.PeerID
	PeerRouterID netip.Addr
	PeerASN      uint32
	EBGP         bool
}

func (r *Route) asPathLen() int { return bgpproto.PathLength(r.ASPath) }

// clone returns a deep-enough copy safe to hand to a different owner
// (e.g. installing the same Route pointer into two peers' Adj-RIB-Out
// would let one peer's later mutation bleed into another's view).
func (r *Route) clone() *Route {
	cp := *r
	cp.ASPath = append([]bgpproto.ASSegment(nil), r.ASPath...)
	return &cp
}
