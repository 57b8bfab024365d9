package rib

import "github.com/route-beacon/bgpd/internal/bgpproto"

// bestOf runs the decision process's tie-break over a non-empty set of
// candidate routes for the same prefix and returns the single best one,
// per spec §4.5.2's order:
//
//  1. highest LOCAL_PREF
//  2. shortest AS_PATH length
//  3. lowest ORIGIN (IGP < EGP < INCOMPLETE)
//  4. lowest MED, but only compared between routes sharing the same
//     first AS_PATH ASN (the neighboring AS)
//  5. eBGP-learned over iBGP-learned
//  6. lowest peer BGP Identifier (final, always-decisive tie-break)
func bestOf(candidates []*Route) *Route {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c, best) {
			best = c
		}
	}
	return best
}

func better(a, b *Route) bool {
	if a.LocalPref != b.LocalPref {
		return a.LocalPref > b.LocalPref
	}
	if la, lb := a.asPathLen(), b.asPathLen(); la != lb {
		return la < lb
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	if bgpproto.FirstASN(a.ASPath) == bgpproto.FirstASN(b.ASPath) {
		am, bm := medOf(a), medOf(b)
		if am != bm {
			return am < bm
		}
	}
	if a.EBGP != b.EBGP {
		return a.EBGP
	}
	return less4(a.PeerRouterID, b.PeerRouterID)
}

func medOf(r *Route) uint32 {
	if r.MED == nil {
		return 0
	}
	return *r.MED
}

func less4(a, b interface{ As4() [4]byte }) bool {
	aa, bb := a.As4(), b.As4()
	for i := range aa {
		if aa[i] != bb[i] {
			return aa[i] < bb[i]
		}
	}
	return false
}
