package rib

import (
	"net/netip"
	"testing"

	"github.com/route-beacon/bgpd/internal/bgpproto"
)

func seq(asns ...uint32) []bgpproto.ASSegment {
	return []bgpproto.ASSegment{{Type: bgpproto.ASPathSequence, ASNs: asns}}
}

// TestBestPath_LocalPrefWins matches scenario S5's primary tie-break.
func TestBestPath_LocalPrefWins(t *testing.T) {
	low := &Route{LocalPref: 100, ASPath: seq(65002), PeerRouterID: netip.MustParseAddr("1.1.1.1")}
	high := &Route{LocalPref: 200, ASPath: seq(65002, 65003), PeerRouterID: netip.MustParseAddr("2.2.2.2")}
	got := bestOf([]*Route{low, high})
	if got != high {
		t.Fatalf("expected higher LOCAL_PREF to win")
	}
}

func TestBestPath_ShorterASPathWins(t *testing.T) {
	short := &Route{LocalPref: 100, ASPath: seq(65002), PeerRouterID: netip.MustParseAddr("1.1.1.1")}
	long := &Route{LocalPref: 100, ASPath: seq(65002, 65003, 65004), PeerRouterID: netip.MustParseAddr("2.2.2.2")}
	got := bestOf([]*Route{long, short})
	if got != short {
		t.Fatalf("expected shorter AS_PATH to win")
	}
}

func TestBestPath_OriginTieBreak(t *testing.T) {
	igp := &Route{LocalPref: 100, ASPath: seq(65002), Origin: bgpproto.OriginIGP, PeerRouterID: netip.MustParseAddr("1.1.1.1")}
	incomplete := &Route{LocalPref: 100, ASPath: seq(65002), Origin: bgpproto.OriginIncomplete, PeerRouterID: netip.MustParseAddr("2.2.2.2")}
	got := bestOf([]*Route{incomplete, igp})
	if got != igp {
		t.Fatalf("expected IGP origin to win over INCOMPLETE")
	}
}

func TestBestPath_MEDOnlyComparedForSameNeighborAS(t *testing.T) {
	lowMED := uint32(10)
	highMED := uint32(50)
	fromAS1Low := &Route{LocalPref: 100, ASPath: seq(65002, 65010), MED: &lowMED, PeerRouterID: netip.MustParseAddr("1.1.1.1")}
	fromAS1High := &Route{LocalPref: 100, ASPath: seq(65002, 65020), MED: &highMED, PeerRouterID: netip.MustParseAddr("2.2.2.2")}
	got := bestOf([]*Route{fromAS1High, fromAS1Low})
	if got != fromAS1Low {
		t.Fatalf("expected lower MED to win when first AS matches")
	}

	fromAS2 := &Route{LocalPref: 100, ASPath: seq(65003, 65099), MED: &highMED, PeerRouterID: netip.MustParseAddr("3.3.3.3")}
	// Different neighboring AS: MED is not comparable, so the tie-break
	// falls through to eBGP/iBGP then router-id; both leave EBGP unset, so
	// router-id decides, proving MED was NOT the deciding factor despite
	// fromAS1Low's much lower MED.
	fromAS1Low.PeerRouterID = netip.MustParseAddr("9.9.9.9")
	fromAS2.PeerRouterID = netip.MustParseAddr("1.1.1.1")
	got = bestOf([]*Route{fromAS1Low, fromAS2})
	if got != fromAS2 {
		t.Fatalf("expected router-id tie-break to decide across different neighbor ASes, got peer %v", got.PeerRouterID)
	}
}

func TestBestPath_EBGPOverIBGP(t *testing.T) {
	ibgp := &Route{LocalPref: 100, ASPath: seq(65002), EBGP: false, PeerRouterID: netip.MustParseAddr("1.1.1.1")}
	ebgp := &Route{LocalPref: 100, ASPath: seq(65002), EBGP: true, PeerRouterID: netip.MustParseAddr("2.2.2.2")}
	got := bestOf([]*Route{ibgp, ebgp})
	if got != ebgp {
		t.Fatalf("expected eBGP-learned route to win over iBGP")
	}
}

func TestBestPath_LowestRouterIDFinalTieBreak(t *testing.T) {
	a := &Route{LocalPref: 100, ASPath: seq(65002), PeerRouterID: netip.MustParseAddr("10.0.0.5")}
	b := &Route{LocalPref: 100, ASPath: seq(65002), PeerRouterID: netip.MustParseAddr("10.0.0.2")}
	got := bestOf([]*Route{a, b})
	if got != b {
		t.Fatalf("expected lowest router-id to win, got %v", got.PeerRouterID)
	}
}
