package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/route-beacon/bgpd/internal/rib"
	"github.com/route-beacon/bgpd/internal/session"
)

var (
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_fsm_state_transitions_total",
			Help: "FSM state transitions by peer.",
		},
		[]string{"peer", "from", "to"},
	)

	MessagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_sent_total",
			Help: "BGP messages sent, by peer and type.",
		},
		[]string{"peer", "type"},
	)

	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_messages_received_total",
			Help: "BGP messages received, by peer and type.",
		},
		[]string{"peer", "type"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpd_notifications_sent_total",
			Help: "NOTIFICATION messages sent, by peer/code/subcode.",
		},
		[]string{"peer", "code", "subcode"},
	)

	RoutesAddedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpd_rib_routes_added_total",
			Help: "Adj-RIB-In route announcements processed.",
		},
	)

	RoutesWithdrawnTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpd_rib_routes_withdrawn_total",
			Help: "Adj-RIB-In route withdrawals processed.",
		},
	)

	BestPathChangesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bgpd_rib_best_path_changes_total",
			Help: "Loc-RIB best-path selection changes.",
		},
	)

	AdjRIBInSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpd_adj_rib_in_size",
			Help: "Current Adj-RIB-In route count, by peer.",
		},
		[]string{"peer"},
	)

	LocRIBSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bgpd_loc_rib_size",
			Help: "Current Loc-RIB route count.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpd_db_write_duration_seconds",
			Help:    "Store write latency, by operation.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StateTransitionsTotal,
			MessagesSentTotal,
			MessagesReceivedTotal,
			NotificationsSentTotal,
			RoutesAddedTotal,
			RoutesWithdrawnTotal,
			BestPathChangesTotal,
			AdjRIBInSizeGauge,
			LocRIBSizeGauge,
			DBWriteDuration,
		)
	})
}

// Sink implements session.MetricsSink and rib.Metrics over the package's
// registered collectors.
type Sink struct{}

var (
	_ session.MetricsSink = Sink{}
	_ rib.Metrics         = Sink{}
)

func (Sink) StateTransition(peer string, from, to session.State) {
	StateTransitionsTotal.WithLabelValues(peer, from.String(), to.String()).Inc()
}

func (Sink) MessageSent(peer string, msgType uint8) {
	MessagesSentTotal.WithLabelValues(peer, msgTypeName(msgType)).Inc()
}

func (Sink) MessageReceived(peer string, msgType uint8) {
	MessagesReceivedTotal.WithLabelValues(peer, msgTypeName(msgType)).Inc()
}

func (Sink) NotificationSent(peer string, code, subcode uint8) {
	NotificationsSentTotal.WithLabelValues(peer, strconv.Itoa(int(code)), strconv.Itoa(int(subcode))).Inc()
}

func (Sink) RouteAdded() {
	RoutesAddedTotal.Inc()
}

func (Sink) RouteWithdrawn() {
	RoutesWithdrawnTotal.Inc()
}

func (Sink) BestPathChanged() {
	BestPathChangesTotal.Inc()
}

func (Sink) AdjRIBInSize(peer string, n int) {
	AdjRIBInSizeGauge.WithLabelValues(peer).Set(float64(n))
}

func (Sink) LocRIBSize(n int) {
	LocRIBSizeGauge.Set(float64(n))
}

func msgTypeName(t uint8) string {
	switch t {
	case 1:
		return "open"
	case 2:
		return "update"
	case 3:
		return "notification"
	case 4:
		return "keepalive"
	default:
		return "unknown"
	}
}
