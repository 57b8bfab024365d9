// Package eventbus publishes Loc-RIB churn (route add/replace/withdraw) to
// Kafka for downstream consumers, mirroring the client construction the
// state/history pipelines use for consuming, inverted to the producer side.
package eventbus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/netip"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/rib"
)

type Producer struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

var _ rib.EventSink = (*Producer)(nil)

func NewProducer(brokers []string, topic, clientID string, tlsCfg *tls.Config, saslMech sasl.Mechanism, logger *zap.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	if saslMech != nil {
		opts = append(opts, kgo.SASL(saslMech))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	return &Producer{client: client, topic: topic, logger: logger.Named("eventbus")}, nil
}

// routeChangeEvent is the JSON payload published for each Loc-RIB churn event.
type routeChangeEvent struct {
	Prefix    string `json:"prefix"`
	Action    string `json:"action"`
	NextHop   string `json:"next_hop,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	PeerASN   uint32 `json:"peer_asn,omitempty"`
	LocalPref uint32 `json:"local_pref,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PublishRouteChange implements rib.EventSink. Publish failures are logged
// and otherwise swallowed: Loc-RIB correctness never depends on the event
// bus being reachable.
func (p *Producer) PublishRouteChange(ctx context.Context, prefix netip.Prefix, action string, best *rib.Route) {
	ev := routeChangeEvent{
		Prefix:    prefix.String(),
		Action:    action,
		Timestamp: time.Now().Unix(),
	}
	if best != nil {
		ev.NextHop = best.NextHop.String()
		ev.PeerID = string(best.PeerID)
		ev.PeerASN = best.PeerASN
		ev.LocalPref = best.LocalPref
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal route change event", zap.Error(err))
		return
	}

	record := &kgo.Record{Topic: p.topic, Key: []byte(prefix.String()), Value: payload}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("publish route change failed", zap.String("prefix", prefix.String()), zap.Error(err))
		}
	})
}

// Close flushes outstanding produces and releases the underlying client.
func (p *Producer) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return err
	}
	p.client.Close()
	return nil
}
