// Package store persists Loc-RIB and Adj-RIB-In state to Postgres for
// operational visibility, and records route churn events for audit/replay.
// Every call here is invoked from the single RIB manager goroutine, so no
// additional locking is needed on the Go side.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/route-beacon/bgpd/internal/metrics"
	"github.com/route-beacon/bgpd/internal/rib"
	"github.com/route-beacon/bgpd/internal/session"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder init: %v", err))
	}
}

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ rib.StoreSink = (*Store)(nil)

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger.Named("store")}
}

// UpsertLocRIBRoute implements rib.StoreSink.
func (s *Store) UpsertLocRIBRoute(ctx context.Context, r *rib.Route) error {
	start := time.Now()
	asPathJSON, err := json.Marshal(r.ASPath)
	if err != nil {
		return fmt.Errorf("marshal as_path: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO loc_rib_routes (prefix, next_hop, origin, as_path, med, local_pref,
			atomic_aggregate, peer_id, peer_router_id, peer_asn, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (prefix) DO UPDATE SET
			next_hop = EXCLUDED.next_hop,
			origin = EXCLUDED.origin,
			as_path = EXCLUDED.as_path,
			med = EXCLUDED.med,
			local_pref = EXCLUDED.local_pref,
			atomic_aggregate = EXCLUDED.atomic_aggregate,
			peer_id = EXCLUDED.peer_id,
			peer_router_id = EXCLUDED.peer_router_id,
			peer_asn = EXCLUDED.peer_asn,
			updated_at = now()`,
		r.Prefix.String(), r.NextHop.String(), r.Origin, asPathJSON, nullableMED(r.MED), r.LocalPref,
		r.AtomicAggregate, string(r.PeerID), r.PeerRouterID.String(), r.PeerASN,
	)
	s.observe("upsert_loc_rib", start, err)
	return err
}

// DeleteLocRIBRoute implements rib.StoreSink.
func (s *Store) DeleteLocRIBRoute(ctx context.Context, prefix netip.Prefix) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM loc_rib_routes WHERE prefix = $1`, prefix.String())
	s.observe("delete_loc_rib", start, err)
	return err
}

// UpsertAdjRIBIn implements rib.StoreSink.
func (s *Store) UpsertAdjRIBIn(ctx context.Context, peerID session.PeerID, r *rib.Route) error {
	start := time.Now()
	asPathJSON, err := json.Marshal(r.ASPath)
	if err != nil {
		return fmt.Errorf("marshal as_path: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO adj_rib_in_routes (peer_id, prefix, next_hop, origin, as_path, med, local_pref,
			atomic_aggregate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (peer_id, prefix) DO UPDATE SET
			next_hop = EXCLUDED.next_hop,
			origin = EXCLUDED.origin,
			as_path = EXCLUDED.as_path,
			med = EXCLUDED.med,
			local_pref = EXCLUDED.local_pref,
			atomic_aggregate = EXCLUDED.atomic_aggregate,
			updated_at = now()`,
		string(peerID), r.Prefix.String(), r.NextHop.String(), r.Origin, asPathJSON, nullableMED(r.MED), r.LocalPref,
		r.AtomicAggregate,
	)
	s.observe("upsert_adj_rib_in", start, err)
	return err
}

// DeleteAdjRIBIn implements rib.StoreSink.
func (s *Store) DeleteAdjRIBIn(ctx context.Context, peerID session.PeerID, prefix netip.Prefix) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM adj_rib_in_routes WHERE peer_id = $1 AND prefix = $2`, string(peerID), prefix.String())
	s.observe("delete_adj_rib_in", start, err)
	return err
}

// ClearAdjRIBIn implements rib.StoreSink.
func (s *Store) ClearAdjRIBIn(ctx context.Context, peerID session.PeerID) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM adj_rib_in_routes WHERE peer_id = $1`, string(peerID))
	s.observe("clear_adj_rib_in", start, err)
	if err == nil && tag.RowsAffected() > 0 {
		s.logger.Info("cleared adj-rib-in", zap.String("peer", string(peerID)), zap.Int64("rows", tag.RowsAffected()))
	}
	return err
}

// RecordEvent implements rib.StoreSink, appending to the route_events audit
// log. raw carries the JSON-encoded best-path snapshot, or nil on withdraw;
// it is zstd-compressed before storage since route_events accumulates one
// row per advertisement/withdrawal across every partition's retention window.
func (s *Store) RecordEvent(ctx context.Context, prefix netip.Prefix, action string, raw []byte) error {
	start := time.Now()
	var detail []byte
	if raw != nil {
		detail = zstdEncoder.EncodeAll(raw, nil)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO route_events (prefix, action, detail, occurred_at)
		VALUES ($1, $2, $3, now())`,
		prefix.String(), action, detail,
	)
	s.observe("record_event", start, err)
	return err
}

func (s *Store) observe(op string, start time.Time, err error) {
	metrics.DBWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Warn("store write failed", zap.String("op", op), zap.Error(err))
	}
}

func nullableMED(m *uint32) any {
	if m == nil {
		return nil
	}
	return *m
}
