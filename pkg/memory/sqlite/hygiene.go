package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// Hygiene pass tuning.
const (
	hardDeleteGrace     = 7 * 24 * time.Hour
	rawReliabilityFloor = 0.3
	staleTrendAge       = 30 * 24 * time.Hour
	contradictionSLO    = 0.2
)

// HygieneReport summarizes one hygiene sweep.
type HygieneReport struct {
	ExpiredSoftDeleted int
	ExpiredHardDeleted int
	RawDemoted         int
	TrendsDemoted      int
	BeliefsDemoted     int
	ContradictionRatio float64
	SLOViolated        bool
}

// Hygiene runs the retention and demotion passes. All passes are idempotent;
// the heartbeat calls this on a fixed interval.
func (s *Store) Hygiene(ctx context.Context) (*HygieneReport, error) {
	report := &HygieneReport{}
	now := s.now().UTC()

	// 1a. Soft-delete units whose event passed retention.
	res, err := s.db.ExecContext(ctx, `
		UPDATE retrieval_units SET deleted = 1, updated_at = ?
		WHERE deleted = 0 AND id IN (
			SELECT id FROM events WHERE retain_until IS NOT NULL AND retain_until < ?
		)`, now, now)
	if err != nil {
		return nil, fmt.Errorf("hygiene expire: %w", err)
	}
	n, _ := res.RowsAffected()
	report.ExpiredSoftDeleted = int(n)

	// 1b. Hard-delete soft-deleted units past the grace window.
	res, err = s.db.ExecContext(ctx, `
		DELETE FROM retrieval_units
		WHERE deleted = 1 AND updated_at < ?`, now.Add(-hardDeleteGrace))
	if err != nil {
		return nil, fmt.Errorf("hygiene hard delete: %w", err)
	}
	n, _ = res.RowsAffected()
	report.ExpiredHardDeleted = int(n)

	// 2. Bulk-demote low-reliability raw signals.
	res, err = s.db.ExecContext(ctx, `
		UPDATE retrieval_units SET tier = ?, updated_at = ?
		WHERE deleted = 0 AND tier = ? AND id IN (
			SELECT id FROM events WHERE confidence < ?
		)`, string(models.TierDemoted), now, string(models.TierRaw), rawReliabilityFloor)
	if err != nil {
		return nil, fmt.Errorf("hygiene raw demote: %w", err)
	}
	n, _ = res.RowsAffected()
	report.RawDemoted = int(n)

	// 3. Demote stale trend snapshots; governance snapshots are exempt.
	res, err = s.db.ExecContext(ctx, `
		UPDATE retrieval_units SET tier = ?, updated_at = ?
		WHERE deleted = 0 AND slot_key LIKE 'trend.%'
		  AND slot_key NOT LIKE 'trend.governance.%'
		  AND tier <> ?
		  AND updated_at < ?`,
		string(models.TierDemoted), now, string(models.TierDemoted), now.Add(-staleTrendAge))
	if err != nil {
		return nil, fmt.Errorf("hygiene trend demote: %w", err)
	}
	n, _ = res.RowsAffected()
	report.TrendsDemoted = int(n)

	// 4. Demote beliefs whose cumulative contradiction score crossed the
	// threshold.
	res, err = s.db.ExecContext(ctx, `
		UPDATE beliefs SET promotion_status = ?, updated_at = ?
		WHERE status = 'active' AND contradiction_score > ? AND promotion_status <> ?`,
		string(models.TierDemoted), now, memory.DemotionThreshold, string(models.TierDemoted))
	if err != nil {
		return nil, fmt.Errorf("hygiene belief demote: %w", err)
	}
	n, _ = res.RowsAffected()
	report.BeliefsDemoted = int(n)

	// 5. Contradiction ratio against the SLO.
	var total, contradictions int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM events`); err != nil {
		return nil, fmt.Errorf("hygiene ratio: %w", err)
	}
	if err := s.db.GetContext(ctx, &contradictions,
		`SELECT COUNT(*) FROM events WHERE kind = ?`, string(models.EventContradictionMark)); err != nil {
		return nil, fmt.Errorf("hygiene ratio: %w", err)
	}
	if total > 0 {
		report.ContradictionRatio = float64(contradictions) / float64(total)
	}
	report.SLOViolated = report.ContradictionRatio > contradictionSLO

	if report.SLOViolated {
		slog.Warn("Memory hygiene: contradiction ratio over SLO",
			"ratio", report.ContradictionRatio, "slo", contradictionSLO)
	}

	return report, nil
}
