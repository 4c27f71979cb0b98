package pgstore

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/models"
)

type HistoryAppend struct {
	PackageID uint64
	RouteID   *uint64
	Actor     string
	State     string
	Comment   string
	At        time.Time
}

// AppendHistory writes one audit row. State falls back to the package's
// current voys_status when empty, matching the ledger contract.
func (s *Storage) AppendHistory(ctx context.Context, h HistoryAppend) (uint64, error) {
	at := h.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO package_history (package_id, route_id, actor, state, comment, created_at)
SELECT p.id, $2, $3, CASE WHEN $4 = '' THEN p.voys_status ELSE $4 END, $5, $6
FROM packages p
WHERE p.id = $1
RETURNING id
`, h.PackageID, h.RouteID, h.Actor, h.State, h.Comment, at.UTC()).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "append history")
	}
	return id, nil
}

// LatestHistoryPerState returns the most recent row within each state bucket,
// newest-first.
func (s *Storage) LatestHistoryPerState(ctx context.Context, packageID uint64) ([]*models.PackageHistory, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT ON (state)
  id, package_id, route_id, actor, state, comment, created_at
FROM package_history
WHERE package_id = $1
ORDER BY state, created_at DESC, id DESC
`, packageID)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.PackageHistory
	for rows.Next() {
		var h models.PackageHistory
		if err := rows.Scan(&h.ID, &h.PackageID, &h.RouteID, &h.Actor, &h.State, &h.Comment, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, &h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	// DISTINCT ON ordered by state; re-sort newest-first for the caller.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Storage) ListHistory(ctx context.Context, packageID uint64, limit, offset int) ([]*models.PackageHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, package_id, route_id, actor, state, comment, created_at
FROM package_history
WHERE package_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3
`, packageID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.PackageHistory
	for rows.Next() {
		var h models.PackageHistory
		if err := rows.Scan(&h.ID, &h.PackageID, &h.RouteID, &h.Actor, &h.State, &h.Comment, &h.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan history")
		}
		out = append(out, &h)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// CountHistorySince supports the sweep idempotence checks in tests.
func (s *Storage) CountHistorySince(ctx context.Context, packageID uint64, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT COUNT(*) FROM package_history WHERE package_id = $1 AND created_at >= $2
`, packageID, since.UTC()).Scan(&n)
	return n, errors.Wrap(err, "count history")
}
