package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

func (s *Storage) CreateRoute(ctx context.Context, deliveryDriverID uint64) (*models.Route, error) {
	var r models.Route
	err := s.db.QueryRow(ctx, `
INSERT INTO routes (delivery_driver_id, created_at, updated_at)
VALUES ($1, now(), now())
RETURNING id, delivery_driver_id, created_at, updated_at
`, deliveryDriverID).Scan(&r.ID, &r.DeliveryDriverID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert route")
	}
	return &r, nil
}

func (s *Storage) GetRouteByID(ctx context.Context, routeID uint64) (*models.Route, error) {
	var r models.Route
	err := s.db.QueryRow(ctx, `
SELECT id, delivery_driver_id, created_at, updated_at FROM routes WHERE id = $1
`, routeID).Scan(&r.ID, &r.DeliveryDriverID, &r.CreatedAt, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "route %d", routeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select route")
	}
	return &r, nil
}

func (s *Storage) UpdateRouteDriver(ctx context.Context, routeID, deliveryDriverID uint64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE routes SET delivery_driver_id = $2, updated_at = now() WHERE id = $1
`, routeID, deliveryDriverID)
	if err != nil {
		return errors.Wrap(err, "update route")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "route %d", routeID)
	}
	return nil
}

// AssignPackagesToRoute links the listed packages in order, giving each a
// contiguous 1-based position. Ids not present in packages are skipped.
func (s *Storage) AssignPackagesToRoute(ctx context.Context, routeID uint64, packageIDs []uint64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	pos := int32(0)
	for _, id := range packageIDs {
		if id == 0 {
			continue
		}
		pos++
		_, err := tx.Exec(ctx, `
UPDATE packages SET route_id = $2, route_order = $3, updated_at = now() WHERE id = $1
`, id, routeID, pos)
		if err != nil {
			return errors.Wrap(err, "assign package to route")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// DetachRoutePackages clears route linkage and, when resetStatus is
// non-empty, moves every member back to that internal status. Assignment is
// dropped too: a package off its route is never assigned.
func (s *Storage) DetachRoutePackages(ctx context.Context, routeID uint64, resetStatus string) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
UPDATE packages
SET
  route_id = NULL,
  route_order = NULL,
  assigned = FALSE,
  voys_status = CASE WHEN $2 = '' THEN voys_status ELSE $2 END,
  updated_at = now()
WHERE route_id = $1
RETURNING id
`, routeID, resetStatus)
	if err != nil {
		return nil, errors.Wrap(err, "detach route packages")
	}
	return collectIDs(rows, "detach route packages")
}

func (s *Storage) DeleteRoute(ctx context.Context, routeID uint64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM routes WHERE id = $1`, routeID)
	if err != nil {
		return errors.Wrap(err, "delete route")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "route %d", routeID)
	}
	return nil
}

func (s *Storage) ListRoutePackages(ctx context.Context, routeID uint64) ([]*models.Package, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+packageColumns+`
FROM packages p
WHERE p.route_id = $1
ORDER BY p.route_order ASC
`, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "select route packages")
	}
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan route package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
