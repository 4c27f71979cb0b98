package pgstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

// ListStatusMappings returns entries in insertion order. Resolution scans
// them first-match-wins, so the order is part of the contract.
func (s *Storage) ListStatusMappings(ctx context.Context) ([]*models.StatusMapping, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, slug, name, ml_statuses, created_at, updated_at
FROM status_mappings
ORDER BY id ASC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select status mappings")
	}
	defer rows.Close()

	var out []*models.StatusMapping
	for rows.Next() {
		var m models.StatusMapping
		var raw []byte
		if err := rows.Scan(&m.ID, &m.Slug, &m.Name, &raw, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan status mapping")
		}
		if err := json.Unmarshal(raw, &m.MLStatuses); err != nil {
			return nil, errors.Wrap(err, "decode ml_statuses")
		}
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func (s *Storage) CreateStatusMapping(ctx context.Context, name string, mlStatuses []string) (*models.StatusMapping, error) {
	raw, err := json.Marshal(mlStatuses)
	if err != nil {
		return nil, errors.Wrap(err, "encode ml_statuses")
	}

	var m models.StatusMapping
	var stored []byte
	err = s.db.QueryRow(ctx, `
INSERT INTO status_mappings (slug, name, ml_statuses, created_at, updated_at)
VALUES ($1, $2, $3, now(), now())
RETURNING id, slug, name, ml_statuses, created_at, updated_at
`, slugify(name), name, raw).Scan(&m.ID, &m.Slug, &m.Name, &stored, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, errors.Wrapf(apperr.ErrConflict, "status mapping %q", slugify(name))
		}
		return nil, errors.Wrap(err, "insert status mapping")
	}
	_ = json.Unmarshal(stored, &m.MLStatuses)
	return &m, nil
}

func (s *Storage) UpdateStatusMapping(ctx context.Context, id uint64, name string, mlStatuses []string) (*models.StatusMapping, error) {
	raw, err := json.Marshal(mlStatuses)
	if err != nil {
		return nil, errors.Wrap(err, "encode ml_statuses")
	}

	var m models.StatusMapping
	var stored []byte
	err = s.db.QueryRow(ctx, `
UPDATE status_mappings
SET slug = $2, name = $3, ml_statuses = $4, updated_at = now()
WHERE id = $1
RETURNING id, slug, name, ml_statuses, created_at, updated_at
`, id, slugify(name), name, raw).Scan(&m.ID, &m.Slug, &m.Name, &stored, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "status mapping %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update status mapping")
	}
	_ = json.Unmarshal(stored, &m.MLStatuses)
	return &m, nil
}

func (s *Storage) DeleteStatusMapping(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM status_mappings WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete status mapping")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "status mapping %d", id)
	}
	return nil
}
