package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

const storeColumns = `
  id, name, customer_id, oauth_state, vinculated,
  ml_user_id, ml_nickname, cut_schedule, timezone,
  created_at, updated_at`

func scanStore(row rowScanner) (*models.Store, error) {
	var st models.Store
	if err := row.Scan(
		&st.ID, &st.Name, &st.CustomerID, &st.OAuthState, &st.Vinculated,
		&st.MLUserID, &st.MLNickname, &st.CutSchedule, &st.Timezone,
		&st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Storage) GetStoreByID(ctx context.Context, id uint64) (*models.Store, error) {
	row := s.db.QueryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = $1`, id)
	st, err := scanStore(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "store %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select store")
	}
	return st, nil
}

func (s *Storage) GetStoreByMLUserID(ctx context.Context, mlUserID string) (*models.Store, error) {
	row := s.db.QueryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE ml_user_id = $1`, mlUserID)
	st, err := scanStore(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "store with ml user %s", mlUserID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select store by ml user")
	}
	return st, nil
}

func (s *Storage) GetStoreByOAuthState(ctx context.Context, state string) (*models.Store, error) {
	row := s.db.QueryRow(ctx, `SELECT `+storeColumns+` FROM stores WHERE oauth_state = $1`, state)
	st, err := scanStore(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "store with state %s", state)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select store by state")
	}
	return st, nil
}

// LinkStore marks a store as linked to its external account after a
// successful code exchange.
func (s *Storage) LinkStore(ctx context.Context, storeID uint64, mlUserID, mlNickname string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE stores
SET ml_user_id = $2, ml_nickname = $3, vinculated = TRUE, updated_at = now()
WHERE id = $1
`, storeID, mlUserID, mlNickname)
	if err != nil {
		return errors.Wrap(err, "link store")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "store %d", storeID)
	}
	return nil
}

// CreateStore exists for bootstrap and tests; store CRUD proper lives with
// the back-office collaborator.
func (s *Storage) CreateStore(ctx context.Context, name, oauthState, timezone string, cutSchedule *string) (*models.Store, error) {
	if timezone == "" {
		timezone = "America/Argentina/Buenos_Aires"
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO stores (name, oauth_state, timezone, cut_schedule, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
RETURNING `+storeColumns, name, oauthState, timezone, cutSchedule)
	st, err := scanStore(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert store")
	}
	return st, nil
}
