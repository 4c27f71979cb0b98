package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

func (s *Storage) GetToken(ctx context.Context, storeID uint64) (*models.StoreToken, error) {
	var t models.StoreToken
	err := s.db.QueryRow(ctx, `
SELECT store_id, access_token, refresh_token, token_type, scope, expires_in, updated_at
FROM store_tokens
WHERE store_id = $1
`, storeID).Scan(&t.StoreID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.Scope, &t.ExpiresIn, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "token for store %d", storeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select token")
	}
	return &t, nil
}

func (s *Storage) UpsertToken(ctx context.Context, t models.StoreToken) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO store_tokens (store_id, access_token, refresh_token, token_type, scope, expires_in, updated_at)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (store_id)
DO UPDATE SET
  access_token = EXCLUDED.access_token,
  refresh_token = EXCLUDED.refresh_token,
  token_type = EXCLUDED.token_type,
  scope = EXCLUDED.scope,
  expires_in = EXCLUDED.expires_in,
  updated_at = now()
`, t.StoreID, t.AccessToken, t.RefreshToken, t.TokenType, t.Scope, t.ExpiresIn)
	return errors.Wrap(err, "upsert token")
}

// ClearToken wipes dead credentials so the linking flow can run again.
func (s *Storage) ClearToken(ctx context.Context, storeID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE store_tokens
SET access_token = '', refresh_token = '', expires_in = 0, updated_at = now()
WHERE store_id = $1
`, storeID)
	return errors.Wrap(err, "clear token")
}
