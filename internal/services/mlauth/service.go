package mlauth

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
)

type Repository interface {
	GetStoreByOAuthState(ctx context.Context, state string) (*models.Store, error)
	LinkStore(ctx context.Context, storeID uint64, mlUserID, mlNickname string) error
	GetToken(ctx context.Context, storeID uint64) (*models.StoreToken, error)
	UpsertToken(ctx context.Context, tok models.StoreToken) error
	ClearToken(ctx context.Context, storeID uint64) error
}

// Service owns the carrier OAuth credential lifecycle: initial code
// exchange during store linking and transparent refresh for callers
// that need a live access token.
type Service struct {
	repo   Repository
	client meli.Client

	// expirySkew is subtracted from the computed expiry so a token
	// about to lapse mid-request gets refreshed up front.
	expirySkew time.Duration
}

func New(repo Repository, client meli.Client) *Service {
	return &Service{repo: repo, client: client, expirySkew: 30 * time.Second}
}

// GetValidToken returns a usable access token for the store, refreshing
// it against the carrier when the stored one has expired. When the
// refresh token itself is rejected the stored credentials are cleared
// and ErrReauthorizationRequired is returned: the store must go through
// the OAuth linking flow again.
func (s *Service) GetValidToken(ctx context.Context, storeID uint64) (*models.StoreToken, error) {
	tok, err := s.repo.GetToken(ctx, storeID)
	if err != nil {
		return nil, errors.Wrap(err, "mlauth: get token")
	}
	if tok.AccessToken == "" {
		return nil, errors.Wrap(apperr.ErrReauthorizationRequired, "mlauth: store has no credentials")
	}
	if time.Now().UTC().Before(tok.ExpiresAt().Add(-s.expirySkew)) {
		return tok, nil
	}
	return s.refresh(ctx, tok)
}

func (s *Service) refresh(ctx context.Context, old *models.StoreToken) (*models.StoreToken, error) {
	ts, err := s.client.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		if errors.Is(err, apperr.ErrReauthorizationRequired) {
			if cerr := s.repo.ClearToken(ctx, old.StoreID); cerr != nil {
				slog.Error("mlauth: clear rejected token", "storeID", old.StoreID, "err", cerr)
			}
			return nil, errors.Wrapf(err, "mlauth: refresh rejected for store %d", old.StoreID)
		}
		return nil, errors.Wrap(err, "mlauth: refresh token")
	}

	tok := models.StoreToken{
		StoreID:      old.StoreID,
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ExpiresIn:    ts.ExpiresIn,
	}
	if err := s.repo.UpsertToken(ctx, tok); err != nil {
		return nil, errors.Wrap(err, "mlauth: persist refreshed token")
	}
	tok.UpdatedAt = time.Now().UTC()
	return &tok, nil
}

// ExchangeCode completes the OAuth callback: the state parameter
// identifies the store that initiated linking, the code is exchanged
// for tokens and the store gets bound to the carrier account that
// authorized it. A store that is already linked cannot be re-linked.
func (s *Service) ExchangeCode(ctx context.Context, code, state string) (*models.Store, error) {
	if code == "" || state == "" {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "mlauth: code and state are required")
	}

	store, err := s.repo.GetStoreByOAuthState(ctx, state)
	if err != nil {
		return nil, errors.Wrap(err, "mlauth: store by oauth state")
	}
	if store.Vinculated {
		return nil, errors.Wrapf(apperr.ErrConflict, "mlauth: store %d is already linked", store.ID)
	}

	ts, err := s.client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "mlauth: exchange code")
	}

	profile, err := s.client.GetUserProfile(ctx, ts.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "mlauth: fetch user profile")
	}

	if err := s.repo.LinkStore(ctx, store.ID, profile.ID, profile.Nickname); err != nil {
		return nil, errors.Wrap(err, "mlauth: link store")
	}
	if err := s.repo.UpsertToken(ctx, models.StoreToken{
		StoreID:      store.ID,
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ExpiresIn:    ts.ExpiresIn,
	}); err != nil {
		return nil, errors.Wrap(err, "mlauth: persist token")
	}

	store.Vinculated = true
	store.MLUserID = &profile.ID
	store.MLNickname = &profile.Nickname
	slog.Info("store linked to mercadolibre account", "storeID", store.ID, "mlUserID", profile.ID, "nickname", profile.Nickname)
	return store, nil
}
