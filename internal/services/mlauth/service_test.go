package mlauth

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
)

type fakeRepo struct {
	stores  map[string]*models.Store
	tokens  map[uint64]*models.StoreToken
	linked  []uint64
	cleared []uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stores: map[string]*models.Store{}, tokens: map[uint64]*models.StoreToken{}}
}

func (r *fakeRepo) GetStoreByOAuthState(_ context.Context, state string) (*models.Store, error) {
	st, ok := r.stores[state]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "store not found")
	}
	cp := *st
	return &cp, nil
}

func (r *fakeRepo) LinkStore(_ context.Context, storeID uint64, mlUserID, mlNickname string) error {
	r.linked = append(r.linked, storeID)
	return nil
}

func (r *fakeRepo) GetToken(_ context.Context, storeID uint64) (*models.StoreToken, error) {
	tok, ok := r.tokens[storeID]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "token not found")
	}
	cp := *tok
	return &cp, nil
}

func (r *fakeRepo) UpsertToken(_ context.Context, tok models.StoreToken) error {
	tok.UpdatedAt = time.Now().UTC()
	r.tokens[tok.StoreID] = &tok
	return nil
}

func (r *fakeRepo) ClearToken(_ context.Context, storeID uint64) error {
	r.cleared = append(r.cleared, storeID)
	if tok, ok := r.tokens[storeID]; ok {
		tok.AccessToken, tok.RefreshToken, tok.ExpiresIn = "", "", 0
	}
	return nil
}

type fakeMeli struct {
	refreshed  int
	refreshErr error
	tokens     meli.TokenSet
	profile    meli.UserProfile
}

func (c *fakeMeli) GetOrder(context.Context, string, string) (*meli.OrderPayload, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeMeli) GetShipment(context.Context, string, string) (*meli.ShipmentPayload, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeMeli) GetUserProfile(context.Context, string) (*meli.UserProfile, error) {
	cp := c.profile
	return &cp, nil
}

func (c *fakeMeli) ExchangeCode(context.Context, string) (*meli.TokenSet, error) {
	cp := c.tokens
	return &cp, nil
}

func (c *fakeMeli) RefreshToken(context.Context, string) (*meli.TokenSet, error) {
	c.refreshed++
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	cp := c.tokens
	return &cp, nil
}

func (c *fakeMeli) FetchLabel(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func TestGetValidToken_FreshTokenPassesThrough(t *testing.T) {
	repo := newFakeRepo()
	repo.tokens[1] = &models.StoreToken{
		StoreID:      1,
		AccessToken:  "live",
		RefreshToken: "r1",
		ExpiresIn:    21600,
		UpdatedAt:    time.Now().UTC(),
	}
	ml := &fakeMeli{}
	svc := New(repo, ml)

	tok, err := svc.GetValidToken(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "live", tok.AccessToken)
	require.Zero(t, ml.refreshed)
}

func TestGetValidToken_ExpiredTokenRefreshes(t *testing.T) {
	repo := newFakeRepo()
	repo.tokens[1] = &models.StoreToken{
		StoreID:      1,
		AccessToken:  "stale",
		RefreshToken: "r1",
		ExpiresIn:    21600,
		UpdatedAt:    time.Now().UTC().Add(-7 * time.Hour),
	}
	ml := &fakeMeli{tokens: meli.TokenSet{AccessToken: "fresh", RefreshToken: "r2", ExpiresIn: 21600}}
	svc := New(repo, ml)

	tok, err := svc.GetValidToken(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "fresh", tok.AccessToken)
	require.Equal(t, 1, ml.refreshed)
	require.Equal(t, "r2", repo.tokens[1].RefreshToken, "rotated refresh token must be persisted")
}

func TestGetValidToken_RejectedRefreshClearsCredentials(t *testing.T) {
	repo := newFakeRepo()
	repo.tokens[1] = &models.StoreToken{
		StoreID:      1,
		AccessToken:  "stale",
		RefreshToken: "used",
		ExpiresIn:    21600,
		UpdatedAt:    time.Now().UTC().Add(-8 * time.Hour),
	}
	ml := &fakeMeli{refreshErr: errors.Wrap(apperr.ErrReauthorizationRequired, "invalid_grant")}
	svc := New(repo, ml)

	_, err := svc.GetValidToken(context.Background(), 1)
	require.ErrorIs(t, err, apperr.ErrReauthorizationRequired)
	require.Equal(t, []uint64{1}, repo.cleared)
}

func TestGetValidToken_NoCredentials(t *testing.T) {
	repo := newFakeRepo()
	repo.tokens[1] = &models.StoreToken{StoreID: 1}
	svc := New(repo, &fakeMeli{})

	_, err := svc.GetValidToken(context.Background(), 1)
	require.ErrorIs(t, err, apperr.ErrReauthorizationRequired)
}

func TestExchangeCode_LinksStore(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["state-abc"] = &models.Store{ID: 7, OAuthState: "state-abc"}
	ml := &fakeMeli{
		tokens:  meli.TokenSet{AccessToken: "a1", RefreshToken: "r1", ExpiresIn: 21600},
		profile: meli.UserProfile{ID: "123456", Nickname: "VOYSSTORE"},
	}
	svc := New(repo, ml)

	store, err := svc.ExchangeCode(context.Background(), "code-1", "state-abc")
	require.NoError(t, err)
	require.True(t, store.Vinculated)
	require.NotNil(t, store.MLUserID)
	require.Equal(t, "123456", *store.MLUserID)
	require.Equal(t, []uint64{7}, repo.linked)
	require.Equal(t, "a1", repo.tokens[7].AccessToken)
}

func TestExchangeCode_AlreadyLinked(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["state-abc"] = &models.Store{ID: 7, OAuthState: "state-abc", Vinculated: true}
	svc := New(repo, &fakeMeli{})

	_, err := svc.ExchangeCode(context.Background(), "code-1", "state-abc")
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Empty(t, repo.linked)
}

func TestExchangeCode_UnknownState(t *testing.T) {
	svc := New(newFakeRepo(), &fakeMeli{})

	_, err := svc.ExchangeCode(context.Background(), "code-1", "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.ExchangeCode(context.Background(), "", "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}
