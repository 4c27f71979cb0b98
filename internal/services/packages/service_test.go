package packages

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type fakeRepo struct {
	mu       sync.Mutex
	packages map[uint64]*models.Package
	stores   map[uint64]*models.Store
	history  []pgstore.HistoryAppend
	changes  []pgstore.VoysStatusChange

	filterIn  pgstore.PackageFilter
	filterOut []*models.Package

	byIDsCalls int
}

func newRepo() *fakeRepo {
	return &fakeRepo{packages: map[uint64]*models.Package{}, stores: map[uint64]*models.Store{}}
}

func (r *fakeRepo) GetPackageByID(_ context.Context, id uint64) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[id]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "package not found")
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) GetPackagesByIDs(_ context.Context, ids []uint64) ([]*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIDsCalls++
	out := make([]*models.Package, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.packages[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetPackageByTrackingID(_ context.Context, trackingID string) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.packages {
		if p.MLTrackingID == trackingID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.Wrap(apperr.ErrNotFound, "package not found")
}

func (r *fakeRepo) FindPackageByOrderIDSuffix(_ context.Context, suffix string) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.packages {
		if p.MLOrderID != nil && len(*p.MLOrderID) >= len(suffix) &&
			(*p.MLOrderID)[len(*p.MLOrderID)-len(suffix):] == suffix {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.Wrap(apperr.ErrNotFound, "package not found")
}

func (r *fakeRepo) ChangeVoysStatus(_ context.Context, ch pgstore.VoysStatusChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
	if p, ok := r.packages[ch.PackageID]; ok {
		p.VoysStatus = ch.VoysStatus
		if ch.PlantEntryAt != nil {
			p.LastPlantEntryAt = ch.PlantEntryAt
			if p.FirstPlantEntryAt == nil {
				p.FirstPlantEntryAt = ch.PlantEntryAt
			}
		}
		if ch.QRData != nil {
			p.QRData = ch.QRData
		}
	}
	return nil
}

func (r *fakeRepo) SetAssigned(_ context.Context, ids []uint64, at time.Time) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated []uint64
	for _, id := range ids {
		if p, ok := r.packages[id]; ok && p.RouteID != nil {
			p.Assigned = true
			t := at
			p.AssignmentDate = &t
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (r *fakeRepo) SetLiquidated(_ context.Context, ids []uint64, v bool) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated []uint64
	for _, id := range ids {
		if p, ok := r.packages[id]; ok {
			p.Liquidated = v
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (r *fakeRepo) SetSettledCustomer(_ context.Context, ids []uint64, v bool) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated []uint64
	for _, id := range ids {
		if p, ok := r.packages[id]; ok {
			p.SettledCustomer = v
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (r *fakeRepo) SetClearedDeliveryPerson(_ context.Context, ids []uint64, v bool) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated []uint64
	for _, id := range ids {
		if p, ok := r.packages[id]; ok {
			p.ClearedDeliveryPerson = v
			updated = append(updated, id)
		}
	}
	return updated, nil
}

func (r *fakeRepo) FilterPackages(_ context.Context, f pgstore.PackageFilter) ([]*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filterIn = f
	return r.filterOut, nil
}

func (r *fakeRepo) UpdatePackageFields(_ context.Context, id uint64, edit pgstore.PackageEdit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[id]
	if !ok {
		return errors.Wrap(apperr.ErrNotFound, "package not found")
	}
	if edit.VoysStatus != nil {
		p.VoysStatus = *edit.VoysStatus
	}
	if edit.MLReceiverName != nil {
		p.MLReceiverName = *edit.MLReceiverName
	}
	return nil
}

func (r *fakeRepo) AppendHistory(_ context.Context, h pgstore.HistoryAppend) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, h)
	return uint64(len(r.history)), nil
}

func (r *fakeRepo) LatestHistoryPerState(_ context.Context, _ uint64) ([]*models.PackageHistory, error) {
	return nil, nil
}

func (r *fakeRepo) ListHistory(_ context.Context, _ uint64, _, _ int) ([]*models.PackageHistory, error) {
	return nil, nil
}

func (r *fakeRepo) LastPlantEntryDate(_ context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (r *fakeRepo) GetStoreByID(_ context.Context, id uint64) (*models.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stores[id]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "store not found")
	}
	cp := *st
	return &cp, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func strPtr(s string) *string { return &s }

func TestBatch_EmptyListRejected(t *testing.T) {
	repo := newRepo()
	svc := New(repo, nil, 0, time.UTC)

	_, err := svc.Assign(context.Background(), nil, "op")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.LiquidateDistributor(context.Background(), []uint64{}, "op")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	require.Empty(t, repo.history, "failed batch must write nothing")
}

func TestAssign_CountsAndHistory(t *testing.T) {
	repo := newRepo()
	routeID := uint64(7)
	repo.packages[1] = &models.Package{ID: 1, VoysStatus: models.StatusEnPlanta, RouteID: &routeID}
	repo.packages[2] = &models.Package{ID: 2, VoysStatus: models.StatusEnPlanta, RouteID: &routeID}
	svc := New(repo, nil, 0, time.UTC)

	// id 99 does not exist: ignored, not an error, and no ledger row
	n, err := svc.Assign(context.Background(), []uint64{1, 2, 99}, "maria")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.True(t, repo.packages[1].Assigned)
	require.NotNil(t, repo.packages[1].AssignmentDate)
	require.Len(t, repo.history, 2)
	require.Equal(t, uint64(1), repo.history[0].PackageID)
	require.Equal(t, uint64(2), repo.history[1].PackageID)
	require.Equal(t, "Se ha asignado el paquete", repo.history[0].Comment)
	require.Equal(t, "maria", repo.history[0].Actor)
}

func TestAssign_UnroutedPackageGetsNoLedgerRow(t *testing.T) {
	repo := newRepo()
	repo.packages[7] = &models.Package{ID: 7, VoysStatus: models.StatusEnPlanta}
	svc := New(repo, nil, 0, time.UTC)

	// the package exists but has no route: it cannot become assigned, and
	// the ledger must not say otherwise
	n, err := svc.Assign(context.Background(), []uint64{7}, "maria")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.False(t, repo.packages[7].Assigned)
	require.Empty(t, repo.history)
}

func TestLiquidation_Toggles(t *testing.T) {
	repo := newRepo()
	repo.packages[1] = &models.Package{ID: 1}
	svc := New(repo, nil, 0, time.UTC)

	_, err := svc.LiquidateDistributor(context.Background(), []uint64{1}, "")
	require.NoError(t, err)
	require.True(t, repo.packages[1].Liquidated)

	_, err = svc.VoidLiquidationDistributor(context.Background(), []uint64{1}, "")
	require.NoError(t, err)
	require.False(t, repo.packages[1].Liquidated)

	_, err = svc.LiquidateCustomer(context.Background(), []uint64{1}, "")
	require.NoError(t, err)
	require.True(t, repo.packages[1].SettledCustomer)

	_, err = svc.VoidLiquidationCustomer(context.Background(), []uint64{1}, "")
	require.NoError(t, err)
	require.False(t, repo.packages[1].SettledCustomer)

	require.Len(t, repo.history, 4)
	require.Equal(t, "Se ha liquidado al repartidor", repo.history[0].Comment)
	require.Equal(t, "Se ha eliminado la liquidación del repartidor", repo.history[1].Comment)
	require.Equal(t, "Se ha liquidado al cliente", repo.history[2].Comment)
	require.Equal(t, "Se ha eliminado la liquidación del cliente", repo.history[3].Comment)
	require.Equal(t, "operador", repo.history[0].Actor)
}

func TestChangeStatus_ByOrderSuffix(t *testing.T) {
	repo := newRepo()
	repo.packages[1] = &models.Package{ID: 1, MLOrderID: strPtr("2000004812345678"), VoysStatus: models.StatusEnCamino}
	svc := New(repo, nil, 0, time.UTC)

	// operators type the tail digits, sometimes with scanner noise
	got, err := svc.ChangeStatus(context.Background(), StatusChangeInput{
		MLOrderID:  "#345678\n",
		VoysStatus: models.StatusEnPlanta,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusEnPlanta, got.VoysStatus)
	require.NotNil(t, got.FirstPlantEntryAt)
	require.NotNil(t, got.LastPlantEntryAt)

	require.Len(t, repo.history, 1)
	require.Equal(t, models.StatusEnPlanta, repo.history[0].State)
}

func TestChangeStatus_FirstPlantEntryPreserved(t *testing.T) {
	repo := newRepo()
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	repo.packages[1] = &models.Package{
		ID:                1,
		MLTrackingID:      "44556677",
		VoysStatus:        models.StatusEnCamino,
		FirstPlantEntryAt: &first,
	}
	svc := New(repo, nil, 0, time.UTC)

	got, err := svc.ChangeStatus(context.Background(), StatusChangeInput{
		MLTrackingID: "44556677",
		VoysStatus:   models.StatusEnPlanta,
	})
	require.NoError(t, err)
	require.Equal(t, first, *got.FirstPlantEntryAt)
	require.NotEqual(t, first, *got.LastPlantEntryAt)
}

func TestChangeStatus_QRScan(t *testing.T) {
	repo := newRepo()
	repo.packages[1] = &models.Package{ID: 1, MLTrackingID: "44556677"}
	svc := New(repo, nil, 0, time.UTC)

	qr := `{"id":44556677,"sender_id":1,"hash_code":"abc","security_digit":"7"}`
	got, err := svc.ChangeStatus(context.Background(), StatusChangeInput{
		MLTrackingID: qr,
		VoysStatus:   models.StatusEnPlanta,
	})
	require.NoError(t, err)
	require.NotNil(t, got.QRData)
	require.Equal(t, qr, *got.QRData)
}

func TestChangeStatus_PlainBarcodeKeepsNoQR(t *testing.T) {
	repo := newRepo()
	repo.packages[1] = &models.Package{ID: 1, MLTrackingID: "44556677"}
	svc := New(repo, nil, 0, time.UTC)

	got, err := svc.ChangeStatus(context.Background(), StatusChangeInput{
		MLTrackingID: "44556677",
		VoysStatus:   models.StatusEnCamino,
	})
	require.NoError(t, err)
	require.Nil(t, got.QRData)
	require.Nil(t, got.LastPlantEntryAt, "only plant entry stamps the date")
}

func TestChangeStatus_BadInput(t *testing.T) {
	svc := New(newRepo(), nil, 0, time.UTC)

	_, err := svc.ChangeStatus(context.Background(), StatusChangeInput{VoysStatus: models.StatusEnPlanta})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.ChangeStatus(context.Background(), StatusChangeInput{MLOrderID: "abc", VoysStatus: models.StatusEnPlanta})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = svc.ChangeStatus(context.Background(), StatusChangeInput{MLOrderID: "123"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestGetPackagesByIDs_CacheAside(t *testing.T) {
	repo := newRepo()
	repo.packages[1] = &models.Package{ID: 1, MLTrackingID: "a"}
	repo.packages[2] = &models.Package{ID: 2, MLTrackingID: "b"}
	c := newMemCache()
	svc := New(repo, c, time.Minute, time.UTC)

	got, err := svc.GetPackagesByIDs(context.Background(), []uint64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, repo.byIDsCalls)

	// second read is served from cache
	got, err = svc.GetPackagesByIDs(context.Background(), []uint64{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 1, repo.byIDsCalls)

	svc.InvalidateCurrent(context.Background(), 1)
	_, err = svc.GetPackagesByIDs(context.Background(), []uint64{1})
	require.NoError(t, err)
	require.Equal(t, 2, repo.byIDsCalls)
}
