package notifications

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type fakeRepo struct {
	mu        sync.Mutex
	stores    map[string]*models.Store
	mappings  []*models.StatusMapping
	upserts   []pgstore.PackageUpsert
	history   []pgstore.HistoryAppend
	packages  map[string]*models.Package // by tracking id
	labels    map[string]string          // order id -> filename
	nextPkgID uint64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		stores:   map[string]*models.Store{},
		packages: map[string]*models.Package{},
		labels:   map[string]string{},
		mappings: []*models.StatusMapping{
			{ID: 1, Slug: models.StatusEnCamino, MLStatuses: []string{"shipped", "ready_to_ship"}},
			{ID: 2, Slug: models.StatusEntregado, MLStatuses: []string{"delivered"}},
		},
		nextPkgID: 100,
	}
}

func (r *fakeRepo) GetStoreByMLUserID(_ context.Context, mlUserID string) (*models.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stores[mlUserID]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "store not found")
	}
	cp := *st
	return &cp, nil
}

func (r *fakeRepo) UpsertPackage(_ context.Context, up pgstore.PackageUpsert) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts = append(r.upserts, up)
	if p, ok := r.packages[up.MLTrackingID]; ok {
		p.MLStatus, p.MLSubstatus, p.VoysStatus = up.MLStatus, up.MLSubstatus, up.VoysStatus
		return p.ID, nil
	}
	r.nextPkgID++
	id := r.nextPkgID
	orderID := up.MLOrderID
	r.packages[up.MLTrackingID] = &models.Package{
		ID:           id,
		StoreID:      up.StoreID,
		MLOrderID:    &orderID,
		MLTrackingID: up.MLTrackingID,
		MLStatus:     up.MLStatus,
		MLSubstatus:  up.MLSubstatus,
		VoysStatus:   up.VoysStatus,
	}
	return id, nil
}

func (r *fakeRepo) GetPackageByID(_ context.Context, id uint64) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.packages {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.Wrap(apperr.ErrNotFound, "package not found")
}

func (r *fakeRepo) GetPackageByTrackingID(_ context.Context, trackingID string) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[trackingID]
	if !ok {
		return nil, errors.Wrap(apperr.ErrNotFound, "package not found")
	}
	cp := *p
	return &cp, nil
}

func (r *fakeRepo) SetShipmentLabel(_ context.Context, orderID, filename string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels[orderID] = filename
	for _, p := range r.packages {
		if p.MLOrderID != nil && *p.MLOrderID == orderID {
			f := filename
			p.ShipmentLabel = &f
		}
	}
	return nil
}

func (r *fakeRepo) AppendHistory(_ context.Context, h pgstore.HistoryAppend) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, h)
	return uint64(len(r.history)), nil
}

func (r *fakeRepo) ListStatusMappings(_ context.Context) ([]*models.StatusMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mappings, nil
}

type fakeAuth struct{ err error }

func (a *fakeAuth) GetValidToken(_ context.Context, storeID uint64) (*models.StoreToken, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &models.StoreToken{StoreID: storeID, AccessToken: "tok"}, nil
}

type fakeMeli struct {
	order    meli.OrderPayload
	shipment meli.ShipmentPayload
	label    []byte

	labelCalls int
}

func (c *fakeMeli) GetOrder(context.Context, string, string) (*meli.OrderPayload, error) {
	cp := c.order
	return &cp, nil
}

func (c *fakeMeli) GetShipment(context.Context, string, string) (*meli.ShipmentPayload, error) {
	cp := c.shipment
	return &cp, nil
}

func (c *fakeMeli) GetUserProfile(context.Context, string) (*meli.UserProfile, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeMeli) ExchangeCode(context.Context, string) (*meli.TokenSet, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeMeli) RefreshToken(context.Context, string) (*meli.TokenSet, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeMeli) FetchLabel(context.Context, string, string) ([]byte, error) {
	c.labelCalls++
	return c.label, nil
}

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (p *fakeProducer) Publish(_ context.Context, topic string, _, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.values = append(p.values, value)
	return nil
}

func testMeli() *fakeMeli {
	return &fakeMeli{
		order: meli.OrderPayload{
			ID:            "2000004812345678",
			DateCreated:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			BuyerNickname: "COMPRADOR1",
			ShippingID:    "44556677",
		},
		shipment: meli.ShipmentPayload{
			ID:      "44556677",
			OrderID: "2000004812345678",
			Status:  "shipped",
			Receiver: meli.ReceiverAddress{
				ReceiverName: "Juan Perez",
				StreetName:   "Av. Rivadavia",
				StreetNumber: "1234",
				CityName:     "CABA",
			},
		},
		label: []byte("%PDF-1.4 fake"),
	}
}

func TestHandleNotification_OrderResource(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	ml := testMeli()
	prod := &fakeProducer{}
	svc := New(repo, &fakeAuth{}, ml, prod, "parceldesk.package.updated", nil)

	err := svc.HandleNotification(context.Background(), "/orders/2000004812345678", "42")
	require.NoError(t, err)

	require.Len(t, repo.upserts, 1)
	up := repo.upserts[0]
	require.Equal(t, uint64(7), up.StoreID)
	require.Equal(t, "2000004812345678", up.MLOrderID)
	require.Equal(t, "44556677", up.MLTrackingID)
	require.Equal(t, models.StatusEnCamino, up.VoysStatus)
	require.Equal(t, "COMPRADOR1", up.BuyerNickname)
	require.Equal(t, "Juan Perez", up.MLReceiverName)

	require.Len(t, repo.history, 1)
	require.Equal(t, "MercadoLibre", repo.history[0].Actor)
	require.Equal(t, "shipped", repo.history[0].State)

	require.Equal(t, []string{"parceldesk.package.updated"}, prod.topics)
}

func TestHandleNotification_ShipmentResource(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	ml := testMeli()
	ml.shipment.Substatus = "out_for_delivery"
	svc := New(repo, &fakeAuth{}, ml, nil, "", nil)

	err := svc.HandleNotification(context.Background(), "/shipments/44556677", "42")
	require.NoError(t, err)

	require.Len(t, repo.upserts, 1)
	require.Equal(t, "shipped out_for_delivery", repo.history[0].State)
	require.Equal(t, "Cambio de estado de mercadolibre shipped out_for_delivery", repo.history[0].Comment)
}

func TestHandleNotification_IrrelevantResourceIsNoOp(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, &fakeAuth{}, testMeli(), nil, "", nil)

	err := svc.HandleNotification(context.Background(), "/payments/123", "42")
	require.NoError(t, err)
	require.Empty(t, repo.upserts)
	require.Empty(t, repo.history)
}

func TestHandleNotification_UnknownStoreFailsBeforeWrites(t *testing.T) {
	repo := newFakeRepo()
	svc := New(repo, &fakeAuth{}, testMeli(), nil, "", nil)

	err := svc.HandleNotification(context.Background(), "/orders/555", "42")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Empty(t, repo.upserts)
	require.Empty(t, repo.history)
}

func TestHandleNotification_TokenFailureAborts(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	auth := &fakeAuth{err: errors.Wrap(apperr.ErrReauthorizationRequired, "expired")}
	svc := New(repo, auth, testMeli(), nil, "", nil)

	err := svc.HandleNotification(context.Background(), "/orders/555", "42")
	require.ErrorIs(t, err, apperr.ErrReauthorizationRequired)
	require.Empty(t, repo.upserts)
}

func TestHandleNotification_WebhookAlwaysAppendsHistory(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	svc := New(repo, &fakeAuth{}, testMeli(), nil, "", nil)

	// same payload twice: one package row, two history rows
	require.NoError(t, svc.HandleNotification(context.Background(), "/orders/2000004812345678", "42"))
	require.NoError(t, svc.HandleNotification(context.Background(), "/orders/2000004812345678", "42"))

	require.Len(t, repo.packages, 1)
	require.Len(t, repo.history, 2)
}

func TestHandleNotification_UnmappedStatusKeepsCurrent(t *testing.T) {
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	repo.packages["44556677"] = &models.Package{
		ID:           5,
		MLTrackingID: "44556677",
		VoysStatus:   models.StatusEnCamino,
	}
	ml := testMeli()
	ml.shipment.Status = "cancelled" // no mapping
	svc := New(repo, &fakeAuth{}, ml, nil, "", nil)

	require.NoError(t, svc.HandleNotification(context.Background(), "/shipments/44556677", "42"))
	require.Equal(t, models.StatusEnCamino, repo.upserts[0].VoysStatus)
}

func TestHandleNotification_PrintedTriggersLabelCache(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeRepo()
	repo.stores["42"] = &models.Store{ID: 7, Vinculated: true}
	ml := testMeli()
	ml.shipment.Substatus = "printed"
	labels := NewLabelStore(repo, ml, dir)
	svc := New(repo, &fakeAuth{}, ml, nil, "", labels)

	require.NoError(t, svc.HandleNotification(context.Background(), "/shipments/44556677", "42"))
	svc.Wait()

	require.Equal(t, 1, ml.labelCalls)
	b, err := os.ReadFile(filepath.Join(dir, "2000004812345678.pdf"))
	require.NoError(t, err)
	require.Equal(t, ml.label, b)
	require.Equal(t, "2000004812345678.pdf", repo.labels["2000004812345678"])

	// re-notifying while the label is cached must not refetch
	require.NoError(t, svc.HandleNotification(context.Background(), "/shipments/44556677", "42"))
	svc.Wait()
	require.Equal(t, 1, ml.labelCalls)
}

func TestLabelStore_ReadLabelFetchesOnDemand(t *testing.T) {
	dir := t.TempDir()
	repo := newFakeRepo()
	orderID := "2000004812345678"
	repo.packages["44556677"] = &models.Package{ID: 5, MLOrderID: &orderID, MLTrackingID: "44556677"}
	ml := testMeli()
	labels := NewLabelStore(repo, ml, dir)

	b, err := labels.ReadLabel(context.Background(), "44556677", "tok")
	require.NoError(t, err)
	require.Equal(t, ml.label, b)
	require.Equal(t, 1, ml.labelCalls)

	// second read comes from disk
	_, err = labels.ReadLabel(context.Background(), "44556677", "tok")
	require.NoError(t, err)
	require.Equal(t, 1, ml.labelCalls)
}
