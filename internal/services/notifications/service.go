package notifications

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/broker/messages"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/services/statusmap"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type Repository interface {
	GetStoreByMLUserID(ctx context.Context, mlUserID string) (*models.Store, error)
	UpsertPackage(ctx context.Context, up pgstore.PackageUpsert) (uint64, error)
	GetPackageByID(ctx context.Context, id uint64) (*models.Package, error)
	GetPackageByTrackingID(ctx context.Context, trackingID string) (*models.Package, error)
	SetShipmentLabel(ctx context.Context, orderID, filename string) error
	AppendHistory(ctx context.Context, h pgstore.HistoryAppend) (uint64, error)
	ListStatusMappings(ctx context.Context) ([]*models.StatusMapping, error)
}

type TokenProvider interface {
	GetValidToken(ctx context.Context, storeID uint64) (*models.StoreToken, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Service handles the carrier's push notifications. Each event names a
// resource (order or shipment) and the carrier account that owns it; the
// handler pulls both linked payloads and reconciles the package row.
type Service struct {
	repo     Repository
	auth     TokenProvider
	client   meli.Client
	producer Producer
	topic    string

	labels *LabelStore

	// background label fetches, waited on at shutdown
	wg sync.WaitGroup
}

func New(repo Repository, auth TokenProvider, client meli.Client, producer Producer, topic string, labels *LabelStore) *Service {
	return &Service{repo: repo, auth: auth, client: client, producer: producer, topic: topic, labels: labels}
}

// Wait blocks until in-flight background work finishes.
func (s *Service) Wait() { s.wg.Wait() }

// HandleNotification processes one push event. Resource paths that are
// neither orders nor shipments are a no-op. Failures before the upsert
// abort the event without partial writes; the history append after a
// successful upsert is best-effort.
func (s *Service) HandleNotification(ctx context.Context, resource, mlUserID string) error {
	isOrder := strings.Contains(resource, "/orders/")
	isShipment := strings.Contains(resource, "/shipments/")
	if !isOrder && !isShipment {
		slog.Debug("notification ignored", "resource", resource)
		return nil
	}
	resourceID := digitsOf(resource)
	if resourceID == "" {
		return errors.Wrapf(apperr.ErrInvalidInput, "notifications: resource %q has no id", resource)
	}

	store, err := s.repo.GetStoreByMLUserID(ctx, mlUserID)
	if err != nil {
		return errors.Wrapf(err, "notifications: store for ml user %s", mlUserID)
	}
	tok, err := s.auth.GetValidToken(ctx, store.ID)
	if err != nil {
		return errors.Wrapf(err, "notifications: token for store %d", store.ID)
	}

	// Both sides are needed: the order carries buyer and line items, the
	// shipment carries status and the delivery address.
	var (
		order    *meli.OrderPayload
		shipment *meli.ShipmentPayload
	)
	if isOrder {
		order, err = s.client.GetOrder(ctx, resourceID, tok.AccessToken)
		if err != nil {
			return errors.Wrapf(err, "notifications: get order %s", resourceID)
		}
		shipment, err = s.client.GetShipment(ctx, order.ShippingID, tok.AccessToken)
	} else {
		shipment, err = s.client.GetShipment(ctx, resourceID, tok.AccessToken)
		if err != nil {
			return errors.Wrapf(err, "notifications: get shipment %s", resourceID)
		}
		order, err = s.client.GetOrder(ctx, shipment.OrderID, tok.AccessToken)
	}
	if err != nil {
		return errors.Wrap(err, "notifications: fetch linked resource")
	}
	if err := meli.ValidateOrder(order); err != nil {
		return err
	}
	if err := meli.ValidateShipment(shipment); err != nil {
		return err
	}

	slug, err := s.resolveSlug(ctx, shipment)
	if err != nil {
		return err
	}

	pkgID, err := s.repo.UpsertPackage(ctx, pgstore.PackageUpsert{
		StoreID:      store.ID,
		MLOrderID:    order.ID,
		MLTrackingID: shipment.ID,

		MLStatus:    shipment.Status,
		MLSubstatus: shipment.Substatus,
		VoysStatus:  slug,

		MLReceiverName: shipment.Receiver.ReceiverName,
		MLOrderDate:    order.DateCreated,
		MLLatitude:     shipment.Receiver.Latitude,
		MLLongitude:    shipment.Receiver.Longitude,
		ProductsJSON:   order.OrderItemsJSON,

		MLZipCode:            shipment.Receiver.ZipCode,
		MLStateName:          shipment.Receiver.StateName,
		MLCityName:           shipment.Receiver.CityName,
		MLStreetName:         shipment.Receiver.StreetName,
		MLStreetNumber:       shipment.Receiver.StreetNumber,
		MLComment:            shipment.Receiver.Comment,
		MLDeliveryPreference: shipment.Receiver.DeliveryPreference,
		BuyerNickname:        order.BuyerNickname,
	})
	if err != nil {
		return errors.Wrap(err, "notifications: upsert package")
	}

	state := strings.TrimSpace(shipment.Status + " " + shipment.Substatus)
	if _, err := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
		PackageID: pkgID,
		Actor:     messages.SourceWebhook,
		State:     state,
		Comment:   "Cambio de estado de mercadolibre " + state,
	}); err != nil {
		slog.Error("notifications: append history", "packageID", pkgID, "err", err)
	}

	if shipment.Substatus == "printed" && s.labels != nil {
		s.wg.Add(1)
		go func(orderID, shipmentID, token string) {
			defer s.wg.Done()
			lctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.labels.CacheLabel(lctx, orderID, shipmentID, token); err != nil {
				slog.Error("notifications: cache label", "orderID", orderID, "err", err)
			}
		}(order.ID, shipment.ID, tok.AccessToken)
	}

	s.publish(ctx, pkgID, order.ID, shipment, slug)
	return nil
}

// resolveSlug maps the external status. When no mapping claims it, an
// existing package keeps its current internal status; a brand new package
// starts at the plant.
func (s *Service) resolveSlug(ctx context.Context, shipment *meli.ShipmentPayload) (string, error) {
	mappings, err := s.repo.ListStatusMappings(ctx)
	if err != nil {
		return "", errors.Wrap(err, "notifications: list status mappings")
	}
	if slug := statusmap.Resolve(mappings, shipment.Status); slug != "" {
		return slug, nil
	}
	if pkg, err := s.repo.GetPackageByTrackingID(ctx, shipment.ID); err == nil {
		return pkg.VoysStatus, nil
	}
	return models.StatusEnPlanta, nil
}

func (s *Service) publish(ctx context.Context, pkgID uint64, orderID string, shipment *meli.ShipmentPayload, slug string) {
	if s.producer == nil || s.topic == "" {
		return
	}
	b, err := json.Marshal(messages.PackageUpdated{
		PackageID:    pkgID,
		MLOrderID:    orderID,
		MLTrackingID: shipment.ID,
		MLStatus:     shipment.Status,
		MLSubstatus:  shipment.Substatus,
		VoysStatus:   slug,
		Source:       messages.SourceWebhook,
		UpdatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.topic, []byte(strconv.FormatUint(pkgID, 10)), b); err != nil {
		slog.Error("notifications: publish package.updated", "packageID", pkgID, "err", err)
	}
}

func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GetLabel returns the rendered label for a shipment, using the owning
// store's credentials when a fetch is needed.
func (s *Service) GetLabel(ctx context.Context, shipmentID string) ([]byte, error) {
	if s.labels == nil {
		return nil, errors.Wrap(apperr.ErrNotFound, "notifications: label store not configured")
	}
	pkg, err := s.repo.GetPackageByTrackingID(ctx, shipmentID)
	if err != nil {
		return nil, errors.Wrapf(err, "notifications: package for shipment %s", shipmentID)
	}
	tok, err := s.auth.GetValidToken(ctx, pkg.StoreID)
	if err != nil {
		return nil, errors.Wrapf(err, "notifications: token for store %d", pkg.StoreID)
	}
	return s.labels.ReadLabel(ctx, shipmentID, tok.AccessToken)
}
