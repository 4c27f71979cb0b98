package notifications

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/integrations/meli"
	"github.com/voys/parceldesk/internal/models"
)

type labelRepo interface {
	GetPackageByTrackingID(ctx context.Context, trackingID string) (*models.Package, error)
	SetShipmentLabel(ctx context.Context, orderID, filename string) error
}

// LabelStore caches rendered shipment labels on disk so re-prints do not
// hit the carrier again. Files are named after the order id.
type LabelStore struct {
	repo   labelRepo
	client meli.Client
	dir    string
}

func NewLabelStore(repo labelRepo, client meli.Client, dir string) *LabelStore {
	return &LabelStore{repo: repo, client: client, dir: dir}
}

// CacheLabel fetches and stores the label for a shipment. Idempotent: a
// package that already has a cached label is left alone.
func (l *LabelStore) CacheLabel(ctx context.Context, orderID, shipmentID, accessToken string) error {
	pkg, err := l.repo.GetPackageByTrackingID(ctx, shipmentID)
	if err != nil {
		return errors.Wrapf(err, "labels: package for shipment %s", shipmentID)
	}
	if pkg.ShipmentLabel != nil && *pkg.ShipmentLabel != "" {
		if _, serr := os.Stat(filepath.Join(l.dir, *pkg.ShipmentLabel)); serr == nil {
			return nil
		}
	}

	data, err := l.client.FetchLabel(ctx, shipmentID, accessToken)
	if err != nil {
		return errors.Wrapf(err, "labels: fetch label for shipment %s", shipmentID)
	}

	filename := orderID + ".pdf"
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrap(err, "labels: create export dir")
	}
	if err := os.WriteFile(filepath.Join(l.dir, filename), data, 0o644); err != nil {
		return errors.Wrap(err, "labels: write label file")
	}
	if err := l.repo.SetShipmentLabel(ctx, orderID, filename); err != nil {
		return errors.Wrap(err, "labels: record label reference")
	}
	return nil
}

// ReadLabel returns the cached label bytes for a shipment, fetching and
// caching it first when needed.
func (l *LabelStore) ReadLabel(ctx context.Context, shipmentID, accessToken string) ([]byte, error) {
	pkg, err := l.repo.GetPackageByTrackingID(ctx, shipmentID)
	if err != nil {
		return nil, errors.Wrapf(err, "labels: package for shipment %s", shipmentID)
	}
	if pkg.ShipmentLabel != nil && *pkg.ShipmentLabel != "" {
		b, err := os.ReadFile(filepath.Join(l.dir, *pkg.ShipmentLabel))
		if err == nil {
			return b, nil
		}
		// cached reference but missing file: refetch below
	}
	if pkg.MLOrderID == nil {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "labels: package has no order id")
	}
	if err := l.CacheLabel(ctx, *pkg.MLOrderID, shipmentID, accessToken); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(l.dir, *pkg.MLOrderID+".pdf"))
	return b, errors.Wrap(err, "labels: read cached label")
}
