package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/cache"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type Repository interface {
	GetPackageByID(ctx context.Context, id uint64) (*models.Package, error)
	GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error)
	GetPackageByTrackingID(ctx context.Context, trackingID string) (*models.Package, error)
	FindPackageByOrderIDSuffix(ctx context.Context, suffix string) (*models.Package, error)
	ChangeVoysStatus(ctx context.Context, ch pgstore.VoysStatusChange) error
	SetAssigned(ctx context.Context, ids []uint64, at time.Time) ([]uint64, error)
	SetLiquidated(ctx context.Context, ids []uint64, liquidated bool) ([]uint64, error)
	SetSettledCustomer(ctx context.Context, ids []uint64, settled bool) ([]uint64, error)
	SetClearedDeliveryPerson(ctx context.Context, ids []uint64, cleared bool) ([]uint64, error)
	FilterPackages(ctx context.Context, f pgstore.PackageFilter) ([]*models.Package, error)
	UpdatePackageFields(ctx context.Context, id uint64, edit pgstore.PackageEdit) error
	AppendHistory(ctx context.Context, h pgstore.HistoryAppend) (uint64, error)
	LatestHistoryPerState(ctx context.Context, packageID uint64) ([]*models.PackageHistory, error)
	ListHistory(ctx context.Context, packageID uint64, limit, offset int) ([]*models.PackageHistory, error)
	LastPlantEntryDate(ctx context.Context) (time.Time, error)
	GetStoreByID(ctx context.Context, id uint64) (*models.Store, error)
}

// Service implements the operational package workflow: manual status
// changes at the plant, route-eligibility and liquidation batches, and
// the operator-facing filtered listing.
type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
	defaultLoc *time.Location
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration, defaultLoc *time.Location) *Service {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	return &Service{repo: repo, cache: c, currentTTL: currentTTL, defaultLoc: defaultLoc}
}

func currentKey(id uint64) string { return fmt.Sprintf("package:%d:current", id) }

func (s *Service) GetPackageByID(ctx context.Context, id uint64) (*models.Package, error) {
	return s.repo.GetPackageByID(ctx, id)
}

// GetPackagesByIDs serves the hot "current state" reads through the cache.
// The cache is best-effort: a miss or a broken entry falls through to the
// database and refills.
func (s *Service) GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error) {
	if len(ids) == 0 {
		return []*models.Package{}, nil
	}

	miss := make([]uint64, 0, len(ids))
	got := make(map[uint64]*models.Package, len(ids))

	if s.cache != nil && s.currentTTL > 0 {
		for _, id := range ids {
			b, ok, err := s.cache.Get(ctx, currentKey(id))
			if err != nil || !ok {
				miss = append(miss, id)
				continue
			}
			var p models.Package
			if json.Unmarshal(b, &p) != nil {
				miss = append(miss, id)
				continue
			}
			got[id] = &p
		}
	} else {
		miss = ids
	}

	if len(miss) > 0 {
		fromDB, err := s.repo.GetPackagesByIDs(ctx, miss)
		if err != nil {
			return nil, errors.Wrap(err, "packages: get by ids")
		}
		for _, p := range fromDB {
			got[p.ID] = p
			if s.cache != nil && s.currentTTL > 0 {
				if b, err := json.Marshal(p); err == nil {
					_ = s.cache.Set(ctx, currentKey(p.ID), b, s.currentTTL)
				}
			}
		}
	}

	out := make([]*models.Package, 0, len(ids))
	for _, id := range ids {
		if p, ok := got[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// InvalidateCurrent drops the cached current state for one package. Called
// from the package.updated consumer so readers converge after async writes.
func (s *Service) InvalidateCurrent(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, currentKey(id)); err != nil {
		slog.Warn("packages: cache invalidate failed", "packageID", id, "err", err)
	}
}

func (s *Service) invalidateMany(ctx context.Context, ids []uint64) {
	for _, id := range ids {
		s.InvalidateCurrent(ctx, id)
	}
}

// StatusChangeInput is the scanner-gun payload from the plant floor. The
// operator either types the tail digits of the order id or scans the
// shipment barcode / QR code; the scan text arrives as-is.
type StatusChangeInput struct {
	MLOrderID    string
	MLTrackingID string
	VoysStatus   string
	Actor        string
}

// ChangeStatus moves a package onto the given internal status. Entering
// the plant stamps last_plant_entry_at (and first_plant_entry_at once,
// never overwritten). A QR scan that carries the full shipment payload is
// kept verbatim in qr_data for later re-prints.
func (s *Service) ChangeStatus(ctx context.Context, in StatusChangeInput) (*models.Package, error) {
	if in.VoysStatus == "" {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "packages: status is required")
	}

	var (
		pkg    *models.Package
		qrData *string
		err    error
	)
	switch {
	case in.MLOrderID != "":
		suffix := digitsOf(in.MLOrderID)
		if suffix == "" {
			return nil, errors.Wrap(apperr.ErrInvalidInput, "packages: order id has no digits")
		}
		pkg, err = s.repo.FindPackageByOrderIDSuffix(ctx, suffix)
	case in.MLTrackingID != "":
		trackingID := in.MLTrackingID
		if isQRPayload(trackingID) {
			raw := trackingID
			qrData = &raw
			if id := qrShipmentID(raw); id != "" {
				trackingID = id
			}
		} else {
			trackingID = digitsOf(trackingID)
		}
		if trackingID == "" {
			return nil, errors.Wrap(apperr.ErrInvalidInput, "packages: tracking id has no digits")
		}
		pkg, err = s.repo.GetPackageByTrackingID(ctx, trackingID)
	default:
		return nil, errors.Wrap(apperr.ErrInvalidInput, "packages: order id or tracking id is required")
	}
	if err != nil {
		return nil, errors.Wrap(err, "packages: locate package")
	}

	var plantEntry *time.Time
	if in.VoysStatus == models.StatusEnPlanta {
		now := time.Now().UTC()
		plantEntry = &now
	}

	if err := s.repo.ChangeVoysStatus(ctx, pgstore.VoysStatusChange{
		PackageID:    pkg.ID,
		VoysStatus:   in.VoysStatus,
		PlantEntryAt: plantEntry,
		QRData:       qrData,
	}); err != nil {
		return nil, errors.Wrap(err, "packages: change status")
	}

	if _, err := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
		PackageID: pkg.ID,
		Actor:     actorOrDefault(in.Actor),
		State:     in.VoysStatus,
		Comment:   "Cambio manual de estado a " + in.VoysStatus,
	}); err != nil {
		slog.Error("packages: append history on status change", "packageID", pkg.ID, "err", err)
	}

	s.InvalidateCurrent(ctx, pkg.ID)
	return s.repo.GetPackageByID(ctx, pkg.ID)
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "operador"
	}
	return actor
}

// digitsOf strips everything but digits. Barcode scanners prepend and
// append control characters depending on the gun model.
func digitsOf(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isQRPayload detects the carrier's full QR JSON, which carries the
// shipment id plus verification fields.
func isQRPayload(s string) bool {
	return strings.Contains(s, "hash_code") && strings.Contains(s, "security_digit")
}

func qrShipmentID(raw string) string {
	var qr struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &qr); err != nil {
		return ""
	}
	return qr.ID.String()
}

// Batch transitions. Each one rejects an empty id list and applies as a
// bulk update; ids that do not exist (or are not eligible) are silently
// skipped. A history row is appended only for packages actually updated,
// so the ledger never records a transition that did not happen. The
// returned count is rows updated.

func (s *Service) Assign(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha asignado el paquete", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetAssigned(ctx, ids, time.Now().UTC())
	})
}

func (s *Service) LiquidateDistributor(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha liquidado al repartidor", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetLiquidated(ctx, ids, true)
	})
}

func (s *Service) VoidLiquidationDistributor(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha eliminado la liquidación del repartidor", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetLiquidated(ctx, ids, false)
	})
}

func (s *Service) LiquidateCustomer(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha liquidado al cliente", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetSettledCustomer(ctx, ids, true)
	})
}

func (s *Service) VoidLiquidationCustomer(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha eliminado la liquidación del cliente", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetSettledCustomer(ctx, ids, false)
	})
}

func (s *Service) ClearDeliveryPerson(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha marcado el paquete como rendido por el repartidor", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetClearedDeliveryPerson(ctx, ids, true)
	})
}

func (s *Service) VoidClearDeliveryPerson(ctx context.Context, ids []uint64, actor string) (int64, error) {
	return s.batch(ctx, ids, actor, "Se ha eliminado la rendición del repartidor", func(ctx context.Context) ([]uint64, error) {
		return s.repo.SetClearedDeliveryPerson(ctx, ids, false)
	})
}

func (s *Service) batch(ctx context.Context, ids []uint64, actor, comment string, apply func(context.Context) ([]uint64, error)) (int64, error) {
	if len(ids) == 0 {
		return 0, errors.Wrap(apperr.ErrInvalidInput, "packages: id list is empty")
	}
	updated, err := apply(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "packages: batch update")
	}
	for _, id := range updated {
		if _, herr := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
			PackageID: id,
			Actor:     actorOrDefault(actor),
			Comment:   comment,
		}); herr != nil {
			slog.Error("packages: append batch history", "packageID", id, "err", herr)
		}
	}
	s.invalidateMany(ctx, updated)
	return int64(len(updated)), nil
}

// EditInput is the manual correction surface: nil fields stay untouched.
type EditInput struct {
	VoysStatus        *string
	MLReceiverName    *string
	MLComment         *string
	FirstPlantEntryAt *time.Time
	Actor             string
}

func (s *Service) Edit(ctx context.Context, id uint64, in EditInput) (*models.Package, error) {
	if in.VoysStatus == nil && in.MLReceiverName == nil && in.MLComment == nil && in.FirstPlantEntryAt == nil {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "packages: nothing to edit")
	}
	if err := s.repo.UpdatePackageFields(ctx, id, pgstore.PackageEdit{
		VoysStatus:        in.VoysStatus,
		MLReceiverName:    in.MLReceiverName,
		MLComment:         in.MLComment,
		FirstPlantEntryAt: in.FirstPlantEntryAt,
	}); err != nil {
		return nil, errors.Wrap(err, "packages: edit")
	}
	if _, err := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
		PackageID: id,
		Actor:     actorOrDefault(in.Actor),
		Comment:   "Actualización manual del paquete",
	}); err != nil {
		slog.Error("packages: append edit history", "packageID", id, "err", err)
	}
	s.InvalidateCurrent(ctx, id)
	return s.repo.GetPackageByID(ctx, id)
}

// History returns the audit trail as the back office shows it: the most
// recent entry within each distinct state bucket, newest first.
func (s *Service) History(ctx context.Context, packageID uint64) ([]*models.PackageHistory, error) {
	return s.repo.LatestHistoryPerState(ctx, packageID)
}

func (s *Service) FullHistory(ctx context.Context, packageID uint64, limit, offset int) ([]*models.PackageHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListHistory(ctx, packageID, limit, offset)
}

func (s *Service) LastPlantEntryDate(ctx context.Context) (time.Time, error) {
	return s.repo.LastPlantEntryDate(ctx)
}
