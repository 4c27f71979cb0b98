package routes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/storage/pgstore"
)

type Repository interface {
	CreateRoute(ctx context.Context, deliveryDriverID uint64) (*models.Route, error)
	GetRouteByID(ctx context.Context, routeID uint64) (*models.Route, error)
	UpdateRouteDriver(ctx context.Context, routeID, deliveryDriverID uint64) error
	AssignPackagesToRoute(ctx context.Context, routeID uint64, packageIDs []uint64) error
	DetachRoutePackages(ctx context.Context, routeID uint64, resetStatus string) ([]uint64, error)
	DeleteRoute(ctx context.Context, routeID uint64) error
	ListRoutePackages(ctx context.Context, routeID uint64) ([]*models.Package, error)
	AppendHistory(ctx context.Context, h pgstore.HistoryAppend) (uint64, error)
}

// Service drives the route sheet workflow: a driver gets a route, the
// route gets an ordered list of packages, and every package move lands in
// the history ledger.
type Service struct {
	repo Repository
}

func New(repo Repository) *Service {
	return &Service{repo: repo}
}

// Create opens a new route for a driver and assigns the listed packages
// in the given order (1-based positions).
func (s *Service) Create(ctx context.Context, deliveryDriverID uint64, packageIDs []uint64, actor string) (*models.Route, error) {
	if deliveryDriverID == 0 {
		return nil, errors.Wrap(apperr.ErrInvalidInput, "routes: driver is required")
	}

	route, err := s.repo.CreateRoute(ctx, deliveryDriverID)
	if err != nil {
		return nil, errors.Wrap(err, "routes: create")
	}
	if len(packageIDs) > 0 {
		if err := s.repo.AssignPackagesToRoute(ctx, route.ID, packageIDs); err != nil {
			return nil, errors.Wrap(err, "routes: assign packages")
		}
		s.appendAll(ctx, packageIDs, route.ID, actor,
			fmt.Sprintf("Asignado el paquete a una nueva hoja de ruta con ID %d", route.ID))
	}
	return route, nil
}

// Update changes the driver and, when a package list is given, replaces
// the route's membership wholesale: previous members are detached and the
// new list gets fresh contiguous positions.
func (s *Service) Update(ctx context.Context, routeID, deliveryDriverID uint64, packageIDs *[]uint64, actor string) (*models.Route, error) {
	route, err := s.repo.GetRouteByID(ctx, routeID)
	if err != nil {
		return nil, errors.Wrap(err, "routes: get route")
	}
	if deliveryDriverID != 0 && deliveryDriverID != route.DeliveryDriverID {
		if err := s.repo.UpdateRouteDriver(ctx, routeID, deliveryDriverID); err != nil {
			return nil, errors.Wrap(err, "routes: update driver")
		}
		route.DeliveryDriverID = deliveryDriverID
	}

	if packageIDs != nil {
		if _, err := s.repo.DetachRoutePackages(ctx, routeID, ""); err != nil {
			return nil, errors.Wrap(err, "routes: detach previous packages")
		}
		if len(*packageIDs) > 0 {
			if err := s.repo.AssignPackagesToRoute(ctx, routeID, *packageIDs); err != nil {
				return nil, errors.Wrap(err, "routes: reassign packages")
			}
			s.appendAll(ctx, *packageIDs, routeID, actor,
				fmt.Sprintf("Asignado el paquete a la hoja de ruta actualizada con ID %d", routeID))
		}
	}
	return route, nil
}

// Delete dissolves a route: every member package is recorded in history,
// detached and sent back to the plant status.
func (s *Service) Delete(ctx context.Context, routeID uint64, actor string) error {
	if _, err := s.repo.GetRouteByID(ctx, routeID); err != nil {
		return errors.Wrap(err, "routes: get route")
	}

	members, err := s.repo.ListRoutePackages(ctx, routeID)
	if err != nil {
		return errors.Wrap(err, "routes: list members")
	}
	// history first so the row captures the status the package had while
	// still on the route
	for _, p := range members {
		if _, herr := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
			PackageID: p.ID,
			RouteID:   &routeID,
			Actor:     actorOrDefault(actor),
			Comment:   fmt.Sprintf("El paquete ha sido desvinculado de la ruta con ID %d", routeID),
		}); herr != nil {
			slog.Error("routes: append detach history", "packageID", p.ID, "err", herr)
		}
	}

	if _, err := s.repo.DetachRoutePackages(ctx, routeID, models.StatusEnPlanta); err != nil {
		return errors.Wrap(err, "routes: detach packages")
	}
	if err := s.repo.DeleteRoute(ctx, routeID); err != nil {
		return errors.Wrap(err, "routes: delete")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, routeID uint64) (*models.Route, []*models.Package, error) {
	route, err := s.repo.GetRouteByID(ctx, routeID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "routes: get route")
	}
	pkgs, err := s.repo.ListRoutePackages(ctx, routeID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "routes: list members")
	}
	return route, pkgs, nil
}

func (s *Service) appendAll(ctx context.Context, ids []uint64, routeID uint64, actor, comment string) {
	for _, id := range ids {
		if _, err := s.repo.AppendHistory(ctx, pgstore.HistoryAppend{
			PackageID: id,
			RouteID:   &routeID,
			Actor:     actorOrDefault(actor),
			Comment:   comment,
		}); err != nil {
			slog.Error("routes: append history", "packageID", id, "err", err)
		}
	}
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return "operador"
	}
	return actor
}
