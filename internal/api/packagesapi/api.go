package packagesapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/services/mlsync"
	"github.com/voys/parceldesk/internal/services/packages"
)

type PackagesService interface {
	GetPackageByID(ctx context.Context, id uint64) (*models.Package, error)
	GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error)
	Filter(ctx context.Context, in packages.FilterInput) ([]*models.Package, error)
	ChangeStatus(ctx context.Context, in packages.StatusChangeInput) (*models.Package, error)
	Edit(ctx context.Context, id uint64, in packages.EditInput) (*models.Package, error)
	Assign(ctx context.Context, ids []uint64, actor string) (int64, error)
	LiquidateDistributor(ctx context.Context, ids []uint64, actor string) (int64, error)
	VoidLiquidationDistributor(ctx context.Context, ids []uint64, actor string) (int64, error)
	LiquidateCustomer(ctx context.Context, ids []uint64, actor string) (int64, error)
	VoidLiquidationCustomer(ctx context.Context, ids []uint64, actor string) (int64, error)
	ClearDeliveryPerson(ctx context.Context, ids []uint64, actor string) (int64, error)
	VoidClearDeliveryPerson(ctx context.Context, ids []uint64, actor string) (int64, error)
	History(ctx context.Context, packageID uint64) ([]*models.PackageHistory, error)
	FullHistory(ctx context.Context, packageID uint64, limit, offset int) ([]*models.PackageHistory, error)
	LastPlantEntryDate(ctx context.Context) (time.Time, error)
}

type RoutesService interface {
	Create(ctx context.Context, deliveryDriverID uint64, packageIDs []uint64, actor string) (*models.Route, error)
	Update(ctx context.Context, routeID, deliveryDriverID uint64, packageIDs *[]uint64, actor string) (*models.Route, error)
	Delete(ctx context.Context, routeID uint64, actor string) error
	Get(ctx context.Context, routeID uint64) (*models.Route, []*models.Package, error)
}

type NotificationsService interface {
	HandleNotification(ctx context.Context, resource, mlUserID string) error
	GetLabel(ctx context.Context, shipmentID string) ([]byte, error)
}

type AuthService interface {
	ExchangeCode(ctx context.Context, code, state string) (*models.Store, error)
}

type MappingsRepo interface {
	ListStatusMappings(ctx context.Context) ([]*models.StatusMapping, error)
	CreateStatusMapping(ctx context.Context, name string, mlStatuses []string) (*models.StatusMapping, error)
	UpdateStatusMapping(ctx context.Context, id uint64, name string, mlStatuses []string) (*models.StatusMapping, error)
	DeleteStatusMapping(ctx context.Context, id uint64) error
}

type SyncControl interface {
	Trigger()
	Stats() mlsync.Stats
}

// API is the back-office HTTP surface plus the carrier webhook endpoint.
type API struct {
	packages      PackagesService
	routes        RoutesService
	notifications NotificationsService
	auth          AuthService
	mappings      MappingsRepo
	sync          SyncControl
}

func New(p PackagesService, r RoutesService, n NotificationsService, a AuthService, m MappingsRepo, s SyncControl) *API {
	return &API{packages: p, routes: r, notifications: n, auth: a, mappings: m, sync: s}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Post("/notifications", a.handleNotification)
	r.Get("/auth/callback", a.handleOAuthCallback)

	r.Route("/packages", func(r chi.Router) {
		r.Get("/", a.handleFilterPackages)
		r.Post("/by-ids", a.handlePackagesByIDs)
		r.Get("/last-plant-entry", a.handleLastPlantEntry)
		r.Post("/change-status", a.handleChangeStatus)
		r.Post("/assign", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.Assign(ctx, ids, actor)
		}))
		r.Post("/liquidate-distributor", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.LiquidateDistributor(ctx, ids, actor)
		}))
		r.Post("/void-liquidation-distributor", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.VoidLiquidationDistributor(ctx, ids, actor)
		}))
		r.Post("/liquidate-customer", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.LiquidateCustomer(ctx, ids, actor)
		}))
		r.Post("/void-liquidation-customer", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.VoidLiquidationCustomer(ctx, ids, actor)
		}))
		r.Post("/clear-delivery-person", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.ClearDeliveryPerson(ctx, ids, actor)
		}))
		r.Post("/void-clear-delivery-person", a.batchHandler(func(ctx context.Context, ids []uint64, actor string) (int64, error) {
			return a.packages.VoidClearDeliveryPerson(ctx, ids, actor)
		}))
		r.Get("/{id}", a.handleGetPackage)
		r.Patch("/{id}", a.handleEditPackage)
		r.Get("/{id}/history", a.handlePackageHistory)
	})

	r.Route("/routes", func(r chi.Router) {
		r.Post("/", a.handleCreateRoute)
		r.Get("/{id}", a.handleGetRoute)
		r.Put("/{id}", a.handleUpdateRoute)
		r.Delete("/{id}", a.handleDeleteRoute)
	})

	r.Route("/statuses", func(r chi.Router) {
		r.Get("/", a.handleListMappings)
		r.Post("/", a.handleCreateMapping)
		r.Put("/{id}", a.handleUpdateMapping)
		r.Delete("/{id}", a.handleDeleteMapping)
	})

	r.Get("/shipments/{id}/label", a.handleGetLabel)

	if a.sync != nil {
		r.Post("/sync/trigger", func(w http.ResponseWriter, _ *http.Request) {
			a.sync.Trigger()
			writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
		})
		r.Get("/sync/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, a.sync.Stats())
		})
	}

	return r
}

func idParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

// notificationPayload tolerates user_id arriving as a string or a number;
// the carrier sends both depending on the notification topic.
type notificationPayload struct {
	Resource string      `json:"resource"`
	UserID   json.Number `json:"user_id"`
}

func (a *API) handleNotification(w http.ResponseWriter, r *http.Request) {
	var p notificationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, badRequestErr("invalid notification body"))
		return
	}
	if err := a.notifications.HandleNotification(r.Context(), p.Resource, p.UserID.String()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	store, err := a.auth.ExchangeCode(r.Context(), code, state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, storeView(store))
}

func (a *API) handleFilterPackages(w http.ResponseWriter, r *http.Request) {
	in, err := filterInputFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	pkgs, err := a.packages.Filter(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageViews(pkgs))
}

func (a *API) handlePackagesByIDs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []uint64 `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	pkgs, err := a.packages.GetPackagesByIDs(r.Context(), body.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageViews(pkgs))
}

func (a *API) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid package id"))
		return
	}
	pkg, err := a.packages.GetPackageByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageView(pkg))
}

func (a *API) handleLastPlantEntry(w http.ResponseWriter, r *http.Request) {
	t, err := a.packages.LastPlantEntryDate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"lastPlantEntryAt": t})
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MLOrderID    string `json:"mlOrderId"`
		MLTrackingID string `json:"mlTrackingId"`
		VoysStatus   string `json:"voysStatus"`
		Actor        string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	pkg, err := a.packages.ChangeStatus(r.Context(), packages.StatusChangeInput{
		MLOrderID:    body.MLOrderID,
		MLTrackingID: body.MLTrackingID,
		VoysStatus:   body.VoysStatus,
		Actor:        body.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageView(pkg))
}

func (a *API) handleEditPackage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid package id"))
		return
	}
	var body struct {
		VoysStatus        *string    `json:"voysStatus"`
		MLReceiverName    *string    `json:"mlReceiverName"`
		MLComment         *string    `json:"mlComment"`
		FirstPlantEntryAt *time.Time `json:"firstPlantEntryAt"`
		Actor             string     `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	pkg, err := a.packages.Edit(r.Context(), id, packages.EditInput{
		VoysStatus:        body.VoysStatus,
		MLReceiverName:    body.MLReceiverName,
		MLComment:         body.MLComment,
		FirstPlantEntryAt: body.FirstPlantEntryAt,
		Actor:             body.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, packageView(pkg))
}

func (a *API) handlePackageHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid package id"))
		return
	}
	var (
		rows []*models.PackageHistory
	)
	if r.URL.Query().Get("full") == "true" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		rows, err = a.packages.FullHistory(r.Context(), id, limit, offset)
	} else {
		rows, err = a.packages.History(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyViews(rows))
}

type batchFunc func(ctx context.Context, ids []uint64, actor string) (int64, error)

func (a *API) batchHandler(fn batchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IDs   []uint64 `json:"ids"`
			Actor string   `json:"actor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, badRequestErr("invalid body"))
			return
		}
		n, err := fn(r.Context(), body.IDs, body.Actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
	}
}

func (a *API) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeliveryDriverID uint64   `json:"deliveryDriverId"`
		PackageIDs       []uint64 `json:"packageIds"`
		Actor            string   `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	route, err := a.routes.Create(r.Context(), body.DeliveryDriverID, body.PackageIDs, body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, routeView(route, nil))
}

func (a *API) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid route id"))
		return
	}
	route, pkgs, err := a.routes.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeView(route, pkgs))
}

func (a *API) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid route id"))
		return
	}
	var body struct {
		DeliveryDriverID uint64    `json:"deliveryDriverId"`
		PackageIDs       *[]uint64 `json:"packageIds"`
		Actor            string    `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	route, err := a.routes.Update(r.Context(), id, body.DeliveryDriverID, body.PackageIDs, body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeView(route, nil))
}

func (a *API) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid route id"))
		return
	}
	var body struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := a.routes.Delete(r.Context(), id, body.Actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) handleListMappings(w http.ResponseWriter, r *http.Request) {
	ms, err := a.mappings.ListStatusMappings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingViews(ms))
}

func (a *API) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string   `json:"name"`
		MLStatuses []string `json:"mlStatuses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	if body.Name == "" {
		writeError(w, badRequestErr("name is required"))
		return
	}
	m, err := a.mappings.CreateStatusMapping(r.Context(), body.Name, body.MLStatuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mappingView(m))
}

func (a *API) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid mapping id"))
		return
	}
	var body struct {
		Name       string   `json:"name"`
		MLStatuses []string `json:"mlStatuses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, badRequestErr("invalid body"))
		return
	}
	m, err := a.mappings.UpdateStatusMapping(r.Context(), id, body.Name, body.MLStatuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingView(m))
}

func (a *API) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, badRequestErr("invalid mapping id"))
		return
	}
	if err := a.mappings.DeleteStatusMapping(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (a *API) handleGetLabel(w http.ResponseWriter, r *http.Request) {
	shipmentID := chi.URLParam(r, "id")
	b, err := a.notifications.GetLabel(r.Context(), shipmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	_, _ = w.Write(b)
}
