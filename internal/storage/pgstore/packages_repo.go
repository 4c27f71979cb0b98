package pgstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/models"
)

const packageColumns = `
  p.id, p.store_id, p.ml_order_id, p.ml_tracking_id,
  p.ml_status, p.ml_substatus, p.voys_status,
  p.ml_zip_code, p.ml_state_name, p.ml_city_name, p.ml_street_name, p.ml_street_number,
  p.ml_comment, p.ml_receiver_name, p.ml_delivery_preference,
  p.ml_latitude, p.ml_longitude,
  p.buyer_nickname, p.products,
  p.ml_order_date, p.first_plant_entry_at, p.last_plant_entry_at, p.assignment_date,
  p.assigned, p.route_id, p.route_order,
  p.liquidated, p.settled_customer, p.cleared_delivery_person,
  p.qr_data, p.shipment_label,
  p.created_at, p.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*models.Package, error) {
	var p models.Package
	var products *string
	if err := row.Scan(
		&p.ID, &p.StoreID, &p.MLOrderID, &p.MLTrackingID,
		&p.MLStatus, &p.MLSubstatus, &p.VoysStatus,
		&p.MLZipCode, &p.MLStateName, &p.MLCityName, &p.MLStreetName, &p.MLStreetNumber,
		&p.MLComment, &p.MLReceiverName, &p.MLDeliveryPreference,
		&p.MLLatitude, &p.MLLongitude,
		&p.BuyerNickname, &products,
		&p.MLOrderDate, &p.FirstPlantEntryAt, &p.LastPlantEntryAt, &p.AssignmentDate,
		&p.Assigned, &p.RouteID, &p.RouteOrder,
		&p.Liquidated, &p.SettledCustomer, &p.ClearedDeliveryPerson,
		&p.QRData, &p.ShipmentLabel,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ProductsJSON = products
	return &p, nil
}

// PackageUpsert is the payload of the idempotent webhook upsert, keyed on
// ml_order_id. Address, delivery preference and buyer nickname are seeded at
// creation only; the update branch refreshes just the trackable fields.
type PackageUpsert struct {
	StoreID      uint64
	MLOrderID    string
	MLTrackingID string

	MLStatus    string
	MLSubstatus string
	VoysStatus  string

	MLReceiverName string
	MLOrderDate    time.Time
	MLLatitude     *float64
	MLLongitude    *float64
	ProductsJSON   *string

	MLZipCode            string
	MLStateName          string
	MLCityName           string
	MLStreetName         string
	MLStreetNumber       string
	MLComment            string
	MLDeliveryPreference string
	BuyerNickname        string
}

func (s *Storage) UpsertPackage(ctx context.Context, up PackageUpsert) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO packages (
  store_id, ml_order_id, ml_tracking_id,
  ml_status, ml_substatus, voys_status,
  ml_receiver_name, ml_order_date, ml_latitude, ml_longitude, products,
  ml_zip_code, ml_state_name, ml_city_name, ml_street_name, ml_street_number,
  ml_comment, ml_delivery_preference, buyer_nickname,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
ON CONFLICT (ml_order_id) WHERE ml_order_id IS NOT NULL
DO UPDATE SET
  store_id = EXCLUDED.store_id,
  ml_tracking_id = EXCLUDED.ml_tracking_id,
  ml_status = EXCLUDED.ml_status,
  ml_substatus = EXCLUDED.ml_substatus,
  voys_status = EXCLUDED.voys_status,
  ml_receiver_name = EXCLUDED.ml_receiver_name,
  ml_order_date = EXCLUDED.ml_order_date,
  ml_latitude = EXCLUDED.ml_latitude,
  ml_longitude = EXCLUDED.ml_longitude,
  products = EXCLUDED.products,
  updated_at = now()
RETURNING id
`, up.StoreID, up.MLOrderID, up.MLTrackingID,
		up.MLStatus, up.MLSubstatus, up.VoysStatus,
		up.MLReceiverName, up.MLOrderDate.UTC(), up.MLLatitude, up.MLLongitude, up.ProductsJSON,
		up.MLZipCode, up.MLStateName, up.MLCityName, up.MLStreetName, up.MLStreetNumber,
		up.MLComment, up.MLDeliveryPreference, up.BuyerNickname,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "upsert package")
	}
	return id, nil
}

func (s *Storage) GetPackageByID(ctx context.Context, id uint64) (*models.Package, error) {
	row := s.db.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages p WHERE p.id = $1`, id)
	p, err := scanPackage(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "package %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package")
	}
	return p, nil
}

func (s *Storage) GetPackageByTrackingID(ctx context.Context, trackingID string) (*models.Package, error) {
	row := s.db.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages p WHERE p.ml_tracking_id = $1`, trackingID)
	p, err := scanPackage(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "package with tracking %s", trackingID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package by tracking")
	}
	return p, nil
}

func (s *Storage) GetPackagesByIDs(ctx context.Context, ids []uint64) ([]*models.Package, error) {
	if len(ids) == 0 {
		return []*models.Package{}, nil
	}

	rows, err := s.db.Query(ctx, `SELECT `+packageColumns+` FROM packages p WHERE p.id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select packages")
	}
	defer rows.Close()

	out := make([]*models.Package, 0, len(ids))
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// FindPackageByOrderIDSuffix matches order ids scanned from labels, where the
// scanner often drops a prefix. Oldest match wins.
func (s *Storage) FindPackageByOrderIDSuffix(ctx context.Context, suffix string) (*models.Package, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+packageColumns+`
FROM packages p
WHERE p.ml_order_id LIKE '%' || $1
ORDER BY p.id ASC
LIMIT 1
`, suffix)
	p, err := scanPackage(row)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(apperr.ErrNotFound, "package with order suffix %s", suffix)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select package by order suffix")
	}
	return p, nil
}

// SyncStatusUpdate carries the drift the sweep detected for one package.
type SyncStatusUpdate struct {
	PackageID   uint64
	MLStatus    string
	MLSubstatus string
	VoysStatus  string
	MLLatitude  *float64
	MLLongitude *float64
}

func (s *Storage) ApplySyncUpdate(ctx context.Context, upd SyncStatusUpdate) error {
	_, err := s.db.Exec(ctx, `
UPDATE packages
SET
  ml_status = $2,
  ml_substatus = $3,
  voys_status = $4,
  ml_latitude = COALESCE($5, ml_latitude),
  ml_longitude = COALESCE($6, ml_longitude),
  updated_at = now()
WHERE id = $1
`, upd.PackageID, upd.MLStatus, upd.MLSubstatus, upd.VoysStatus, upd.MLLatitude, upd.MLLongitude)
	return errors.Wrap(err, "apply sync update")
}

// VoysStatusChange updates the internal status. PlantEntryAt always moves the
// most-recent entry date; the first entry date is written only once.
type VoysStatusChange struct {
	PackageID    uint64
	VoysStatus   string
	PlantEntryAt *time.Time
	QRData       *string
}

func (s *Storage) ChangeVoysStatus(ctx context.Context, ch VoysStatusChange) error {
	_, err := s.db.Exec(ctx, `
UPDATE packages
SET
  voys_status = $2,
  last_plant_entry_at = COALESCE($3, last_plant_entry_at),
  first_plant_entry_at = COALESCE(first_plant_entry_at, $3),
  qr_data = COALESCE($4, qr_data),
  updated_at = now()
WHERE id = $1
`, ch.PackageID, ch.VoysStatus, ch.PlantEntryAt, ch.QRData)
	return errors.Wrap(err, "change voys status")
}

// SetAssigned marks routed packages route-eligible. A package without a
// route can never be assigned, so unrouted ids are skipped like missing
// ones. Returns the ids actually updated; only those get a ledger row.
func (s *Storage) SetAssigned(ctx context.Context, ids []uint64, at time.Time) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
UPDATE packages SET assigned = TRUE, assignment_date = $2, updated_at = now()
WHERE id = ANY($1) AND route_id IS NOT NULL
RETURNING id
`, ids, at.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "set assigned")
	}
	return collectIDs(rows, "set assigned")
}

func (s *Storage) SetLiquidated(ctx context.Context, ids []uint64, liquidated bool) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
UPDATE packages SET liquidated = $2, updated_at = now() WHERE id = ANY($1) RETURNING id
`, ids, liquidated)
	if err != nil {
		return nil, errors.Wrap(err, "set liquidated")
	}
	return collectIDs(rows, "set liquidated")
}

func (s *Storage) SetSettledCustomer(ctx context.Context, ids []uint64, settled bool) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
UPDATE packages SET settled_customer = $2, updated_at = now() WHERE id = ANY($1) RETURNING id
`, ids, settled)
	if err != nil {
		return nil, errors.Wrap(err, "set settled customer")
	}
	return collectIDs(rows, "set settled customer")
}

func collectIDs(rows pgx.Rows, what string) ([]uint64, error) {
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, what)
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), what)
	}
	return ids, nil
}

func (s *Storage) SetShipmentLabel(ctx context.Context, orderID, filename string) error {
	_, err := s.db.Exec(ctx, `
UPDATE packages SET shipment_label = $2, updated_at = now() WHERE ml_order_id = $1
`, orderID, filename)
	return errors.Wrap(err, "set shipment label")
}

// ListSyncCandidates returns packages the sweep re-polls: on a route, still
// in transit, with a tracking id, owned by a linked store. Stalest first so
// a bounded run always touches the oldest data.
func (s *Storage) ListSyncCandidates(ctx context.Context, statuses []string) ([]*models.Package, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+packageColumns+`
FROM packages p
JOIN stores st ON st.id = p.store_id
WHERE p.route_id IS NOT NULL
  AND p.voys_status = ANY($1)
  AND p.ml_tracking_id <> ''
  AND st.ml_user_id IS NOT NULL
ORDER BY p.updated_at ASC
`, statuses)
	if err != nil {
		return nil, errors.Wrap(err, "select sync candidates")
	}
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan sync candidate")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// PackageFilter is the resolved predicate set: the service layer has already
// turned day/cutoff/range inputs into a single [From, To) window.
type PackageFilter struct {
	OrderDateFrom *time.Time
	OrderDateTo   *time.Time

	WithRoute        *bool
	RouteID          *uint64
	VoysStatuses     []string
	MLOrderID        string
	MLTrackingID     string
	MLStatus         string
	Assigned         *bool
	StoreID          *uint64
	CustomerID       *uint64
	DeliveryDriverID *uint64
}

func (s *Storage) FilterPackages(ctx context.Context, f PackageFilter) ([]*models.Package, error) {
	conds := make([]string, 0, 8)
	args := make([]any, 0, 8)

	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.OrderDateFrom != nil {
		add(`p.ml_order_date >= $%d`, f.OrderDateFrom.UTC())
	}
	if f.OrderDateTo != nil {
		add(`p.ml_order_date < $%d`, f.OrderDateTo.UTC())
	}
	if f.WithRoute != nil {
		if *f.WithRoute {
			conds = append(conds, `p.route_id IS NOT NULL`)
		} else {
			conds = append(conds, `p.route_id IS NULL`)
		}
	}
	if f.RouteID != nil {
		add(`p.route_id = $%d`, *f.RouteID)
	}
	if len(f.VoysStatuses) > 0 {
		add(`p.voys_status = ANY($%d)`, f.VoysStatuses)
	}
	if f.MLOrderID != "" {
		add(`p.ml_order_id = $%d`, f.MLOrderID)
	}
	if f.MLTrackingID != "" {
		add(`p.ml_tracking_id = $%d`, f.MLTrackingID)
	}
	if f.MLStatus != "" {
		add(`p.ml_status = $%d`, f.MLStatus)
	}
	if f.Assigned != nil {
		add(`p.assigned = $%d`, *f.Assigned)
	}
	if f.StoreID != nil {
		add(`p.store_id = $%d`, *f.StoreID)
	}
	if f.CustomerID != nil {
		add(`st.customer_id = $%d`, *f.CustomerID)
	}
	if f.DeliveryDriverID != nil {
		add(`r.delivery_driver_id = $%d`, *f.DeliveryDriverID)
	}

	q := `SELECT ` + packageColumns + `
FROM packages p
JOIN stores st ON st.id = p.store_id
LEFT JOIN routes r ON r.id = p.route_id`
	if len(conds) > 0 {
		q += "\nWHERE " + strings.Join(conds, "\n  AND ")
	}
	q += "\nORDER BY p.ml_order_date ASC NULLS LAST, p.id ASC"

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "filter packages")
	}
	defer rows.Close()

	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan filtered package")
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) LastPlantEntryDate(ctx context.Context) (time.Time, error) {
	var at *time.Time
	err := s.db.QueryRow(ctx, `
SELECT last_plant_entry_at FROM packages
WHERE last_plant_entry_at IS NOT NULL
ORDER BY last_plant_entry_at DESC
LIMIT 1
`).Scan(&at)
	if err == pgx.ErrNoRows || (err == nil && at == nil) {
		return time.Time{}, errors.Wrap(apperr.ErrNotFound, "no plant entries recorded")
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "select last plant entry")
	}
	return *at, nil
}

// PackageEdit is the manual-edit payload; nil fields stay untouched.
type PackageEdit struct {
	RouteID           *uint64
	VoysStatus        *string
	MLReceiverName    *string
	MLComment         *string
	FirstPlantEntryAt *time.Time
}

func (s *Storage) UpdatePackageFields(ctx context.Context, id uint64, edit PackageEdit) error {
	tag, err := s.db.Exec(ctx, `
UPDATE packages
SET
  route_id = COALESCE($2, route_id),
  voys_status = COALESCE($3, voys_status),
  ml_receiver_name = COALESCE($4, ml_receiver_name),
  ml_comment = COALESCE($5, ml_comment),
  first_plant_entry_at = COALESCE(first_plant_entry_at, $6),
  updated_at = now()
WHERE id = $1
`, id, edit.RouteID, edit.VoysStatus, edit.MLReceiverName, edit.MLComment, edit.FirstPlantEntryAt)
	if err != nil {
		return errors.Wrap(err, "update package fields")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(apperr.ErrNotFound, "package %d", id)
	}
	return nil
}

func (s *Storage) SetClearedDeliveryPerson(ctx context.Context, ids []uint64, cleared bool) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `
UPDATE packages SET cleared_delivery_person = $2, updated_at = now() WHERE id = ANY($1) RETURNING id
`, ids, cleared)
	if err != nil {
		return nil, errors.Wrap(err, "set cleared delivery person")
	}
	return collectIDs(rows, "set cleared delivery person")
}
