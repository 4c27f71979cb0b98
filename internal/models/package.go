package models

import "time"

// Internal lifecycle slugs. The full set lives in the status_mappings table
// and is editable at runtime; these are the ones core logic branches on.
const (
	StatusEnPlanta  = "en_planta"
	StatusEnCamino  = "en_camino"
	StatusEntregado = "entregado"
)

// InTransitStatuses is the selection set of the reconciliation sweep.
var InTransitStatuses = []string{StatusEnCamino}

type Package struct {
	ID      uint64
	StoreID uint64

	MLOrderID    *string
	MLTrackingID string

	MLStatus    string
	MLSubstatus string
	VoysStatus  string

	MLZipCode            string
	MLStateName          string
	MLCityName           string
	MLStreetName         string
	MLStreetNumber       string
	MLComment            string
	MLReceiverName       string
	MLDeliveryPreference string
	MLLatitude           *float64
	MLLongitude          *float64

	BuyerNickname string
	ProductsJSON  *string

	MLOrderDate       *time.Time
	FirstPlantEntryAt *time.Time
	LastPlantEntryAt  *time.Time
	AssignmentDate    *time.Time

	Assigned              bool
	RouteID               *uint64
	RouteOrder            *int32
	Liquidated            bool
	SettledCustomer       bool
	ClearedDeliveryPerson bool

	QRData        *string
	ShipmentLabel *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type PackageHistory struct {
	ID        uint64
	PackageID uint64
	RouteID   *uint64
	Actor     string
	State     string
	Comment   string
	CreatedAt time.Time
}

type StatusMapping struct {
	ID         uint64
	Slug       string
	Name       string
	MLStatuses []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Route struct {
	ID               uint64
	DeliveryDriverID uint64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Store struct {
	ID          uint64
	Name        string
	CustomerID  *uint64
	OAuthState  string
	Vinculated  bool
	MLUserID    *string
	MLNickname  *string
	CutSchedule *string
	Timezone    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StoreToken holds the per-store OAuth credentials. Expiry is derived:
// UpdatedAt + ExpiresIn seconds.
type StoreToken struct {
	StoreID      uint64
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
	UpdatedAt    time.Time
}

func (t *StoreToken) ExpiresAt() time.Time {
	return t.UpdatedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}
