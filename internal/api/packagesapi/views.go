package packagesapi

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voys/parceldesk/internal/models"
	"github.com/voys/parceldesk/internal/services/packages"
)

// View structs pin the JSON contract independently of the storage models.

type PackageView struct {
	ID      uint64 `json:"id"`
	StoreID uint64 `json:"storeId"`

	MLOrderID    *string `json:"mlOrderId"`
	MLTrackingID string  `json:"mlTrackingId"`

	MLStatus    string `json:"mlStatus"`
	MLSubstatus string `json:"mlSubstatus,omitempty"`
	VoysStatus  string `json:"voysStatus"`

	ZipCode            string   `json:"zipCode,omitempty"`
	StateName          string   `json:"stateName,omitempty"`
	CityName           string   `json:"cityName,omitempty"`
	StreetName         string   `json:"streetName,omitempty"`
	StreetNumber       string   `json:"streetNumber,omitempty"`
	Comment            string   `json:"comment,omitempty"`
	ReceiverName       string   `json:"receiverName,omitempty"`
	DeliveryPreference string   `json:"deliveryPreference,omitempty"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`

	BuyerNickname string  `json:"buyerNickname,omitempty"`
	Products      *string `json:"products,omitempty"`

	OrderDate         *time.Time `json:"orderDate,omitempty"`
	FirstPlantEntryAt *time.Time `json:"firstPlantEntryAt,omitempty"`
	LastPlantEntryAt  *time.Time `json:"lastPlantEntryAt,omitempty"`
	AssignmentDate    *time.Time `json:"assignmentDate,omitempty"`

	Assigned              bool    `json:"assigned"`
	RouteID               *uint64 `json:"routeId"`
	RouteOrder            *int32  `json:"routeOrder,omitempty"`
	Liquidated            bool    `json:"liquidated"`
	SettledCustomer       bool    `json:"settledCustomer"`
	ClearedDeliveryPerson bool    `json:"clearedDeliveryPerson"`

	ShipmentLabel *string `json:"shipmentLabel,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func packageView(p *models.Package) PackageView {
	return PackageView{
		ID:      p.ID,
		StoreID: p.StoreID,

		MLOrderID:    p.MLOrderID,
		MLTrackingID: p.MLTrackingID,

		MLStatus:    p.MLStatus,
		MLSubstatus: p.MLSubstatus,
		VoysStatus:  p.VoysStatus,

		ZipCode:            p.MLZipCode,
		StateName:          p.MLStateName,
		CityName:           p.MLCityName,
		StreetName:         p.MLStreetName,
		StreetNumber:       p.MLStreetNumber,
		Comment:            p.MLComment,
		ReceiverName:       p.MLReceiverName,
		DeliveryPreference: p.MLDeliveryPreference,
		Latitude:           p.MLLatitude,
		Longitude:          p.MLLongitude,

		BuyerNickname: p.BuyerNickname,
		Products:      p.ProductsJSON,

		OrderDate:         p.MLOrderDate,
		FirstPlantEntryAt: p.FirstPlantEntryAt,
		LastPlantEntryAt:  p.LastPlantEntryAt,
		AssignmentDate:    p.AssignmentDate,

		Assigned:              p.Assigned,
		RouteID:               p.RouteID,
		RouteOrder:            p.RouteOrder,
		Liquidated:            p.Liquidated,
		SettledCustomer:       p.SettledCustomer,
		ClearedDeliveryPerson: p.ClearedDeliveryPerson,

		ShipmentLabel: p.ShipmentLabel,

		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func packageViews(pkgs []*models.Package) []PackageView {
	out := make([]PackageView, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, packageView(p))
	}
	return out
}

type HistoryView struct {
	ID        uint64    `json:"id"`
	PackageID uint64    `json:"packageId"`
	RouteID   *uint64   `json:"routeId,omitempty"`
	Actor     string    `json:"actor"`
	State     string    `json:"state"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

func historyViews(rows []*models.PackageHistory) []HistoryView {
	out := make([]HistoryView, 0, len(rows))
	for _, h := range rows {
		out = append(out, HistoryView{
			ID:        h.ID,
			PackageID: h.PackageID,
			RouteID:   h.RouteID,
			Actor:     h.Actor,
			State:     h.State,
			Comment:   h.Comment,
			CreatedAt: h.CreatedAt,
		})
	}
	return out
}

type RouteView struct {
	ID               uint64        `json:"id"`
	DeliveryDriverID uint64        `json:"deliveryDriverId"`
	Packages         []PackageView `json:"packages,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func routeView(r *models.Route, pkgs []*models.Package) RouteView {
	v := RouteView{
		ID:               r.ID,
		DeliveryDriverID: r.DeliveryDriverID,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if pkgs != nil {
		v.Packages = packageViews(pkgs)
	}
	return v
}

type MappingView struct {
	ID         uint64   `json:"id"`
	Slug       string   `json:"slug"`
	Name       string   `json:"name"`
	MLStatuses []string `json:"mlStatuses"`
}

func mappingView(m *models.StatusMapping) MappingView {
	return MappingView{ID: m.ID, Slug: m.Slug, Name: m.Name, MLStatuses: m.MLStatuses}
}

func mappingViews(ms []*models.StatusMapping) []MappingView {
	out := make([]MappingView, 0, len(ms))
	for _, m := range ms {
		out = append(out, mappingView(m))
	}
	return out
}

type StoreView struct {
	ID         uint64  `json:"id"`
	Name       string  `json:"name"`
	Vinculated bool    `json:"vinculated"`
	MLUserID   *string `json:"mlUserId,omitempty"`
	MLNickname *string `json:"mlNickname,omitempty"`
}

func storeView(s *models.Store) StoreView {
	return StoreView{ID: s.ID, Name: s.Name, Vinculated: s.Vinculated, MLUserID: s.MLUserID, MLNickname: s.MLNickname}
}

func filterInputFromQuery(q url.Values) (packages.FilterInput, error) {
	in := packages.FilterInput{
		Date:         q.Get("date"),
		StartDate:    q.Get("startDate"),
		EndDate:      q.Get("endDate"),
		CutDay:       q.Get("cutDay"),
		MLOrderID:    q.Get("mlOrderId"),
		MLTrackingID: q.Get("mlTrackingId"),
		MLStatus:     q.Get("mlStatus"),
	}
	if v := q.Get("voysStatus"); v != "" {
		in.VoysStatuses = strings.Split(v, ",")
	}
	if v := q.Get("assigned"); v != "" {
		b := v == "true"
		in.Assigned = &b
	}
	if v := q.Get("withRoute"); v != "" {
		b := v == "true"
		in.WithRoute = &b
	}
	in.IncludeObfuscated = q.Get("includeObfuscated") == "true"

	for param, dst := range map[string]**uint64{
		"routeId":          &in.RouteID,
		"storeId":          &in.StoreID,
		"customerId":       &in.CustomerID,
		"deliveryDriverId": &in.DeliveryDriverID,
	} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return in, badRequestErr("invalid " + param)
		}
		*dst = &id
	}
	return in, nil
}
