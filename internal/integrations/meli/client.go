package meli

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
)

// OrderPayload is the order-level data the core consumes. Raw order items
// are passed through as an opaque JSON blob.
type OrderPayload struct {
	ID             string
	DateCreated    time.Time
	BuyerNickname  string
	ShippingID     string
	OrderItemsJSON *string
}

type ReceiverAddress struct {
	ZipCode            string
	StateName          string
	CityName           string
	StreetName         string
	StreetNumber       string
	Comment            string
	ReceiverName       string
	DeliveryPreference string
	Latitude           *float64
	Longitude          *float64
}

type ShipmentPayload struct {
	ID        string
	OrderID   string
	Status    string
	Substatus string
	Receiver  ReceiverAddress
}

type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

type UserProfile struct {
	ID       string
	Nickname string
}

type Client interface {
	GetOrder(ctx context.Context, orderID, accessToken string) (*OrderPayload, error)
	GetShipment(ctx context.Context, shipmentID, accessToken string) (*ShipmentPayload, error)
	GetUserProfile(ctx context.Context, accessToken string) (*UserProfile, error)
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
	FetchLabel(ctx context.Context, shipmentID, accessToken string) ([]byte, error)
}

// ValidateOrder and ValidateShipment run at the adapter boundary so the core
// never sees half-formed payloads.
func ValidateOrder(o *OrderPayload) error {
	if o == nil || o.ID == "" {
		return errors.Wrap(apperr.ErrUpstream, "order payload missing id")
	}
	return nil
}

func ValidateShipment(sh *ShipmentPayload) error {
	if sh == nil || sh.ID == "" {
		return errors.Wrap(apperr.ErrUpstream, "shipment payload missing id")
	}
	if sh.Status == "" {
		return errors.Wrap(apperr.ErrUpstream, "shipment payload missing status")
	}
	return nil
}
