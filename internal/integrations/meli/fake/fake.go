package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/voys/parceldesk/internal/integrations/meli"
)

// FakeClient is a deterministic stand-in for the MercadoLibre API, used for
// local development. Status depends on the shipment id hash so a share of
// parcels shows up delivered.
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) GetOrder(ctx context.Context, orderID, accessToken string) (*meli.OrderPayload, error) {
	items := `[{"item":{"title":"Artículo de prueba"},"quantity":1}]`
	return &meli.OrderPayload{
		ID:             orderID,
		DateCreated:    time.Now().UTC().Add(-24 * time.Hour),
		BuyerNickname:  "COMPRADOR" + suffix(orderID),
		ShippingID:     "9" + orderID,
		OrderItemsJSON: &items,
	}, nil
}

func (f *FakeClient) GetShipment(ctx context.Context, shipmentID, accessToken string) (*meli.ShipmentPayload, error) {
	status := "shipped"
	substatus := "in_route"
	if hash(shipmentID)%5 == 0 {
		status = "delivered"
		substatus = ""
	}

	lat, lon := -34.6037, -58.3816
	return &meli.ShipmentPayload{
		ID:        shipmentID,
		OrderID:   orderIDFor(shipmentID),
		Status:    status,
		Substatus: substatus,
		Receiver: meli.ReceiverAddress{
			ZipCode:      "C1043AAZ",
			StateName:    "Capital Federal",
			CityName:     "Buenos Aires",
			StreetName:   "Av. Corrientes",
			StreetNumber: "1234",
			ReceiverName: "Receptor " + suffix(shipmentID),
			Latitude:     &lat,
			Longitude:    &lon,
		},
	}, nil
}

func (f *FakeClient) GetUserProfile(ctx context.Context, accessToken string) (*meli.UserProfile, error) {
	return &meli.UserProfile{ID: "100200300", Nickname: "TIENDA_FAKE"}, nil
}

func (f *FakeClient) ExchangeCode(ctx context.Context, code string) (*meli.TokenSet, error) {
	return &meli.TokenSet{
		AccessToken:  "APP_USR-fake-" + code,
		RefreshToken: "TG-fake-" + code,
		TokenType:    "Bearer",
		ExpiresIn:    21600,
	}, nil
}

func (f *FakeClient) RefreshToken(ctx context.Context, refreshToken string) (*meli.TokenSet, error) {
	return &meli.TokenSet{
		AccessToken:  "APP_USR-fake-refreshed",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    21600,
	}, nil
}

func (f *FakeClient) FetchLabel(ctx context.Context, shipmentID, accessToken string) ([]byte, error) {
	return []byte("%PDF-1.4 fake label " + shipmentID), nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func suffix(s string) string {
	if len(s) > 4 {
		return s[len(s)-4:]
	}
	return s
}

func orderIDFor(shipmentID string) string {
	if len(shipmentID) > 1 && shipmentID[0] == '9' {
		return shipmentID[1:]
	}
	return fmt.Sprintf("%d", hash(shipmentID))
}
