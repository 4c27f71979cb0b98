package melihttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/voys/parceldesk/internal/apperr"
	"github.com/voys/parceldesk/internal/integrations/meli"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpc        *http.Client
}

func New(baseURL, clientID, clientSecret, redirectURI string) *Client {
	if baseURL == "" {
		baseURL = "https://api.mercadolibre.com"
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type orderResp struct {
	ID          json.Number `json:"id"`
	DateCreated string      `json:"date_created"`
	Buyer       struct {
		Nickname string `json:"nickname"`
	} `json:"buyer"`
	Shipping struct {
		ID json.Number `json:"id"`
	} `json:"shipping"`
	OrderItems json.RawMessage `json:"order_items"`
}

type shipmentResp struct {
	ID              json.Number `json:"id"`
	OrderID         json.Number `json:"order_id"`
	Status          string      `json:"status"`
	Substatus       string      `json:"substatus"`
	ReceiverAddress struct {
		ZipCode string `json:"zip_code"`
		State   struct {
			Name string `json:"name"`
		} `json:"state"`
		City struct {
			Name string `json:"name"`
		} `json:"city"`
		StreetName         string   `json:"street_name"`
		StreetNumber       string   `json:"street_number"`
		Comment            string   `json:"comment"`
		ReceiverName       string   `json:"receiver_name"`
		DeliveryPreference string   `json:"delivery_preference"`
		Latitude           *float64 `json:"latitude"`
		Longitude          *float64 `json:"longitude"`
	} `json:"receiver_address"`
}

type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
	Message      string `json:"message"`
}

func (c *Client) GetOrder(ctx context.Context, orderID, accessToken string) (*meli.OrderPayload, error) {
	var r orderResp
	if err := c.getJSON(ctx, "/orders/"+orderID, accessToken, &r); err != nil {
		return nil, err
	}

	o := &meli.OrderPayload{
		ID:            r.ID.String(),
		BuyerNickname: r.Buyer.Nickname,
		ShippingID:    r.Shipping.ID.String(),
	}
	if r.DateCreated != "" {
		if t, err := time.Parse(time.RFC3339, r.DateCreated); err == nil {
			o.DateCreated = t.UTC()
		}
	}
	if len(r.OrderItems) > 0 {
		s := string(r.OrderItems)
		o.OrderItemsJSON = &s
	}
	if err := meli.ValidateOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

func (c *Client) GetShipment(ctx context.Context, shipmentID, accessToken string) (*meli.ShipmentPayload, error) {
	var r shipmentResp
	if err := c.getJSON(ctx, "/shipments/"+shipmentID, accessToken, &r); err != nil {
		return nil, err
	}

	sh := &meli.ShipmentPayload{
		ID:        r.ID.String(),
		OrderID:   r.OrderID.String(),
		Status:    r.Status,
		Substatus: r.Substatus,
		Receiver: meli.ReceiverAddress{
			ZipCode:            r.ReceiverAddress.ZipCode,
			StateName:          r.ReceiverAddress.State.Name,
			CityName:           r.ReceiverAddress.City.Name,
			StreetName:         r.ReceiverAddress.StreetName,
			StreetNumber:       r.ReceiverAddress.StreetNumber,
			Comment:            r.ReceiverAddress.Comment,
			ReceiverName:       r.ReceiverAddress.ReceiverName,
			DeliveryPreference: r.ReceiverAddress.DeliveryPreference,
			Latitude:           r.ReceiverAddress.Latitude,
			Longitude:          r.ReceiverAddress.Longitude,
		},
	}
	if err := meli.ValidateShipment(sh); err != nil {
		return nil, err
	}
	return sh, nil
}

func (c *Client) GetUserProfile(ctx context.Context, accessToken string) (*meli.UserProfile, error) {
	var r struct {
		ID       json.Number `json:"id"`
		Nickname string      `json:"nickname"`
	}
	if err := c.getJSON(ctx, "/users/me", accessToken, &r); err != nil {
		return nil, err
	}
	return &meli.UserProfile{ID: r.ID.String(), Nickname: r.Nickname}, nil
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (*meli.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
	}
	return c.postToken(ctx, form)
}

func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*meli.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
	}
	return c.postToken(ctx, form)
}

func (c *Client) FetchLabel(ctx context.Context, shipmentID, accessToken string) ([]byte, error) {
	u := c.baseURL + "/shipment_labels?shipment_ids=" + url.QueryEscape(shipmentID) + "&response_type=pdf"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(apperr.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	if err := statusToErr(resp.StatusCode, "fetch label"); err != nil {
		return nil, err
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(apperr.ErrUpstream, err.Error())
	}
	return b, nil
}

func (c *Client) getJSON(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(apperr.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	if err := statusToErr(resp.StatusCode, path); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(apperr.ErrUpstream, "decode "+path)
	}
	return nil
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*meli.TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(apperr.ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	var r tokenResp
	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &r)

	if resp.StatusCode/100 != 2 {
		// A dead refresh token comes back as invalid_grant; that failure
		// mode must be distinguishable because retrying it is pointless.
		msg := strings.ToLower(r.Error + " " + r.Message)
		if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "expired") || strings.Contains(msg, "already used") {
			return nil, errors.Wrap(apperr.ErrReauthorizationRequired, strings.TrimSpace(r.Error+" "+r.Message))
		}
		return nil, statusToErr(resp.StatusCode, "oauth/token")
	}

	if r.AccessToken == "" {
		return nil, errors.Wrap(apperr.ErrUpstream, "token response missing access_token")
	}
	return &meli.TokenSet{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		Scope:        r.Scope,
		ExpiresIn:    r.ExpiresIn,
	}, nil
}

func statusToErr(code int, what string) error {
	switch {
	case code/100 == 2:
		return nil
	case code == http.StatusNotFound:
		return errors.Wrapf(apperr.ErrNotFound, "meli %s http %d", what, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.Wrapf(apperr.ErrUnauthorized, "meli %s http %d", what, code)
	default:
		return errors.Wrapf(apperr.ErrUpstream, "meli %s http %d", what, code)
	}
}
