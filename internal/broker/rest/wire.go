package rest

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"riskmanager/pkg/types"
)

// The Client Portal API is loose with numerics: the same field can arrive as
// a JSON number, a quoted string, an empty string, or not at all, depending
// on order type and session age. optDecimal absorbs all of these; anything
// unparseable (e.g. "n/a") counts as absent rather than failing the read.
type optDecimal struct {
	dec decimal.Decimal
	ok  bool
}

func (o *optDecimal) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	o.dec, o.ok = d, true
	return nil
}

// ptr returns the value as an optional, nil when absent.
func (o optDecimal) ptr() *decimal.Decimal {
	if !o.ok {
		return nil
	}
	d := o.dec
	return &d
}

// orZero returns the value, or zero when absent.
func (o optDecimal) orZero() decimal.Decimal {
	return o.dec
}

// firstSet returns the first of the two that is present.
func firstSet(a, b optDecimal) optDecimal {
	if a.ok {
		return a
	}
	return b
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ————————————————————————————————————————————————————————————————————————
// Session
// ————————————————————————————————————————————————————————————————————————

type authStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Fail          string `json:"fail"`
}

type switchAccountRequest struct {
	AcctID string `json:"acctId"`
}

type switchAccountResponse struct {
	Set    bool   `json:"set"`
	AcctID string `json:"acctId"`
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

type positionRow struct {
	AcctID       string     `json:"acctId"`
	Conid        int64      `json:"conid"`
	ContractDesc string     `json:"contractDesc"`
	Position     optDecimal `json:"position"`
	AvgPrice     optDecimal `json:"avgPrice"`
	MktPrice     optDecimal `json:"mktPrice"`
	Currency     string     `json:"currency"`
}

func (r positionRow) toPosition() types.Position {
	return types.Position{
		AccountID:   r.AcctID,
		Conid:       r.Conid,
		Ticker:      r.ContractDesc,
		Quantity:    types.RoundQuantity(r.Position.orZero()),
		AvgPrice:    r.AvgPrice.orZero(),
		MarketPrice: r.MktPrice.orZero(),
		Currency:    r.Currency,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type ordersResponse struct {
	Orders []orderRow `json:"orders"`
}

// orderRow carries both spellings the API uses for type, status, and account;
// which one is filled depends on the endpoint revision behind the session.
type orderRow struct {
	OrderID           json.Number `json:"orderId"`
	Acct              string      `json:"acct"`
	Account           string      `json:"account"`
	Conid             int64       `json:"conid"`
	Ticker            string      `json:"ticker"`
	OrderType         string      `json:"orderType"`
	OrderTypeAlt      string      `json:"order_type"`
	Side              string      `json:"side"`
	Price             optDecimal  `json:"price"`
	AuxPrice          optDecimal  `json:"auxPrice"`
	StopPrice         optDecimal  `json:"stop_price"`
	TotalSize         optDecimal  `json:"totalSize"`
	RemainingQuantity optDecimal  `json:"remainingQuantity"`
	Status            string      `json:"status"`
	OrderStatus       string      `json:"order_status"`
	OrderDesc         string      `json:"orderDesc"`
}

func (r orderRow) toOrder() types.Order {
	return types.Order{
		OrderID:           r.OrderID.String(),
		AccountID:         firstNonEmpty(r.Acct, r.Account),
		Conid:             r.Conid,
		Ticker:            r.Ticker,
		OrderType:         firstNonEmpty(r.OrderType, r.OrderTypeAlt),
		Side:              types.Side(strings.ToUpper(r.Side)),
		Price:             r.Price.ptr(),
		StopPrice:         firstSet(r.StopPrice, r.AuxPrice).ptr(),
		Quantity:          r.TotalSize.orZero(),
		RemainingQuantity: r.RemainingQuantity.ptr(),
		Status:            firstNonEmpty(r.Status, r.OrderStatus),
		Description:       r.OrderDesc,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order placement
// ————————————————————————————————————————————————————————————————————————

// placeOrderRequest uses json.Number for the numeric fields so they are
// emitted unquoted; the order endpoint rejects quoted numbers. The account
// appears in the URL and again in the body, the endpoint wants both.
type placeOrderRequest struct {
	AcctID    string      `json:"acctId"`
	Conid     int64       `json:"conid"`
	OrderType string      `json:"orderType"`
	Side      string      `json:"side"`
	Quantity  json.Number `json:"quantity"`
	Price     json.Number `json:"price"`
	TIF       string      `json:"tif"`
}

type submitOrderRequest struct {
	Orders []placeOrderRequest `json:"orders"`
}

func newStopOrderBody(req types.StopLossOrderRequest) submitOrderRequest {
	return submitOrderRequest{Orders: []placeOrderRequest{{
		AcctID:    req.AccountID,
		Conid:     req.Conid,
		OrderType: "STP",
		Side:      string(req.Side()),
		Quantity:  json.Number(req.Quantity.String()),
		Price:     json.Number(req.StopPrice.String()),
		TIF:       "GTC",
	}}}
}

// placeOrderResponse is one element of the array the order and reply
// endpoints return. A non-empty ID together with messages means the broker
// wants a risk-warning confirmation before it assigns an order ID.
type placeOrderResponse struct {
	ID          string   `json:"id"`
	OrderID     string   `json:"order_id"`
	OrderIDAlt  string   `json:"orderId"`
	OrderStatus string   `json:"order_status"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

func (r placeOrderResponse) orderID() string {
	return firstNonEmpty(r.OrderID, r.OrderIDAlt)
}

func (r placeOrderResponse) needsConfirmation() bool {
	return r.ID != "" && len(r.Message) > 0
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}
