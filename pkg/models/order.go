package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderAction string

const (
	OrderActionBuy  OrderAction = "BUY"
	OrderActionSell OrderAction = "SELL"
)

type PriceType string

const (
	PriceTypeMarket PriceType = "MARKET"
	PriceTypeLimit  PriceType = "LIMIT"
)

// OrderDraft is one logical equity order attempt. ClientOrderID is the
// idempotency anchor shared by the preview and the commit.
type OrderDraft struct {
	AccountIDKey  string          `json:"accountIdKey"`
	Symbol        string          `json:"symbol"`
	Action        OrderAction     `json:"orderAction"`
	Quantity      int64           `json:"quantity"`
	PriceType     PriceType       `json:"priceType"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
}

type OrderDetail struct {
	Symbol        string          `json:"symbol"`
	Action        OrderAction     `json:"orderAction"`
	Quantity      decimal.Decimal `json:"quantity"`
	PriceType     PriceType       `json:"priceType"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	OrderTerm     string          `json:"orderTerm"`
	MarketSession string          `json:"marketSession"`
	Description   string          `json:"description,omitempty"`
}

// OrderPreview is the server-issued quote. PreviewID redeems exactly one commit.
type OrderPreview struct {
	PreviewID           int64           `json:"previewId"`
	ClientOrderID       string          `json:"clientOrderId"`
	AccountIDKey        string          `json:"accountIdKey"`
	EstimatedTotal      decimal.Decimal `json:"estimatedTotalAmount"`
	EstimatedCommission decimal.Decimal `json:"estimatedCommission"`
	Orders              []OrderDetail   `json:"orders"`
}

type PlacedOrder struct {
	OrderID       int64     `json:"orderId"`
	PreviewID     int64     `json:"previewId"`
	ClientOrderID string    `json:"clientOrderId"`
	PlacedAt      time.Time `json:"placedAt"`
}
