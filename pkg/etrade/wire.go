package etrade

import (
	"encoding/json"

	"github.com/gregtusar/etrader/pkg/models"
	"github.com/shopspring/decimal"
)

// Response and request envelopes as the brokerage spells them.

type accountListEnvelope struct {
	AccountListResponse struct {
		Accounts struct {
			Account []models.Account `json:"Account"`
		} `json:"Accounts"`
	} `json:"AccountListResponse"`
}

func (e *accountListEnvelope) setEmpty() {
	e.AccountListResponse.Accounts.Account = []models.Account{}
}

type balanceEnvelope struct {
	BalanceResponse struct {
		AccountID          string `json:"accountId"`
		AccountType        string `json:"accountType"`
		AccountDescription string `json:"accountDescription"`
		Computed           struct {
			CashBalance                decimal.Decimal `json:"cashBalance"`
			CashAvailableForInvestment decimal.Decimal `json:"cashAvailableForInvestment"`
			NetCash                    decimal.Decimal `json:"netCash"`
			RealTimeValues             struct {
				TotalAccountValue decimal.Decimal `json:"totalAccountValue"`
			} `json:"RealTimeValues"`
		} `json:"Computed"`
		Cash *struct {
			MoneyMktBalance *decimal.Decimal `json:"moneyMktBalance"`
		} `json:"Cash"`
	} `json:"BalanceResponse"`
}

func (e *balanceEnvelope) toBalance(idKey string) *models.Balance {
	r := e.BalanceResponse
	b := &models.Balance{
		AccountID:                  r.AccountID,
		AccountIDKey:               idKey,
		AccountType:                r.AccountType,
		Description:                r.AccountDescription,
		TotalAccountValue:          r.Computed.RealTimeValues.TotalAccountValue,
		CashBalance:                r.Computed.CashBalance,
		CashAvailableForInvestment: r.Computed.CashAvailableForInvestment,
		NetCash:                    r.Computed.NetCash,
	}
	if r.Cash != nil && r.Cash.MoneyMktBalance != nil {
		mm := *r.Cash.MoneyMktBalance
		b.MoneyMarketBalance = &mm
	}
	return b
}

type positionWire struct {
	PositionID int64 `json:"positionId"`
	Product    struct {
		Symbol       string `json:"symbol"`
		SecurityType string `json:"securityType"`
	} `json:"Product"`
	SymbolDescription string          `json:"symbolDescription"`
	Quantity          decimal.Decimal `json:"quantity"`
	PricePaid         decimal.Decimal `json:"pricePaid"`
	Price             decimal.Decimal `json:"price"`
	MarketValue       decimal.Decimal `json:"marketValue"`
	TotalGain         decimal.Decimal `json:"totalGain"`
	Quick             *struct {
		LastTrade decimal.Decimal `json:"lastTrade"`
	} `json:"Quick"`
}

func (p positionWire) toPosition() models.Position {
	price := p.Price
	if price.IsZero() && p.Quick != nil {
		price = p.Quick.LastTrade
	}
	return models.Position{
		PositionID:   p.PositionID,
		Symbol:       p.Product.Symbol,
		SecurityType: p.Product.SecurityType,
		Description:  p.SymbolDescription,
		Quantity:     p.Quantity,
		PricePaid:    p.PricePaid,
		Price:        price,
		MarketValue:  p.MarketValue,
		TotalGain:    p.TotalGain,
	}
}

type portfolioEnvelope struct {
	PortfolioResponse struct {
		AccountPortfolio []struct {
			AccountID  string         `json:"accountId"`
			TotalPages int            `json:"totalPages"`
			Position   []positionWire `json:"Position"`
		} `json:"AccountPortfolio"`
	} `json:"PortfolioResponse"`
}

func (e *portfolioEnvelope) setEmpty() {
	e.PortfolioResponse.AccountPortfolio = nil
}

func (e *portfolioEnvelope) toPortfolios() []models.AccountPortfolio {
	out := make([]models.AccountPortfolio, 0, len(e.PortfolioResponse.AccountPortfolio))
	for _, ap := range e.PortfolioResponse.AccountPortfolio {
		positions := make([]models.Position, 0, len(ap.Position))
		for _, p := range ap.Position {
			positions = append(positions, p.toPosition())
		}
		out = append(out, models.AccountPortfolio{
			AccountID:  ap.AccountID,
			TotalPages: ap.TotalPages,
			Positions:  positions,
		})
	}
	return out
}

// Order payloads.

type orderProduct struct {
	SecurityType string `json:"securityType"`
	Symbol       string `json:"symbol"`
}

type orderInstrument struct {
	Product      orderProduct `json:"Product"`
	OrderAction  string       `json:"orderAction"`
	QuantityType string       `json:"quantityType"`
	Quantity     int64        `json:"quantity"`
}

type orderDetail struct {
	AllOrNone     bool              `json:"allOrNone"`
	PriceType     string            `json:"priceType"`
	OrderTerm     string            `json:"orderTerm"`
	MarketSession string            `json:"marketSession"`
	LimitPrice    json.Number       `json:"limitPrice,omitempty"`
	Instrument    []orderInstrument `json:"Instrument"`
}

type previewIDWire struct {
	PreviewID int64 `json:"previewId"`
}

type previewOrderRequest struct {
	OrderType     string        `json:"orderType"`
	ClientOrderID string        `json:"clientOrderId"`
	Order         []orderDetail `json:"Order"`
}

type previewOrderEnvelope struct {
	PreviewOrderRequest previewOrderRequest `json:"PreviewOrderRequest"`
}

type placeOrderRequest struct {
	OrderType     string          `json:"orderType"`
	ClientOrderID string          `json:"clientOrderId"`
	PreviewIds    []previewIDWire `json:"PreviewIds"`
	Order         []orderDetail   `json:"Order"`
}

type placeOrderEnvelope struct {
	PlaceOrderRequest placeOrderRequest `json:"PlaceOrderRequest"`
}

type orderDetailResponse struct {
	PriceType            string          `json:"priceType"`
	OrderTerm            string          `json:"orderTerm"`
	MarketSession        string          `json:"marketSession"`
	LimitPrice           decimal.Decimal `json:"limitPrice"`
	EstimatedTotalAmount decimal.Decimal `json:"estimatedTotalAmount"`
	EstimatedCommission  decimal.Decimal `json:"estimatedCommission"`
	Instrument           []struct {
		Product           orderProduct    `json:"Product"`
		SymbolDescription string          `json:"symbolDescription"`
		OrderAction       string          `json:"orderAction"`
		Quantity          decimal.Decimal `json:"quantity"`
	} `json:"Instrument"`
}

type previewOrderResponse struct {
	PreviewOrderResponse struct {
		OrderType  string                `json:"orderType"`
		Order      []orderDetailResponse `json:"Order"`
		PreviewIds []previewIDWire       `json:"PreviewIds"`
	} `json:"PreviewOrderResponse"`
}

func (r *previewOrderResponse) toPreview(draft models.OrderDraft) *models.OrderPreview {
	resp := r.PreviewOrderResponse
	p := &models.OrderPreview{
		ClientOrderID: draft.ClientOrderID,
		AccountIDKey:  draft.AccountIDKey,
		Orders:        make([]models.OrderDetail, 0, len(resp.Order)),
	}
	if len(resp.PreviewIds) > 0 {
		p.PreviewID = resp.PreviewIds[0].PreviewID
	}
	for _, o := range resp.Order {
		p.EstimatedTotal = p.EstimatedTotal.Add(o.EstimatedTotalAmount)
		p.EstimatedCommission = p.EstimatedCommission.Add(o.EstimatedCommission)
		for _, inst := range o.Instrument {
			p.Orders = append(p.Orders, models.OrderDetail{
				Symbol:        inst.Product.Symbol,
				Action:        models.OrderAction(inst.OrderAction),
				Quantity:      inst.Quantity,
				PriceType:     models.PriceType(o.PriceType),
				LimitPrice:    o.LimitPrice,
				OrderTerm:     o.OrderTerm,
				MarketSession: o.MarketSession,
				Description:   inst.SymbolDescription,
			})
		}
	}
	return p
}

type placeOrderResponse struct {
	PlaceOrderResponse struct {
		OrderIds []struct {
			OrderID int64 `json:"orderId"`
		} `json:"OrderIds"`
		PlacedTime int64 `json:"placedTime"`
	} `json:"PlaceOrderResponse"`
}
