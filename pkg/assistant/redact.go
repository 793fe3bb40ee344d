package assistant

import (
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/shopspring/decimal"
)

// RedactedPosition is everything about a holding that may leave the
// process. Cost basis, value and account identifiers stay behind.
type RedactedPosition struct {
	Symbol   string          `json:"symbol"`
	Company  string          `json:"company"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Redact projects every position of every portfolio, in order.
func Redact(portfolios []models.AccountPortfolio) []RedactedPosition {
	positions := models.FlattenPositions(portfolios)
	out := make([]RedactedPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, RedactedPosition{
			Symbol:   p.Symbol,
			Company:  p.Description,
			Quantity: p.Quantity,
		})
	}
	return out
}
