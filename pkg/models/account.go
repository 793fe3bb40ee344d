package models

import (
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// Account is a brokerage account. AccountIDKey is the opaque handle every
// per-account call needs; AccountID is what the user sees.
type Account struct {
	AccountID       string        `json:"accountId"`
	AccountIDKey    string        `json:"accountIdKey"`
	Name            string        `json:"accountName"`
	Description     string        `json:"accountDesc"`
	Status          AccountStatus `json:"accountStatus"`
	Type            string        `json:"accountType"`
	Mode            string        `json:"accountMode"`
	InstitutionType string        `json:"institutionType"`
}

func (a Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// DisplayName falls back to the description when the account has no name.
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Description != "" {
		return a.Description
	}
	return "Unknown"
}

type Balance struct {
	AccountID                  string           `json:"accountId"`
	AccountIDKey               string           `json:"accountIdKey"`
	AccountType                string           `json:"accountType"`
	Description                string           `json:"accountDescription"`
	TotalAccountValue          decimal.Decimal  `json:"totalAccountValue"`
	CashBalance                decimal.Decimal  `json:"cashBalance"`
	CashAvailableForInvestment decimal.Decimal  `json:"cashAvailableForInvestment"`
	NetCash                    decimal.Decimal  `json:"netCash"`
	MoneyMarketBalance         *decimal.Decimal `json:"moneyMarketBalance,omitempty"`
}

// Position is a snapshot; re-fetch the portfolio for fresh values.
type Position struct {
	PositionID   int64           `json:"positionId"`
	Symbol       string          `json:"symbol"`
	SecurityType string          `json:"securityType"`
	Description  string          `json:"description"`
	Quantity     decimal.Decimal `json:"quantity"`
	PricePaid    decimal.Decimal `json:"pricePaid"`
	Price        decimal.Decimal `json:"price"`
	MarketValue  decimal.Decimal `json:"marketValue"`
	TotalGain    decimal.Decimal `json:"totalGain"`
}

// AccountPortfolio groups positions of one sub-account.
type AccountPortfolio struct {
	AccountID  string     `json:"accountId"`
	TotalPages int        `json:"totalPages"`
	Positions  []Position `json:"positions"`
}

func FlattenPositions(portfolios []AccountPortfolio) []Position {
	var n int
	for _, p := range portfolios {
		n += len(p.Positions)
	}
	positions := make([]Position, 0, n)
	for _, p := range portfolios {
		positions = append(positions, p.Positions...)
	}
	return positions
}
