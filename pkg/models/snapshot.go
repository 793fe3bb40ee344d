package models

import "time"

// PortfolioSnapshot is one refresh of an account's holdings. Error is set
// instead of the data when the refresh failed.
type PortfolioSnapshot struct {
	AccountIDKey string     `json:"accountIdKey"`
	Positions    []Position `json:"positions"`
	Balance      *Balance   `json:"balance,omitempty"`
	Error        string     `json:"error,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}
