// Package journal records order attempts by client order id so a commit is
// never sent twice for the same logical order.
package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal entry not found")

type State string

const (
	StatePreviewed State = "previewed"
	StatePlaced    State = "placed"
	StateFailed    State = "failed"
	// StateUnknown marks a commit whose outcome could not be observed.
	StateUnknown State = "unknown"
)

type Entry struct {
	ClientOrderID string    `json:"clientOrderId"`
	AccountIDKey  string    `json:"accountIdKey"`
	Symbol        string    `json:"symbol"`
	Action        string    `json:"orderAction"`
	Quantity      int64     `json:"quantity"`
	PreviewID     int64     `json:"previewId,omitempty"`
	OrderID       int64     `json:"orderId,omitempty"`
	State         State     `json:"state"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Journal interface {
	Get(ctx context.Context, clientOrderID string) (*Entry, error)
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, state State) ([]Entry, error)
}
