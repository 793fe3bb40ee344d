package etrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/etrader/pkg/journal"
	"github.com/gregtusar/etrader/pkg/metrics"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	orderTypeEquity      = "EQ"
	securityTypeEquity   = "EQ"
	orderTermGoodForDay  = "GOOD_FOR_DAY"
	marketSessionRegular = "REGULAR"
	quantityTypeShares   = "QUANTITY"
)

// OrderService sends previews and commits. It keeps no per-order state of
// its own; the journal is what makes a commit idempotent per clientOrderId.
type OrderService struct {
	caller  Caller
	ids     IDGenerator
	journal journal.Journal
	logger  *logrus.Logger
	now     func() time.Time
}

type OrderOption func(*OrderService)

func WithIDGenerator(g IDGenerator) OrderOption {
	return func(s *OrderService) { s.ids = g }
}

func WithJournal(j journal.Journal) OrderOption {
	return func(s *OrderService) { s.journal = j }
}

func WithOrderClock(now func() time.Time) OrderOption {
	return func(s *OrderService) { s.now = now }
}

func NewOrderService(caller Caller, logger *logrus.Logger, opts ...OrderOption) *OrderService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &OrderService{
		caller:  caller,
		ids:     RandomIDGenerator{Length: DefaultClientOrderIDLength},
		journal: journal.NewMemory(0),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OrderService) Journal() journal.Journal {
	return s.journal
}

// Preview validates draft, assigns a clientOrderId when it has none and asks
// the brokerage for a quote. The returned preview carries the clientOrderId
// the matching Commit must reuse.
func (s *OrderService) Preview(ctx context.Context, draft models.OrderDraft) (*models.OrderPreview, error) {
	d, err := normalizeDraft(draft)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("preview", "invalid").Inc()
		return nil, err
	}
	if d.ClientOrderID == "" {
		id, err := s.ids.NewClientOrderID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate client order id: %w", err)
		}
		d.ClientOrderID = id
	}
	if !validClientOrderID(d.ClientOrderID) {
		metrics.OrdersTotal.WithLabelValues("preview", "invalid").Inc()
		return nil, &ValidationError{Field: "clientOrderId", Reason: fmt.Sprintf("must be 1-%d alphanumerics", MaxClientOrderIDLength)}
	}

	entry, err := s.lookup(ctx, d.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if entry != nil && (entry.State == journal.StatePlaced || entry.State == journal.StateUnknown) {
		return nil, &IllegalStateError{Op: "preview client order " + d.ClientOrderID, State: string(entry.State)}
	}

	log := s.logger.WithFields(logrus.Fields{
		"client_order_id": d.ClientOrderID,
		"symbol":          d.Symbol,
		"action":          d.Action,
		"quantity":        d.Quantity,
	})

	var resp previewOrderResponse
	err = s.caller.Call(ctx, Request{
		Name:   "preview_order",
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/v1/accounts/%s/orders/preview.json", url.PathEscape(d.AccountIDKey)),
		Body: previewOrderEnvelope{PreviewOrderRequest: previewOrderRequest{
			OrderType:     orderTypeEquity,
			ClientOrderID: d.ClientOrderID,
			Order:         []orderDetail{buildOrderDetail(d)},
		}},
	}, &resp)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("preview", outcomeLabel(err)).Inc()
		log.WithError(err).Warn("Order preview failed")
		return nil, err
	}

	preview := resp.toPreview(d)
	if preview.PreviewID == 0 {
		metrics.OrdersTotal.WithLabelValues("preview", "malformed").Inc()
		return nil, fmt.Errorf("%w: preview response has no previewId", ErrMalformedResponse)
	}

	s.record(ctx, journalEntry(d, preview.PreviewID, 0, journal.StatePreviewed, nil))
	metrics.OrdersTotal.WithLabelValues("preview", "ok").Inc()
	log.WithField("preview_id", preview.PreviewID).Info("Order previewed")
	return preview, nil
}

// Commit places the order quoted by previewID. draft must carry the
// clientOrderId used for that preview. A clientOrderId already placed
// returns the recorded order without a network call, provided the draft and
// previewID repeat the recorded ones; one whose earlier commit timed out is
// refused until the caller reconciles.
func (s *OrderService) Commit(ctx context.Context, draft models.OrderDraft, previewID int64) (*models.PlacedOrder, error) {
	d, err := normalizeDraft(draft)
	if err != nil {
		metrics.OrdersTotal.WithLabelValues("commit", "invalid").Inc()
		return nil, err
	}
	if d.ClientOrderID == "" {
		metrics.OrdersTotal.WithLabelValues("commit", "invalid").Inc()
		return nil, &ValidationError{Field: "clientOrderId", Reason: "must be the id used for the preview"}
	}
	if previewID <= 0 {
		metrics.OrdersTotal.WithLabelValues("commit", "invalid").Inc()
		return nil, &ValidationError{Field: "previewId", Reason: "must be positive"}
	}

	entry, err := s.lookup(ctx, d.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		switch entry.State {
		case journal.StatePlaced:
			if !sameOrder(*entry, d, previewID) {
				metrics.OrdersTotal.WithLabelValues("commit", "invalid").Inc()
				return nil, &IllegalStateError{Op: "commit a different order as client order " + d.ClientOrderID, State: string(entry.State)}
			}
			metrics.OrdersTotal.WithLabelValues("commit", "replayed").Inc()
			s.logger.WithField("client_order_id", d.ClientOrderID).Info("Commit already placed, returning recorded order")
			return &models.PlacedOrder{
				OrderID:       entry.OrderID,
				PreviewID:     entry.PreviewID,
				ClientOrderID: entry.ClientOrderID,
				PlacedAt:      entry.UpdatedAt,
			}, nil
		case journal.StateUnknown:
			return nil, &IllegalStateError{Op: "commit client order " + d.ClientOrderID, State: string(entry.State)}
		}
	}

	log := s.logger.WithFields(logrus.Fields{
		"client_order_id": d.ClientOrderID,
		"preview_id":      previewID,
		"symbol":          d.Symbol,
	})

	var resp placeOrderResponse
	err = s.caller.Call(ctx, Request{
		Name:   "place_order",
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/v1/accounts/%s/orders/place.json", url.PathEscape(d.AccountIDKey)),
		Body: placeOrderEnvelope{PlaceOrderRequest: placeOrderRequest{
			OrderType:     orderTypeEquity,
			ClientOrderID: d.ClientOrderID,
			PreviewIds:    []previewIDWire{{PreviewID: previewID}},
			Order:         []orderDetail{buildOrderDetail(d)},
		}},
	}, &resp)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Op = "commit " + d.ClientOrderID
			te.Ambiguous = true
			s.record(ctx, journalEntry(d, previewID, 0, journal.StateUnknown, err))
			metrics.OrdersTotal.WithLabelValues("commit", "timeout").Inc()
			log.WithError(err).Error("Order commit timed out, outcome unknown")
			return nil, te
		}
		s.record(ctx, journalEntry(d, previewID, 0, journal.StateFailed, err))
		metrics.OrdersTotal.WithLabelValues("commit", outcomeLabel(err)).Inc()
		log.WithError(err).Warn("Order commit failed")
		return nil, err
	}

	ids := resp.PlaceOrderResponse.OrderIds
	if len(ids) == 0 || ids[0].OrderID == 0 {
		err := fmt.Errorf("%w: place response has no orderId", ErrMalformedResponse)
		s.record(ctx, journalEntry(d, previewID, 0, journal.StateUnknown, err))
		metrics.OrdersTotal.WithLabelValues("commit", "malformed").Inc()
		return nil, err
	}

	placedAt := s.now().UTC()
	if ms := resp.PlaceOrderResponse.PlacedTime; ms > 0 {
		placedAt = time.UnixMilli(ms).UTC()
	}
	placed := &models.PlacedOrder{
		OrderID:       ids[0].OrderID,
		PreviewID:     previewID,
		ClientOrderID: d.ClientOrderID,
		PlacedAt:      placedAt,
	}

	e := journalEntry(d, previewID, placed.OrderID, journal.StatePlaced, nil)
	e.UpdatedAt = placedAt
	s.record(ctx, e)
	metrics.OrdersTotal.WithLabelValues("commit", "ok").Inc()
	log.WithField("order_id", placed.OrderID).Info("Order placed")
	return placed, nil
}

func (s *OrderService) lookup(ctx context.Context, clientOrderID string) (*journal.Entry, error) {
	entry, err := s.journal.Get(ctx, clientOrderID)
	if errors.Is(err, journal.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consult order journal: %w", err)
	}
	return entry, nil
}

// record outlives ctx so a timed-out commit still lands in the journal.
func (s *OrderService) record(ctx context.Context, e journal.Entry) {
	if err := s.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.WithError(err).WithField("client_order_id", e.ClientOrderID).Error("Failed to record order journal entry")
	}
}

// sameOrder reports whether a commit request repeats the one the journal
// recorded, down to the preview it redeemed.
func sameOrder(e journal.Entry, d models.OrderDraft, previewID int64) bool {
	return e.PreviewID == previewID &&
		e.AccountIDKey == d.AccountIDKey &&
		e.Symbol == d.Symbol &&
		e.Action == string(d.Action) &&
		e.Quantity == d.Quantity
}

func journalEntry(d models.OrderDraft, previewID, orderID int64, state journal.State, err error) journal.Entry {
	e := journal.Entry{
		ClientOrderID: d.ClientOrderID,
		AccountIDKey:  d.AccountIDKey,
		Symbol:        d.Symbol,
		Action:        string(d.Action),
		Quantity:      d.Quantity,
		PreviewID:     previewID,
		OrderID:       orderID,
		State:         state,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

func outcomeLabel(err error) string {
	switch {
	case IsTimeout(err):
		return "timeout"
	case IsValidation(err):
		return "invalid"
	default:
		return "rejected"
	}
}

// normalizeDraft upper-cases enums and symbol and checks every local rule
// before anything is sent.
func normalizeDraft(d models.OrderDraft) (models.OrderDraft, error) {
	d.AccountIDKey = strings.TrimSpace(d.AccountIDKey)
	d.Symbol = strings.ToUpper(strings.TrimSpace(d.Symbol))
	d.Action = models.OrderAction(strings.ToUpper(string(d.Action)))
	d.PriceType = models.PriceType(strings.ToUpper(string(d.PriceType)))
	d.ClientOrderID = strings.TrimSpace(d.ClientOrderID)
	if d.PriceType == "" {
		d.PriceType = models.PriceTypeMarket
	}

	if d.AccountIDKey == "" {
		return d, &ValidationError{Field: "accountIdKey", Reason: "must not be empty"}
	}
	if d.Symbol == "" {
		return d, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	if d.Action != models.OrderActionBuy && d.Action != models.OrderActionSell {
		return d, &ValidationError{Field: "orderAction", Reason: "must be BUY or SELL"}
	}
	if d.Quantity <= 0 {
		return d, &ValidationError{Field: "quantity", Reason: "must be greater than zero"}
	}
	switch d.PriceType {
	case models.PriceTypeLimit:
		if !d.LimitPrice.IsPositive() {
			return d, &ValidationError{Field: "limitPrice", Reason: "LIMIT orders need a positive limit price"}
		}
	case models.PriceTypeMarket:
		if !d.LimitPrice.IsZero() {
			return d, &ValidationError{Field: "limitPrice", Reason: "MARKET orders take no limit price"}
		}
	default:
		return d, &ValidationError{Field: "priceType", Reason: "must be MARKET or LIMIT"}
	}
	return d, nil
}

func buildOrderDetail(d models.OrderDraft) orderDetail {
	od := orderDetail{
		AllOrNone:     false,
		PriceType:     string(d.PriceType),
		OrderTerm:     orderTermGoodForDay,
		MarketSession: marketSessionRegular,
		Instrument: []orderInstrument{{
			Product:      orderProduct{SecurityType: securityTypeEquity, Symbol: d.Symbol},
			OrderAction:  string(d.Action),
			QuantityType: quantityTypeShares,
			Quantity:     d.Quantity,
		}},
	}
	if d.PriceType == models.PriceTypeLimit {
		od.LimitPrice = json.Number(d.LimitPrice.String())
	}
	return od
}

type WorkflowState string

const (
	WorkflowDrafted   WorkflowState = "drafted"
	WorkflowPreviewed WorkflowState = "previewed"
	WorkflowCommitted WorkflowState = "committed"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowUnknown   WorkflowState = "unknown"
)

// OrderWorkflow drives one order attempt through preview and commit. Use
// one workflow per in-flight order; calls on it are serialized.
type OrderWorkflow struct {
	mu      sync.Mutex
	svc     *OrderService
	draft   models.OrderDraft
	state   WorkflowState
	preview *models.OrderPreview
	placed  *models.PlacedOrder
	lastErr error
}

func (s *OrderService) NewWorkflow(draft models.OrderDraft) *OrderWorkflow {
	return &OrderWorkflow{svc: s, draft: draft, state: WorkflowDrafted}
}

func (w *OrderWorkflow) State() WorkflowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *OrderWorkflow) Draft() models.OrderDraft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

func (w *OrderWorkflow) LastPreview() *models.OrderPreview {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.preview
}

func (w *OrderWorkflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Preview quotes the order. Previewing again replaces the quote and keeps
// the clientOrderId.
func (w *OrderWorkflow) Preview(ctx context.Context) (*models.OrderPreview, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != WorkflowDrafted && w.state != WorkflowPreviewed {
		return nil, &IllegalStateError{Op: "preview", State: string(w.state)}
	}

	p, err := w.svc.Preview(ctx, w.draft)
	if err != nil {
		w.state = WorkflowFailed
		w.lastErr = err
		return nil, err
	}
	w.draft.ClientOrderID = p.ClientOrderID
	w.preview = p
	w.state = WorkflowPreviewed
	return p, nil
}

// Commit redeems the latest preview. Once committed it keeps returning the
// same order; after a failure or timeout it refuses until Restart.
func (w *OrderWorkflow) Commit(ctx context.Context) (*models.PlacedOrder, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WorkflowCommitted {
		return w.placed, nil
	}
	if w.state != WorkflowPreviewed || w.preview == nil {
		return nil, &IllegalStateError{Op: "commit", State: string(w.state)}
	}

	placed, err := w.svc.Commit(ctx, w.draft, w.preview.PreviewID)
	if err != nil {
		w.lastErr = err
		if IsTimeout(err) {
			w.state = WorkflowUnknown
		} else {
			w.state = WorkflowFailed
		}
		return nil, err
	}
	w.placed = placed
	w.state = WorkflowCommitted
	return placed, nil
}

// Restart starts the same order over with a fresh clientOrderId. Restarting
// after an unknown outcome may duplicate the order; reconcile first.
func (w *OrderWorkflow) Restart() (*OrderWorkflow, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == WorkflowCommitted {
		return nil, &IllegalStateError{Op: "restart", State: string(w.state)}
	}
	d := w.draft
	d.ClientOrderID = ""
	return w.svc.NewWorkflow(d), nil
}
