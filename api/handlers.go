package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/journal"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/shopspring/decimal"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	authenticated := s.gateway != nil
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": authenticated,
		"env":           s.opts.Environment,
		"handshake":     s.negotiator.State().String(),
	})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	gateway, _, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accounts, err := gateway.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	gateway, _, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := gateway.GetBalances(r.Context(), r.PathValue("idKey"), etrade.DefaultBalanceOptions())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"balance": balance})
}

// handleActiveBalances lists accounts with the balances of the active ones.
func (s *Server) handleActiveBalances(w http.ResponseWriter, r *http.Request) {
	gateway, _, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accounts, err := gateway.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balances, err := gateway.ActiveBalances(r.Context(), accounts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"balances": balances,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	gateway, _, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	portfolios, err := gateway.GetPortfolio(r.Context(), r.PathValue("idKey"), etrade.PortfolioOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"portfolio": portfolios})
}

type orderRequest struct {
	AccountIDKey  string          `json:"accountIdKey"`
	Symbol        string          `json:"symbol"`
	OrderAction   string          `json:"orderAction"`
	Quantity      int64           `json:"quantity"`
	PriceType     string          `json:"priceType"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	ClientOrderID string          `json:"clientOrderId"`
	PreviewID     int64           `json:"previewId"`
}

func (o orderRequest) draft() models.OrderDraft {
	return models.OrderDraft{
		AccountIDKey:  o.AccountIDKey,
		Symbol:        o.Symbol,
		Action:        models.OrderAction(o.OrderAction),
		Quantity:      o.Quantity,
		PriceType:     models.PriceType(o.PriceType),
		LimitPrice:    o.LimitPrice,
		ClientOrderID: o.ClientOrderID,
	}
}

// handleOrderPreview starts a workflow, or re-previews the open one when
// the request names its clientOrderId.
func (s *Server) handleOrderPreview(w http.ResponseWriter, r *http.Request) {
	_, orders, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.mu.RLock()
	wf, ok := s.workflows[req.ClientOrderID]
	s.mu.RUnlock()
	if !ok || req.ClientOrderID == "" || wf.State() != etrade.WorkflowPreviewed {
		wf = orders.NewWorkflow(req.draft())
	}

	preview, err := wf.Preview(r.Context())
	if err != nil {
		s.keepWorkflow(req.ClientOrderID, wf)
		s.writeError(w, r, err)
		return
	}

	s.keepWorkflow(preview.ClientOrderID, wf)
	s.writeJSON(w, http.StatusOK, preview)
}

// handleOrderPlace commits the open workflow for clientOrderId. Without
// one (after a restart, or once the workflow finished) the request must
// carry the full order, unless the journal already records it as placed,
// in which case the recorded order is replayed.
func (s *Server) handleOrderPlace(w http.ResponseWriter, r *http.Request) {
	_, orders, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ClientOrderID == "" {
		s.writeError(w, r, &etrade.ValidationError{Field: "clientOrderId", Reason: "must be the id returned by preview"})
		return
	}

	s.mu.RLock()
	wf, ok := s.workflows[req.ClientOrderID]
	s.mu.RUnlock()

	var placed *models.PlacedOrder
	if ok {
		if p := wf.LastPreview(); req.PreviewID != 0 && p != nil && p.PreviewID != req.PreviewID {
			s.writeError(w, r, &etrade.ValidationError{Field: "previewId", Reason: "does not match the latest preview"})
			return
		}
		placed, err = wf.Commit(r.Context())
		s.keepWorkflow(req.ClientOrderID, wf)
	} else {
		draft, derr := s.commitDraft(r.Context(), req)
		if derr != nil {
			s.writeError(w, r, derr)
			return
		}
		placed, err = orders.Commit(r.Context(), draft, req.PreviewID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, placed)
}

// keepWorkflow tracks wf while it can still be previewed or committed and
// forgets it once it reaches a final state. The journal keeps the outcome.
func (s *Server) keepWorkflow(clientOrderID string, wf *etrade.OrderWorkflow) {
	if clientOrderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch wf.State() {
	case etrade.WorkflowDrafted, etrade.WorkflowPreviewed:
		s.workflows[clientOrderID] = wf
	default:
		if s.workflows[clientOrderID] == wf {
			delete(s.workflows, clientOrderID)
		}
	}
}

// commitDraft fills an order-less place request from a placed journal entry
// so a repeated place is answered from the journal.
func (s *Server) commitDraft(ctx context.Context, req orderRequest) (models.OrderDraft, error) {
	draft := req.draft()
	if req.Symbol != "" {
		return draft, nil
	}
	e, err := s.journal.Get(ctx, req.ClientOrderID)
	if errors.Is(err, journal.ErrNotFound) {
		return draft, nil
	}
	if err != nil {
		return draft, err
	}
	if e.State != journal.StatePlaced {
		return draft, nil
	}
	return models.OrderDraft{
		AccountIDKey:  e.AccountIDKey,
		Symbol:        e.Symbol,
		Action:        models.OrderAction(e.Action),
		Quantity:      e.Quantity,
		ClientOrderID: e.ClientOrderID,
	}, nil
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.journal.List(r.Context(), journal.State(r.URL.Query().Get("state")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type chatRequest struct {
	AccountIDKey string `json:"accountIdKey"`
	Message      string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.assistant == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Assistant API key missing"})
		return
	}
	gateway, _, err := s.currentServices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	portfolios, err := gateway.GetPortfolio(r.Context(), req.AccountIDKey, etrade.PortfolioOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	answer, err := s.assistant.Chat(r.Context(), portfolios, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"response": answer})
}
