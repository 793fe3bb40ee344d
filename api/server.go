package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/etrader/pkg/assistant"
	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/journal"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/gregtusar/etrader/pkg/monitor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Port           int
	AllowedOrigin  string
	Environment    string
	JWTSecret      []byte
	JWTTTL         time.Duration
	StreamInterval time.Duration
	SessionOptions []etrade.SessionOption
	OrderOptions   []etrade.OrderOption
}

// Server is the single-user HTTP facade over one brokerage login. A
// successful verify replaces the session and invalidates earlier bearer
// tokens.
type Server struct {
	negotiator *etrade.Negotiator
	journal    journal.Journal
	assistant  *assistant.Assistant
	monitor    *monitor.PortfolioMonitor
	opts       Options
	jwtKey     []byte
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
	now        func() time.Time

	mu        sync.RWMutex
	pending   *etrade.TemporaryToken
	sessionID string
	gateway   *etrade.AccountGateway
	orders    *etrade.OrderService
	workflows map[string]*etrade.OrderWorkflow

	httpServer *http.Server
}

// NewServer wires the facade. analyst may be nil, in which case the chat
// route reports the assistant as unavailable.
func NewServer(negotiator *etrade.Negotiator, j journal.Journal, analyst assistant.Analyst, opts Options, logger *logrus.Logger) (*Server, error) {
	if negotiator == nil {
		return nil, errors.New("negotiator is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if j == nil {
		j = journal.NewMemory(0)
	}
	if opts.JWTTTL <= 0 {
		opts.JWTTTL = 2 * time.Hour
	}

	key := opts.JWTSecret
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate jwt key: %w", err)
		}
		logger.Warn("No JWT secret configured, using an ephemeral key; tokens will not survive a restart")
	}

	s := &Server{
		negotiator: negotiator,
		journal:    j,
		opts:       opts,
		jwtKey:     key,
		logger:     logger,
		now:        time.Now,
		workflows:  make(map[string]*etrade.OrderWorkflow),
	}
	if analyst != nil {
		s.assistant = assistant.New(analyst, logger)
	}
	s.monitor = monitor.NewPortfolioMonitor(liveGateway{s}, opts.StreamInterval, logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/auth/initialize", s.handleAuthInitialize)
	mux.HandleFunc("POST /api/auth/verify", s.handleAuthVerify)

	mux.HandleFunc("GET /api/accounts", s.requireAuth(s.handleAccounts))
	mux.HandleFunc("GET /api/accounts/{idKey}/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("GET /api/balances", s.requireAuth(s.handleActiveBalances))
	mux.HandleFunc("GET /api/portfolio/{idKey}", s.requireAuth(s.handlePortfolio))
	mux.HandleFunc("POST /api/order/preview", s.requireAuth(s.handleOrderPreview))
	mux.HandleFunc("POST /api/order/place", s.requireAuth(s.handleOrderPlace))
	mux.HandleFunc("GET /api/orders/journal", s.requireAuth(s.handleJournal))
	mux.HandleFunc("POST /api/assistant/chat", s.requireAuth(s.handleChat))
	mux.HandleFunc("GET /api/stream/portfolio/{idKey}", s.requireAuth(s.handlePortfolioStream))

	mux.Handle("GET /metrics", promhttp.Handler())

	return corsMiddleware(s.opts.AllowedOrigin, mux)
}

// Start serves until Shutdown. The portfolio monitor runs for the life of ctx.
func (s *Server) Start(ctx context.Context) error {
	s.monitor.Start(ctx)
	s.logger.Infof("Starting API server on port %d", s.opts.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.monitor.Stop()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.opts.AllowedOrigin == "" || s.opts.AllowedOrigin == "*" {
		return true
	}
	return origin == s.opts.AllowedOrigin
}

// currentServices returns the gateway and order service of the live session.
func (s *Server) currentServices() (*etrade.AccountGateway, *etrade.OrderService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.gateway == nil {
		return nil, nil, &etrade.IllegalStateError{Op: "call the brokerage", State: "unauthenticated"}
	}
	return s.gateway, s.orders, nil
}

// liveGateway lets the monitor follow session replacement.
type liveGateway struct{ s *Server }

func (l liveGateway) GetPortfolio(ctx context.Context, idKey string, opts etrade.PortfolioOptions) ([]models.AccountPortfolio, error) {
	g, _, err := l.s.currentServices()
	if err != nil {
		return nil, err
	}
	return g.GetPortfolio(ctx, idKey, opts)
}

func (l liveGateway) GetBalances(ctx context.Context, idKey string, opts etrade.BalanceOptions) (*models.Balance, error) {
	g, _, err := l.s.currentServices()
	if err != nil {
		return nil, err
	}
	return g.GetBalances(ctx, idKey, opts)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.logger.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Warn("Request rejected")
	}

	body := map[string]interface{}{"error": err.Error()}
	var te *etrade.TimeoutError
	if errors.As(err, &te) && te.Ambiguous {
		body["outcome"] = "unknown"
	}
	s.writeJSON(w, status, body)
}

func statusFor(err error) int {
	var (
		validation *etrade.ValidationError
		auth       *etrade.AuthProtocolError
		illegal    *etrade.IllegalStateError
		timeout    *etrade.TimeoutError
		api        *etrade.APIError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &illegal):
		return http.StatusConflict
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &api), errors.Is(err, etrade.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, assistant.ErrNoPositions):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return &etrade.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
