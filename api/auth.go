package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gregtusar/etrader/pkg/etrade"
)

const tokenIssuer = "etrader"

func (s *Server) handleAuthInitialize(w http.ResponseWriter, r *http.Request) {
	authURL, tmp, err := s.negotiator.BeginHandshake(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.mu.Lock()
	s.pending = &tmp
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authorization_url": authURL,
	})
}

type verifyRequest struct {
	Verifier string `json:"verifier"`
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.mu.RLock()
	pending := s.pending
	s.mu.RUnlock()
	if pending == nil {
		s.writeError(w, r, &etrade.IllegalStateError{Op: "verify", State: "auth not initialized"})
		return
	}

	_, err := s.negotiator.CompleteHandshake(r.Context(), *pending, strings.TrimSpace(req.Verifier))
	if err != nil {
		if s.negotiator.State() != etrade.TemporaryObtained {
			s.mu.Lock()
			s.pending = nil
			s.mu.Unlock()
		}
		s.writeError(w, r, err)
		return
	}

	session, err := s.negotiator.Session(s.opts.SessionOptions...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sessionID := uuid.NewString()
	orderOpts := append([]etrade.OrderOption{etrade.WithJournal(s.journal)}, s.opts.OrderOptions...)

	s.mu.Lock()
	s.pending = nil
	s.sessionID = sessionID
	s.gateway = etrade.NewAccountGateway(session, s.logger)
	s.orders = etrade.NewOrderService(session, s.logger, orderOpts...)
	s.workflows = make(map[string]*etrade.OrderWorkflow)
	s.mu.Unlock()

	token, expiresAt, err := s.issueToken(sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.WithField("session_id", sessionID).Info("Brokerage session established")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    "Successfully authenticated with E*TRADE",
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (s *Server) issueToken(sessionID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.opts.JWTTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "brokerage-session",
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Server) parseToken(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.jwtKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// requireAuth accepts the bearer token from the Authorization header, or
// from the token query parameter for websocket clients that cannot set
// headers.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Not authenticated"})
			return
		}

		claims, err := s.parseToken(raw)
		if err != nil {
			s.logger.WithError(err).Debug("Rejected bearer token")
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid or expired token"})
			return
		}

		s.mu.RLock()
		current := s.sessionID
		s.mu.RUnlock()
		if current == "" || claims.ID != current {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": errSessionSuperseded.Error()})
			return
		}

		next(w, r)
	}
}

var errSessionSuperseded = errors.New("session has been replaced, authenticate again")
