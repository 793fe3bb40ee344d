package etrade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gregtusar/etrader/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	SandboxBaseURL    = "https://apisb.etrade.com"
	ProductionBaseURL = "https://api.etrade.com"
	AuthorizeURL      = "https://us.etrade.com/e/t/etws/authorize"

	DefaultTimeout = 30 * time.Second

	maxErrorBody = 64 << 10
)

// Request is one signed resource call. Name labels metrics and logs.
type Request struct {
	Name   string
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

// Caller performs signed resource calls. *Session is the production
// implementation.
type Caller interface {
	Call(ctx context.Context, req Request, out any) error
}

// emptyResult is implemented by response envelopes that have a defined
// value for 204 No Content.
type emptyResult interface {
	setEmpty()
}

// Session is the authenticated, signed client. The access token never
// changes after construction, so a Session is safe for concurrent use.
type Session struct {
	signer     *Signer
	token      AccessToken
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

type SessionOption func(*Session)

func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) { s.httpClient = c }
}

// WithTimeout bounds every call. It applies to a copy of the client given
// to WithHTTPClient, whichever option comes first.
func WithTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRateLimit throttles outbound calls. rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) SessionOption {
	return func(s *Session) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(logger *logrus.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

func NewSession(signer *Signer, token AccessToken, baseURL string, opts ...SessionOption) *Session {
	s := &Session{
		signer:     signer,
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout > 0 && s.httpClient.Timeout != s.timeout {
		c := *s.httpClient
		c.Timeout = s.timeout
		s.httpClient = &c
	}
	return s
}

func (s *Session) Authenticated() bool {
	return s != nil && s.signer != nil && s.token.Token != ""
}

func (s *Session) BaseURL() string {
	return s.baseURL
}

// Call signs and sends req, decoding a 200 body into out. A 204 leaves out
// at its defined empty value. Failures are never retried here.
func (s *Session) Call(ctx context.Context, req Request, out any) error {
	if !s.Authenticated() {
		return &IllegalStateError{Op: "call " + req.Path, State: "unauthenticated"}
	}
	name := req.Name
	if name == "" {
		name = req.Path
	}
	op := req.Method + " " + req.Path

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &TimeoutError{Op: op, Err: err}
			}
			return fmt.Errorf("failed to wait for rate limiter: %w", err)
		}
	}

	httpReq, err := s.newRequest(ctx, req)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			metrics.ObserveRequest(name, 0, "timeout", time.Since(start))
			s.logger.WithError(err).WithField("endpoint", name).Warn("Brokerage call timed out")
			return &TimeoutError{Op: op, Err: err}
		}
		metrics.ObserveRequest(name, 0, "error", time.Since(start))
		return &APIError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveRequest(name, resp.StatusCode, "", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNoContent:
		if e, ok := out.(emptyResult); ok {
			e.setEmpty()
		}
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if isTimeout(err) {
				return &TimeoutError{Op: op, Err: err}
			}
			return fmt.Errorf("%w: decoding %s: %v", ErrMalformedResponse, name, err)
		}
		return nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.logger.WithFields(logrus.Fields{
			"endpoint": name,
			"status":   resp.StatusCode,
		}).Debug("Brokerage call rejected")
		return &APIError{
			Method: req.Method,
			Path:   req.Path,
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}
}

func (s *Session) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", req.Path, err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, s.baseURL+req.Path, body)
	if err != nil {
		return nil, &ConfigError{Field: "request " + req.Path}
	}
	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if err := s.signer.AddAuthHeaders(httpReq, Token(s.token)); err != nil {
		return nil, err
	}
	return httpReq, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
