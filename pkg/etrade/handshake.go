package etrade

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gregtusar/etrader/pkg/metrics"
	"github.com/sirupsen/logrus"
)

type HandshakeState int

const (
	Unstarted HandshakeState = iota
	TemporaryObtained
	Authorized
)

func (s HandshakeState) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case TemporaryObtained:
		return "temporary_obtained"
	case Authorized:
		return "authorized"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

// Endpoints locates the brokerage API and its user-facing authorize page.
type Endpoints struct {
	BaseURL      string
	AuthorizeURL string
}

func SandboxEndpoints() Endpoints {
	return Endpoints{BaseURL: SandboxBaseURL, AuthorizeURL: AuthorizeURL}
}

func ProductionEndpoints() Endpoints {
	return Endpoints{BaseURL: ProductionBaseURL, AuthorizeURL: AuthorizeURL}
}

// Negotiator runs the three-legged OAuth handshake for one Credential.
// Handshake steps are serialized; running two handshakes for the same
// Credential from different Negotiators invalidates the earlier token.
type Negotiator struct {
	signer     *Signer
	endpoints  Endpoints
	httpClient *http.Client
	logger     *logrus.Logger

	mu      sync.Mutex
	state   HandshakeState
	pending *TemporaryToken
	access  *AccessToken
}

func NewNegotiator(signer *Signer, endpoints Endpoints, httpClient *http.Client, logger *logrus.Logger) (*Negotiator, error) {
	if signer == nil {
		return nil, &ConfigError{Field: "signer"}
	}
	if endpoints.BaseURL == "" {
		return nil, &ConfigError{Field: "base url"}
	}
	if endpoints.AuthorizeURL == "" {
		return nil, &ConfigError{Field: "authorize url"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	endpoints.BaseURL = strings.TrimRight(endpoints.BaseURL, "/")
	return &Negotiator{
		signer:     signer,
		endpoints:  endpoints,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (n *Negotiator) State() HandshakeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// BeginHandshake fetches a temporary token and returns the URL the user
// must visit to obtain a verifier code. A pending temporary token from an
// earlier call is discarded.
func (n *Negotiator) BeginHandshake(ctx context.Context) (string, TemporaryToken, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pending = nil
	n.access = nil
	n.state = Unstarted

	tok, err := n.fetchToken(ctx, "request_token", SignRequest{
		Method:   http.MethodPost,
		URL:      n.endpoints.BaseURL + "/oauth/request_token",
		Callback: OutOfBandCallback,
	})
	if err != nil {
		return "", TemporaryToken{}, err
	}

	tmp := TemporaryToken(tok)
	n.pending = &tmp
	n.state = TemporaryObtained

	n.logger.Info("Obtained temporary token, waiting for user authorization")
	return n.AuthorizationURL(tmp), tmp, nil
}

// AuthorizationURL is the page where the user approves tmp.
func (n *Negotiator) AuthorizationURL(tmp TemporaryToken) string {
	q := url.Values{}
	q.Set("key", n.signer.ConsumerKey())
	q.Set("token", tmp.Token)
	return n.endpoints.AuthorizeURL + "?" + q.Encode()
}

// CompleteHandshake exchanges tmp and the user's verifier for an access
// token. tmp is consumed whether or not the exchange succeeds.
func (n *Negotiator) CompleteHandshake(ctx context.Context, tmp TemporaryToken, verifier string) (AccessToken, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != TemporaryObtained || n.pending == nil {
		return AccessToken{}, &IllegalStateError{Op: "complete handshake", State: n.state.String()}
	}
	if tmp.Token != n.pending.Token {
		return AccessToken{}, &IllegalStateError{Op: "complete handshake with a foreign temporary token", State: n.state.String()}
	}
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return AccessToken{}, &ValidationError{Field: "verifier", Reason: "must not be empty"}
	}

	pending := *n.pending
	n.pending = nil
	n.state = Unstarted

	tok, err := n.fetchToken(ctx, "access_token", SignRequest{
		Method:   http.MethodPost,
		URL:      n.endpoints.BaseURL + "/oauth/access_token",
		Token:    Token(pending),
		Verifier: verifier,
	})
	if err != nil {
		return AccessToken{}, err
	}

	access := AccessToken(tok)
	n.access = &access
	n.state = Authorized

	n.logger.Info("Handshake completed, session authorized")
	return access, nil
}

// Session builds the authenticated session once the handshake is done.
func (n *Negotiator) Session(opts ...SessionOption) (*Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != Authorized || n.access == nil {
		return nil, &IllegalStateError{Op: "open session", State: n.state.String()}
	}
	opts = append([]SessionOption{WithLogger(n.logger)}, opts...)
	return NewSession(n.signer, *n.access, n.endpoints.BaseURL, opts...), nil
}

func (n *Negotiator) fetchToken(ctx context.Context, step string, sr SignRequest) (Token, error) {
	header, err := n.signer.Sign(sr)
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, sr.Method, sr.URL, nil)
	if err != nil {
		return Token{}, &ConfigError{Field: step + " url"}
	}
	req.Header.Set("Authorization", header)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(step, "error").Inc()
		if isTimeout(err) {
			return Token{}, &TimeoutError{Op: "oauth " + step, Err: err}
		}
		return Token{}, &AuthProtocolError{Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(step, "error").Inc()
		return Token{}, &AuthProtocolError{Step: step, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		metrics.HandshakesTotal.WithLabelValues(step, "rejected").Inc()
		n.logger.WithFields(logrus.Fields{
			"step":   step,
			"status": resp.StatusCode,
		}).Warn("Token endpoint rejected the request")
		return Token{}, &AuthProtocolError{Step: step, Status: resp.StatusCode, Body: string(body)}
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(step, "malformed").Inc()
		return Token{}, &AuthProtocolError{Step: step, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	tok := Token{
		Token:  values.Get("oauth_token"),
		Secret: values.Get("oauth_token_secret"),
	}
	if tok.Token == "" || tok.Secret == "" {
		metrics.HandshakesTotal.WithLabelValues(step, "malformed").Inc()
		return Token{}, &AuthProtocolError{Step: step, Status: resp.StatusCode, Err: fmt.Errorf("%w: missing oauth_token or oauth_token_secret", ErrMalformedResponse)}
	}

	metrics.HandshakesTotal.WithLabelValues(step, "ok").Inc()
	return tok, nil
}
