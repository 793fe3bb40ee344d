package etrade

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestNegotiator(t *testing.T, fb *fakeBroker) *Negotiator {
	t.Helper()
	n, err := NewNegotiator(fb.signer(t), fb.endpoints(), nil, quietLogger())
	if err != nil {
		t.Fatalf("NewNegotiator() error = %v", err)
	}
	return n
}

func TestHandshakeHappyPath(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	if got := n.State(); got != Unstarted {
		t.Fatalf("initial state = %v, want %v", got, Unstarted)
	}

	authURL, tmp, err := n.BeginHandshake(ctx)
	if err != nil {
		t.Fatalf("BeginHandshake() error = %v", err)
	}
	if tmp.Token != "rt1" || tmp.Secret != "rt1s" {
		t.Errorf("temporary token = %+v", tmp)
	}
	wantURL := fb.URL() + "/authorize?key=" + testConsumerKey + "&token=rt1"
	if authURL != wantURL {
		t.Errorf("authorization url = %q, want %q", authURL, wantURL)
	}
	if got := n.State(); got != TemporaryObtained {
		t.Fatalf("state = %v, want %v", got, TemporaryObtained)
	}

	access, err := n.CompleteHandshake(ctx, tmp, testVerifier)
	if err != nil {
		t.Fatalf("CompleteHandshake() error = %v", err)
	}
	if access.Token != "at" || access.Secret != "ats" {
		t.Errorf("access token = %+v", access)
	}
	if got := n.State(); got != Authorized {
		t.Fatalf("state = %v, want %v", got, Authorized)
	}

	sess, err := n.Session()
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if _, err := NewAccountGateway(sess, quietLogger()).ListAccounts(ctx); err != nil {
		t.Fatalf("ListAccounts() over negotiated session error = %v", err)
	}
}

func TestCompleteHandshakeTwiceFails(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	_, tmp, err := n.BeginHandshake(ctx)
	if err != nil {
		t.Fatalf("BeginHandshake() error = %v", err)
	}
	if _, err := n.CompleteHandshake(ctx, tmp, testVerifier); err != nil {
		t.Fatalf("CompleteHandshake() error = %v", err)
	}

	calls := fb.calls.Load()
	_, err = n.CompleteHandshake(ctx, tmp, testVerifier)
	if !IsIllegalState(err) {
		t.Fatalf("second CompleteHandshake() error = %v, want IllegalStateError", err)
	}
	if fb.calls.Load() != calls {
		t.Errorf("second CompleteHandshake() reached the network")
	}
}

func TestCompleteBeforeBeginIsIllegal(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)

	_, err := n.CompleteHandshake(context.Background(), TemporaryToken{Token: "rt1", Secret: "rt1s"}, testVerifier)
	if !IsIllegalState(err) {
		t.Fatalf("CompleteHandshake() error = %v, want IllegalStateError", err)
	}
	if fb.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0", fb.calls.Load())
	}
}

func TestRejectedVerifierConsumesTemporaryToken(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	_, tmp, err := n.BeginHandshake(ctx)
	if err != nil {
		t.Fatalf("BeginHandshake() error = %v", err)
	}
	_, err = n.CompleteHandshake(ctx, tmp, "wrong")
	var authErr *AuthProtocolError
	if !errors.As(err, &authErr) {
		t.Fatalf("CompleteHandshake() error = %v, want AuthProtocolError", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", authErr.Status)
	}
	if got := n.State(); got != Unstarted {
		t.Errorf("state after rejection = %v, want %v", got, Unstarted)
	}

	if _, err := n.CompleteHandshake(ctx, tmp, testVerifier); !IsIllegalState(err) {
		t.Errorf("retry with consumed token error = %v, want IllegalStateError", err)
	}
}

func TestEmptyVerifierKeepsTokenPending(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	_, tmp, err := n.BeginHandshake(ctx)
	if err != nil {
		t.Fatalf("BeginHandshake() error = %v", err)
	}
	if _, err := n.CompleteHandshake(ctx, tmp, "  "); !IsValidation(err) {
		t.Fatalf("CompleteHandshake() error = %v, want ValidationError", err)
	}
	if _, err := n.CompleteHandshake(ctx, tmp, testVerifier); err != nil {
		t.Fatalf("CompleteHandshake() after empty verifier error = %v", err)
	}
}

func TestForeignTemporaryTokenIsIllegal(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	if _, _, err := n.BeginHandshake(ctx); err != nil {
		t.Fatalf("BeginHandshake() error = %v", err)
	}
	_, err := n.CompleteHandshake(ctx, TemporaryToken{Token: "other", Secret: "x"}, testVerifier)
	if !IsIllegalState(err) {
		t.Fatalf("CompleteHandshake() error = %v, want IllegalStateError", err)
	}
}

func TestSessionBeforeAuthorizedIsIllegal(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	if _, err := n.Session(); !IsIllegalState(err) {
		t.Fatalf("Session() error = %v, want IllegalStateError", err)
	}
}

func TestBeginHandshakeMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oauth_token=only"))
	}))
	defer srv.Close()

	s, _ := NewSigner(Credential{ConsumerKey: testConsumerKey, ConsumerSecret: testConsumerSecret})
	n, err := NewNegotiator(s, Endpoints{BaseURL: srv.URL, AuthorizeURL: srv.URL + "/authorize"}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewNegotiator() error = %v", err)
	}
	_, _, err = n.BeginHandshake(context.Background())
	if !IsAuthProtocol(err) || !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("BeginHandshake() error = %v, want malformed AuthProtocolError", err)
	}
	if got := n.State(); got != Unstarted {
		t.Errorf("state = %v, want %v", got, Unstarted)
	}
}

func TestBeginHandshakeRejectedCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "oauth_problem=consumer_key_rejected", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, _ := NewSigner(Credential{ConsumerKey: "bad", ConsumerSecret: "bad"})
	n, _ := NewNegotiator(s, Endpoints{BaseURL: srv.URL, AuthorizeURL: srv.URL}, nil, quietLogger())
	_, _, err := n.BeginHandshake(context.Background())
	var authErr *AuthProtocolError
	if !errors.As(err, &authErr) {
		t.Fatalf("BeginHandshake() error = %v, want AuthProtocolError", err)
	}
	if !strings.Contains(authErr.Body, "consumer_key_rejected") {
		t.Errorf("body = %q", authErr.Body)
	}
}

func TestBeginHandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s, _ := NewSigner(Credential{ConsumerKey: testConsumerKey, ConsumerSecret: testConsumerSecret})
	n, _ := NewNegotiator(s, Endpoints{BaseURL: srv.URL, AuthorizeURL: srv.URL}, &http.Client{Timeout: 50 * time.Millisecond}, quietLogger())
	_, _, err := n.BeginHandshake(context.Background())
	if !IsTimeout(err) {
		t.Fatalf("BeginHandshake() error = %v, want TimeoutError", err)
	}
}

func TestConcurrentHandshakesAreSerialized(t *testing.T) {
	fb := newFakeBroker(t)
	n := newTestNegotiator(t, fb)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := n.BeginHandshake(ctx); err != nil {
				t.Errorf("BeginHandshake() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := n.State(); got != TemporaryObtained {
		t.Fatalf("state = %v, want %v", got, TemporaryObtained)
	}
	n.mu.Lock()
	pending := *n.pending
	n.mu.Unlock()
	if _, err := n.CompleteHandshake(ctx, pending, testVerifier); err != nil {
		t.Fatalf("CompleteHandshake() with the surviving token error = %v", err)
	}
}
