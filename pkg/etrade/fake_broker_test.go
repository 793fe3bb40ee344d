package etrade

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

const (
	testConsumerKey    = "ckey"
	testConsumerSecret = "csecret"
	testVerifier       = "12345"
)

type previewRecord struct {
	clientOrderID string
	symbol        string
	used          bool
}

// fakeBroker is an in-process brokerage that checks OAuth signatures the
// same way the real one does.
type fakeBroker struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	tokenSecrets  map[string]string // token -> secret, for signature checks
	requestTokens map[string]bool   // issued, not yet exchanged
	accessToken   string
	nextPreview   int64
	nextOrder     int64
	previews      map[int64]*previewRecord
	lastBody      map[string]any
	lastQuery     url.Values

	accountsStatus int
	accountsBody   string
	balanceBody    string
	portfolioBody  string
	placeHandler   http.HandlerFunc

	calls atomic.Int64
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	fb := &fakeBroker{
		t:              t,
		tokenSecrets:   map[string]string{},
		requestTokens:  map[string]bool{},
		nextPreview:    555,
		nextOrder:      999,
		previews:       map[int64]*previewRecord{},
		accountsStatus: http.StatusOK,
		accountsBody:   `{"AccountListResponse":{"Accounts":{"Account":[]}}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/request_token", fb.handleRequestToken)
	mux.HandleFunc("/oauth/access_token", fb.handleAccessToken)
	mux.HandleFunc("/v1/accounts/list.json", fb.authed(fb.handleAccounts))
	mux.HandleFunc("/v1/accounts/", fb.authed(fb.handleAccountScoped))
	fb.server = httptest.NewServer(mux)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBroker) URL() string { return fb.server.URL }

func (fb *fakeBroker) endpoints() Endpoints {
	return Endpoints{BaseURL: fb.server.URL, AuthorizeURL: fb.server.URL + "/authorize"}
}

func (fb *fakeBroker) signer(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(Credential{ConsumerKey: testConsumerKey, ConsumerSecret: testConsumerSecret})
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s
}

// session returns a Session already holding a valid access token.
func (fb *fakeBroker) session(t *testing.T, opts ...SessionOption) *Session {
	t.Helper()
	fb.mu.Lock()
	fb.accessToken = "at"
	fb.tokenSecrets["at"] = "ats"
	fb.mu.Unlock()
	opts = append([]SessionOption{WithLogger(quietLogger())}, opts...)
	return NewSession(fb.signer(t), AccessToken{Token: "at", Secret: "ats"}, fb.server.URL, opts...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func parseAuthHeader(h string) map[string]string {
	out := map[string]string{}
	h = strings.TrimPrefix(h, "OAuth ")
	for _, part := range strings.Split(h, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		v, _ := url.PathUnescape(strings.Trim(kv[1], `"`))
		out[kv[0]] = v
	}
	return out
}

// verify recomputes the HMAC-SHA1 signature of r.
func (fb *fakeBroker) verify(r *http.Request, tokenSecret string) (map[string]string, bool) {
	params := parseAuthHeader(r.Header.Get("Authorization"))
	sig := params["oauth_signature"]
	if sig == "" || params["oauth_consumer_key"] != testConsumerKey {
		return params, false
	}
	oauth := map[string]string{}
	for k, v := range params {
		if strings.HasPrefix(k, "oauth_") && k != "oauth_signature" {
			oauth[k] = v
		}
	}
	u, _ := url.Parse("http://" + r.Host + r.URL.RequestURI())
	base := signatureBase(r.Method, u, nil, oauth)
	s := &Signer{cred: Credential{ConsumerKey: testConsumerKey, ConsumerSecret: testConsumerSecret}}
	want := s.signature(base, tokenSecret)
	return params, hmac.Equal([]byte(sig), []byte(want))
}

func (fb *fakeBroker) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	fb.calls.Add(1)
	params, ok := fb.verify(r, "")
	if r.Method != http.MethodPost || !ok || params["oauth_callback"] != OutOfBandCallback {
		http.Error(w, "oauth_problem=signature_invalid", http.StatusUnauthorized)
		return
	}
	fb.mu.Lock()
	tok := fmt.Sprintf("rt%d", len(fb.requestTokens)+1)
	fb.requestTokens[tok] = true
	fb.tokenSecrets[tok] = tok + "s"
	fb.mu.Unlock()
	fmt.Fprintf(w, "oauth_token=%s&oauth_token_secret=%ss&oauth_callback_confirmed=true", tok, tok)
}

func (fb *fakeBroker) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	fb.calls.Add(1)
	params := parseAuthHeader(r.Header.Get("Authorization"))
	tok := params["oauth_token"]

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.requestTokens[tok] {
		http.Error(w, "oauth_problem=token_rejected", http.StatusUnauthorized)
		return
	}
	if _, ok := fb.verify(r, fb.tokenSecrets[tok]); !ok {
		http.Error(w, "oauth_problem=signature_invalid", http.StatusUnauthorized)
		return
	}
	delete(fb.requestTokens, tok)
	if params["oauth_verifier"] != testVerifier {
		http.Error(w, "oauth_problem=verifier_invalid", http.StatusUnauthorized)
		return
	}
	fb.accessToken = "at"
	fb.tokenSecrets["at"] = "ats"
	fmt.Fprint(w, "oauth_token=at&oauth_token_secret=ats")
}

func (fb *fakeBroker) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fb.calls.Add(1)
		fb.mu.Lock()
		access, secret := fb.accessToken, fb.tokenSecrets[fb.accessToken]
		fb.mu.Unlock()
		params, ok := fb.verify(r, secret)
		if !ok || access == "" || params["oauth_token"] != access {
			http.Error(w, `{"Error":{"code":401,"message":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (fb *fakeBroker) handleAccounts(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	status, body := fb.accountsStatus, fb.accountsBody
	fb.mu.Unlock()
	if status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (fb *fakeBroker) handleAccountScoped(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.lastQuery = r.URL.Query()
	fb.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/balance.json"):
		fb.mu.Lock()
		body := fb.balanceBody
		fb.mu.Unlock()
		io.WriteString(w, body)
	case strings.HasSuffix(r.URL.Path, "/portfolio.json"):
		fb.mu.Lock()
		body := fb.portfolioBody
		fb.mu.Unlock()
		if body == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		io.WriteString(w, body)
	case strings.HasSuffix(r.URL.Path, "/orders/preview.json"):
		fb.handlePreview(w, r)
	case strings.HasSuffix(r.URL.Path, "/orders/place.json"):
		fb.mu.Lock()
		h := fb.placeHandler
		fb.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		fb.handlePlace(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (fb *fakeBroker) decodeBody(r *http.Request) map[string]any {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		fb.t.Errorf("fake broker: bad JSON body: %v", err)
	}
	fb.mu.Lock()
	fb.lastBody = body
	fb.mu.Unlock()
	return body
}

func firstSymbol(req map[string]any) string {
	orders, _ := req["Order"].([]any)
	if len(orders) == 0 {
		return ""
	}
	inst, _ := orders[0].(map[string]any)["Instrument"].([]any)
	if len(inst) == 0 {
		return ""
	}
	product, _ := inst[0].(map[string]any)["Product"].(map[string]any)
	s, _ := product["symbol"].(string)
	return s
}

func (fb *fakeBroker) handlePreview(w http.ResponseWriter, r *http.Request) {
	body := fb.decodeBody(r)
	req, _ := body["PreviewOrderRequest"].(map[string]any)
	coid, _ := req["clientOrderId"].(string)
	symbol := firstSymbol(req)
	if symbol == "ZZZZ" {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"Error":{"code":10033,"message":"The symbol you entered is invalid."}}`)
		return
	}

	fb.mu.Lock()
	id := fb.nextPreview
	fb.nextPreview++
	fb.previews[id] = &previewRecord{clientOrderID: coid, symbol: symbol}
	fb.mu.Unlock()

	fmt.Fprintf(w, `{"PreviewOrderResponse":{"orderType":"EQ","Order":[{"priceType":"MARKET","orderTerm":"GOOD_FOR_DAY","marketSession":"REGULAR","estimatedTotalAmount":1500.00,"estimatedCommission":0,"Instrument":[{"Product":{"symbol":%q,"securityType":"EQ"},"symbolDescription":"APPLE INC COM","orderAction":"BUY","quantity":10}]}],"PreviewIds":[{"previewId":%d}]}}`, symbol, id)
}

func (fb *fakeBroker) handlePlace(w http.ResponseWriter, r *http.Request) {
	body := fb.decodeBody(r)
	req, _ := body["PlaceOrderRequest"].(map[string]any)
	coid, _ := req["clientOrderId"].(string)
	ids, _ := req["PreviewIds"].([]any)
	var previewID int64
	if len(ids) > 0 {
		f, _ := ids[0].(map[string]any)["previewId"].(float64)
		previewID = int64(f)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	rec, ok := fb.previews[previewID]
	if !ok || rec.used || rec.clientOrderID != coid || rec.symbol != firstSymbol(req) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"Error":{"code":1036,"message":"preview id does not match this order"}}`)
		return
	}
	rec.used = true
	id := fb.nextOrder
	fb.nextOrder++
	fmt.Fprintf(w, `{"PlaceOrderResponse":{"orderType":"EQ","OrderIds":[{"orderId":%d}],"placedTime":1700000000000}}`, id)
}
