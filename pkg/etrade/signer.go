package etrade

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OutOfBandCallback is the oauth_callback used when the user copies the
// verifier code by hand.
const OutOfBandCallback = "oob"

const signatureMethod = "HMAC-SHA1"

// Credential identifies the calling application for the whole process.
type Credential struct {
	ConsumerKey    string
	ConsumerSecret string
}

// Token is an OAuth token pair.
type Token struct {
	Token  string
	Secret string
}

func (t Token) IsZero() bool {
	return t.Token == "" && t.Secret == ""
}

// TemporaryToken is the single-use request token from the first leg.
type TemporaryToken Token

// AccessToken is the durable token from the last leg.
type AccessToken Token

// SignRequest describes one request to sign. Token is zero for the
// request-token leg.
type SignRequest struct {
	Method   string
	URL      string
	Params   url.Values
	Token    Token
	Callback string
	Verifier string
}

// Signer computes OAuth 1.0a HMAC-SHA1 authorization headers. It holds no
// per-request state.
type Signer struct {
	cred  Credential
	now   func() time.Time
	nonce func() (string, error)
}

type SignerOption func(*Signer)

func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

func WithNonceSource(nonce func() (string, error)) SignerOption {
	return func(s *Signer) { s.nonce = nonce }
}

func NewSigner(cred Credential, opts ...SignerOption) (*Signer, error) {
	if cred.ConsumerKey == "" {
		return nil, &ConfigError{Field: "consumer key"}
	}
	if cred.ConsumerSecret == "" {
		return nil, &ConfigError{Field: "consumer secret"}
	}
	s := &Signer{
		cred:  cred,
		now:   time.Now,
		nonce: generateNonce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Signer) ConsumerKey() string {
	return s.cred.ConsumerKey
}

// Sign returns the value of the Authorization header for req.
func (s *Signer) Sign(req SignRequest) (string, error) {
	if req.Method == "" {
		return "", &ConfigError{Field: "method"}
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &ConfigError{Field: "url"}
	}

	nonce, err := s.nonce()
	if err != nil {
		return "", err
	}

	oauth := map[string]string{
		"oauth_consumer_key":     s.cred.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if req.Token.Token != "" {
		oauth["oauth_token"] = req.Token.Token
	}
	if req.Callback != "" {
		oauth["oauth_callback"] = req.Callback
	}
	if req.Verifier != "" {
		oauth["oauth_verifier"] = req.Verifier
	}

	base := signatureBase(req.Method, u, req.Params, oauth)
	oauth["oauth_signature"] = s.signature(base, req.Token.Secret)

	return authorizationHeader(oauth), nil
}

// AddAuthHeaders signs an outgoing resource request with token.
func (s *Signer) AddAuthHeaders(req *http.Request, token Token) error {
	header, err := s.Sign(SignRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Token:  token,
	})
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

func (s *Signer) signature(base, tokenSecret string) string {
	key := percentEncode(s.cred.ConsumerSecret) + "&" + percentEncode(tokenSecret)
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// signatureBase builds METHOD&URL&PARAMS per RFC 5849 section 3.4.1.
func signatureBase(method string, u *url.URL, params url.Values, oauth map[string]string) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range u.Query() {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
		}
	}
	for k, v := range oauth {
		pairs = append(pairs, pair{percentEncode(k), percentEncode(v)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k == pairs[j].k {
			return pairs[i].v < pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})

	encoded := make([]string, len(pairs))
	for i, p := range pairs {
		encoded[i] = p.k + "=" + p.v
	}

	return strings.ToUpper(method) + "&" +
		percentEncode(baseURL(u)) + "&" +
		percentEncode(strings.Join(encoded, "&"))
}

func baseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if port := u.Port(); (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		host = strings.ToLower(u.Hostname())
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func authorizationHeader(oauth map[string]string) string {
	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, `realm=""`)
	for _, k := range keys {
		parts = append(parts, percentEncode(k)+`="`+percentEncode(oauth[k])+`"`)
	}
	return "OAuth " + strings.Join(parts, ",")
}

// percentEncode applies RFC 3986 unreserved-set encoding.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
