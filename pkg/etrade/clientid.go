package etrade

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultClientOrderIDLength = 10
	// MaxClientOrderIDLength is the longest clientOrderId the brokerage accepts.
	MaxClientOrderIDLength = 20

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// IDGenerator produces client order ids. Uniqueness is only as strong as
// the implementation.
type IDGenerator interface {
	NewClientOrderID() (string, error)
}

type IDGeneratorFunc func() (string, error)

func (f IDGeneratorFunc) NewClientOrderID() (string, error) { return f() }

// RandomIDGenerator draws Length alphanumerics from crypto/rand. Collisions
// are unlikely, not impossible.
type RandomIDGenerator struct {
	Length int
}

func (g RandomIDGenerator) NewClientOrderID() (string, error) {
	n := g.Length
	if n <= 0 {
		n = DefaultClientOrderIDLength
	}
	if n > MaxClientOrderIDLength {
		n = MaxClientOrderIDLength
	}
	max := big.NewInt(int64(len(alphanumeric)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = alphanumeric[idx.Int64()]
	}
	return string(b), nil
}

// UUIDGenerator derives ids from a random UUID, truncated to the
// brokerage's length limit (80 random bits).
type UUIDGenerator struct{}

func (UUIDGenerator) NewClientOrderID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(id.String(), "-", "")[:MaxClientOrderIDLength], nil
}

// NewIDGenerator maps a config name to a generator; unknown names fall back
// to the random alphanumeric one.
func NewIDGenerator(kind string) IDGenerator {
	if strings.EqualFold(kind, "uuid") {
		return UUIDGenerator{}
	}
	return RandomIDGenerator{Length: DefaultClientOrderIDLength}
}

func validClientOrderID(id string) bool {
	if id == "" || len(id) > MaxClientOrderIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(alphanumeric, rune(id[i])) {
			return false
		}
	}
	return true
}
