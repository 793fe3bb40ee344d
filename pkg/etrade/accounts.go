package etrade

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gregtusar/etrader/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultBalanceConcurrency = 4

// BalanceOptions tune a balance call. The zero value asks for a BROKERAGE
// balance with real-time NAV.
type BalanceOptions struct {
	InstType           string
	DisableRealTimeNAV bool
}

func DefaultBalanceOptions() BalanceOptions {
	return BalanceOptions{InstType: "BROKERAGE"}
}

// PortfolioOptions are passed through as count and view when set.
type PortfolioOptions struct {
	Count int
	View  string
}

// AccountGateway holds the read-only account calls. Every call is
// side-effect free and may be retried by the caller.
type AccountGateway struct {
	caller Caller
	logger *logrus.Logger
}

func NewAccountGateway(caller Caller, logger *logrus.Logger) *AccountGateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AccountGateway{caller: caller, logger: logger}
}

func (g *AccountGateway) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var env accountListEnvelope
	err := g.caller.Call(ctx, Request{
		Name:   "list_accounts",
		Method: http.MethodGet,
		Path:   "/v1/accounts/list.json",
	}, &env)
	if err != nil {
		return nil, err
	}
	accounts := env.AccountListResponse.Accounts.Account
	if accounts == nil {
		accounts = []models.Account{}
	}
	return accounts, nil
}

func (g *AccountGateway) GetBalances(ctx context.Context, idKey string, opts BalanceOptions) (*models.Balance, error) {
	if idKey == "" {
		return nil, &ValidationError{Field: "accountIdKey", Reason: "must not be empty"}
	}
	if opts.InstType == "" {
		opts.InstType = DefaultBalanceOptions().InstType
	}

	var env balanceEnvelope
	err := g.caller.Call(ctx, Request{
		Name:   "balance",
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/v1/accounts/%s/balance.json", url.PathEscape(idKey)),
		Query: map[string]string{
			"instType":    opts.InstType,
			"realTimeNAV": strconv.FormatBool(!opts.DisableRealTimeNAV),
		},
	}, &env)
	if err != nil {
		return nil, err
	}
	return env.toBalance(idKey), nil
}

func (g *AccountGateway) GetPortfolio(ctx context.Context, idKey string, opts PortfolioOptions) ([]models.AccountPortfolio, error) {
	if idKey == "" {
		return nil, &ValidationError{Field: "accountIdKey", Reason: "must not be empty"}
	}
	if opts.Count < 0 {
		return nil, &ValidationError{Field: "count", Reason: "must not be negative"}
	}

	query := map[string]string{}
	if opts.Count > 0 {
		query["count"] = strconv.Itoa(opts.Count)
	}
	if opts.View != "" {
		query["view"] = opts.View
	}

	var env portfolioEnvelope
	err := g.caller.Call(ctx, Request{
		Name:   "portfolio",
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/v1/accounts/%s/portfolio.json", url.PathEscape(idKey)),
		Query:  query,
	}, &env)
	if err != nil {
		return nil, err
	}
	return env.toPortfolios(), nil
}

// ActiveBalances fetches balances of every ACTIVE account concurrently,
// keyed by AccountIDKey. Inactive accounts are skipped. The first failure
// cancels the remaining calls.
func (g *AccountGateway) ActiveBalances(ctx context.Context, accounts []models.Account) (map[string]*models.Balance, error) {
	var (
		mu       sync.Mutex
		balances = make(map[string]*models.Balance, len(accounts))
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(defaultBalanceConcurrency)

	for _, acc := range accounts {
		if !acc.IsActive() {
			g.logger.WithField("account_id", acc.AccountID).Debug("Skipping balance fetch for inactive account")
			continue
		}
		acc := acc
		eg.Go(func() error {
			b, err := g.GetBalances(egCtx, acc.AccountIDKey, DefaultBalanceOptions())
			if err != nil {
				return fmt.Errorf("failed to fetch balance for account %s: %w", acc.AccountID, err)
			}
			mu.Lock()
			balances[acc.AccountIDKey] = b
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}
