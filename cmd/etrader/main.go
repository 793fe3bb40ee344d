package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gregtusar/etrader/api"
	"github.com/gregtusar/etrader/internal/config"
	"github.com/gregtusar/etrader/pkg/assistant"
	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/journal"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "etrader",
		Short: "E*TRADE brokerage client",
		Long:  `Authenticates against E*TRADE with OAuth 1.0a, reads accounts and portfolios, and previews and places equity orders`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Authorize in the terminal and print account balances",
		RunE:  runLogin,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return cfg, nil
}

func newNegotiator(cfg *config.Config) (*etrade.Negotiator, error) {
	signer, err := etrade.NewSigner(cfg.Credential())
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	return etrade.NewNegotiator(signer, cfg.Endpoints(), httpClient, logger)
}

func sessionOptions(cfg *config.Config) []etrade.SessionOption {
	return []etrade.SessionOption{
		etrade.WithLogger(logger),
		etrade.WithTimeout(cfg.RequestTimeout()),
		etrade.WithRateLimit(cfg.ETrade.RateLimit, cfg.ETrade.RateBurst),
	}
}

func openJournal(cfg *config.Config) (journal.Journal, func(), error) {
	if cfg.Orders.JournalPath == "" {
		logger.Warn("Order journal is in memory; outcome-unknown orders are forgotten on restart")
		return journal.NewMemory(cfg.JournalTTL()), func() {}, nil
	}
	j, err := journal.NewSQLite(cfg.Orders.JournalPath)
	if err != nil {
		return nil, nil, err
	}
	logger.WithField("path", cfg.Orders.JournalPath).Info("Using SQLite order journal")
	return j, func() { j.Close() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	negotiator, err := newNegotiator(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure brokerage client: %w", err)
	}

	j, closeJournal, err := openJournal(cfg)
	if err != nil {
		return fmt.Errorf("failed to open order journal: %w", err)
	}
	defer closeJournal()

	var analyst assistant.Analyst
	if cfg.Assistant.APIKey != "" {
		g, err := assistant.NewGeminiAnalyst(ctx, cfg.Assistant.APIKey, cfg.Assistant.Model)
		if err != nil {
			return err
		}
		analyst = g
	} else {
		logger.Warn("No assistant API key configured, chat is disabled")
	}

	server, err := api.NewServer(negotiator, j, analyst, api.Options{
		Port:           cfg.Server.Port,
		AllowedOrigin:  cfg.Server.AllowedOrigin,
		Environment:    cfg.ETrade.Environment,
		JWTSecret:      []byte(cfg.Server.JWTSecret),
		JWTTTL:         cfg.JWTTTL(),
		StreamInterval: cfg.StreamInterval(),
		SessionOptions: sessionOptions(cfg),
		OrderOptions: []etrade.OrderOption{
			etrade.WithIDGenerator(etrade.NewIDGenerator(cfg.Orders.ClientIDGenerator)),
		},
	}, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithField("env", cfg.ETrade.Environment).Info("etrader is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down API server cleanly")
	}
	cancel()

	logger.Info("etrader stopped")
	return nil
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	negotiator, err := newNegotiator(cfg)
	if err != nil {
		var ce *etrade.ConfigError
		if errors.As(err, &ce) {
			return fmt.Errorf("set ETRADE_CONSUMER_KEY and ETRADE_CONSUMER_SECRET (or etrade.consumer_key/consumer_secret): %w", err)
		}
		return err
	}

	fmt.Fprintf(out, "Step 1: Fetching request token (%s)...\n", cfg.ETrade.Environment)
	authURL, tmp, err := negotiator.BeginHandshake(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "\nStep 2: Visit the following URL in your browser to authorize the application:")
	fmt.Fprintf(out, "---\n%s\n---\n\n", authURL)
	fmt.Fprint(out, "Enter the verification code provided by E*TRADE: ")
	verifier, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read verification code: %w", err)
	}
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return errors.New("verification code is required")
	}

	fmt.Fprintln(out, "\nStep 3: Fetching access token...")
	if _, err := negotiator.CompleteHandshake(ctx, tmp, verifier); err != nil {
		return err
	}
	session, err := negotiator.Session(sessionOptions(cfg)...)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Access token obtained successfully.")

	gateway := etrade.NewAccountGateway(session, logger)
	fmt.Fprintln(out, "\nStep 4: Fetching account list...")
	accounts, err := gateway.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts found.")
		return nil
	}

	fmt.Fprintf(out, "\nFound %d account(s):\n", len(accounts))
	for _, acc := range accounts {
		printAccount(ctx, out, gateway, acc)
	}
	return nil
}

func printAccount(ctx context.Context, out io.Writer, gateway *etrade.AccountGateway, acc models.Account) {
	rule := strings.Repeat("=", 40)
	fmt.Fprintf(out, "\n%s\n", rule)
	fmt.Fprintf(out, "Account: %s\n", acc.DisplayName())
	fmt.Fprintf(out, "ID:      %s\n", acc.AccountID)
	fmt.Fprintf(out, "Status:  %s\n", acc.Status)
	fmt.Fprintln(out, strings.Repeat("-", 40))
	defer fmt.Fprintln(out, rule)

	if !acc.IsActive() {
		fmt.Fprintln(out, "Skipping balance fetch for inactive account.")
		return
	}
	b, err := gateway.GetBalances(ctx, acc.AccountIDKey, etrade.DefaultBalanceOptions())
	if err != nil {
		fmt.Fprintf(out, "Could not fetch balance for account %s: %v\n", acc.AccountID, err)
		return
	}
	fmt.Fprintf(out, "Total Account Value:        $%s\n", b.TotalAccountValue.StringFixed(2))
	fmt.Fprintf(out, "Net Cash Balance:           $%s\n", b.CashBalance.StringFixed(2))
	fmt.Fprintf(out, "Cash Available for Invest:  $%s\n", b.CashAvailableForInvestment.StringFixed(2))
	if b.MoneyMarketBalance != nil {
		fmt.Fprintf(out, "Money Market Balance:       $%s\n", b.MoneyMarketBalance.StringFixed(2))
	}
}
