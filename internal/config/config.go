package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	ETrade    ETradeConfig    `mapstructure:"etrade"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	GCP       GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	AllowedOrigin string `mapstructure:"allowed_origin"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTTTLMinutes int    `mapstructure:"jwt_ttl_minutes"`
	StreamSeconds int    `mapstructure:"stream_seconds"`
}

type ETradeConfig struct {
	Environment    string  `mapstructure:"environment"` // "sandbox" or "prod"
	ConsumerKey    string  `mapstructure:"consumer_key"`
	ConsumerSecret string  `mapstructure:"consumer_secret"`
	BaseURL        string  `mapstructure:"base_url"`
	AuthorizeURL   string  `mapstructure:"authorize_url"`
	Timeout        int     `mapstructure:"timeout"` // seconds
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

type OrdersConfig struct {
	ClientIDGenerator string `mapstructure:"client_id_generator"` // "random" or "uuid"
	JournalPath       string `mapstructure:"journal_path"`        // empty keeps the journal in memory
	JournalTTLHours   int    `mapstructure:"journal_ttl_hours"`   // memory journal only; placed and unknown entries never expire
}

type AssistantConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/etrader")
	}

	v.SetEnvPrefix("ETRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origin", "http://localhost:3000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.jwt_ttl_minutes", 120)
	v.SetDefault("server.stream_seconds", 15)

	v.SetDefault("etrade.environment", "sandbox")
	v.SetDefault("etrade.consumer_key", "")
	v.SetDefault("etrade.consumer_secret", "")
	v.SetDefault("etrade.base_url", "")
	v.SetDefault("etrade.authorize_url", "")
	v.SetDefault("etrade.timeout", 30)
	v.SetDefault("etrade.rate_limit", 4.0)
	v.SetDefault("etrade.rate_burst", 4)

	v.SetDefault("orders.client_id_generator", "random")
	v.SetDefault("orders.journal_path", "")
	v.SetDefault("orders.journal_ttl_hours", 0)

	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.model", "gemini-2.0-flash")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.consumer_key", secretNames.ConsumerKey)
	v.SetDefault("gcp.secret_names.consumer_secret", secretNames.ConsumerSecret)
	v.SetDefault("gcp.secret_names.assistant_api_key", secretNames.AssistantAPIKey)
	v.SetDefault("gcp.secret_names.jwt_signing_key", secretNames.JWTSigningKey)
}

// overrideFromEnv honours the unprefixed names the brokerage tooling uses.
func overrideFromEnv(config *Config) {
	if key := os.Getenv("ETRADE_CONSUMER_KEY"); key != "" {
		config.ETrade.ConsumerKey = key
	}
	if secret := os.Getenv("ETRADE_CONSUMER_SECRET"); secret != "" {
		config.ETrade.ConsumerSecret = secret
	}
	if env := os.Getenv("ETRADE_ENV"); env != "" {
		config.ETrade.Environment = env
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		config.Assistant.APIKey = key
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
	if creds := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); creds != "" && config.GCP.CredentialsFile == "" {
		config.GCP.CredentialsFile = creds
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	fillSecrets(ctx, config, secretManager, logger)
	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// fillSecrets only fills values that are still empty.
func fillSecrets(ctx context.Context, config *Config, g secrets.Getter, logger *logrus.Logger) {
	names := config.GCP.SecretNames
	if config.ETrade.ConsumerKey == "" {
		config.ETrade.ConsumerKey = secrets.GetWithDefault(ctx, g, logger, names.ConsumerKey, "")
	}
	if config.ETrade.ConsumerSecret == "" {
		config.ETrade.ConsumerSecret = secrets.GetWithDefault(ctx, g, logger, names.ConsumerSecret, "")
	}
	if config.Assistant.APIKey == "" {
		config.Assistant.APIKey = secrets.GetWithDefault(ctx, g, logger, names.AssistantAPIKey, "")
	}
	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = secrets.GetWithDefault(ctx, g, logger, names.JWTSigningKey, "")
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.ETrade.Environment) {
	case "sandbox", "prod", "production":
	default:
		return fmt.Errorf("invalid etrade.environment %q: want sandbox or prod", c.ETrade.Environment)
	}
	switch strings.ToLower(c.Orders.ClientIDGenerator) {
	case "", "random", "uuid":
	default:
		return fmt.Errorf("invalid orders.client_id_generator %q: want random or uuid", c.Orders.ClientIDGenerator)
	}
	if c.ETrade.Timeout < 0 {
		return fmt.Errorf("invalid etrade.timeout %d", c.ETrade.Timeout)
	}
	return nil
}

// Credential returns the consumer credential. Missing values surface as an
// etrade.ConfigError when the signer is built.
func (c *Config) Credential() etrade.Credential {
	return etrade.Credential{
		ConsumerKey:    c.ETrade.ConsumerKey,
		ConsumerSecret: c.ETrade.ConsumerSecret,
	}
}

// Endpoints resolves the environment, letting explicit URLs win.
func (c *Config) Endpoints() etrade.Endpoints {
	ep := etrade.SandboxEndpoints()
	if env := strings.ToLower(c.ETrade.Environment); env == "prod" || env == "production" {
		ep = etrade.ProductionEndpoints()
	}
	if c.ETrade.BaseURL != "" {
		ep.BaseURL = strings.TrimRight(c.ETrade.BaseURL, "/")
	}
	if c.ETrade.AuthorizeURL != "" {
		ep.AuthorizeURL = c.ETrade.AuthorizeURL
	}
	return ep
}

func (c *Config) RequestTimeout() time.Duration {
	if c.ETrade.Timeout <= 0 {
		return etrade.DefaultTimeout
	}
	return time.Duration(c.ETrade.Timeout) * time.Second
}

func (c *Config) JournalTTL() time.Duration {
	return time.Duration(c.Orders.JournalTTLHours) * time.Hour
}

func (c *Config) StreamInterval() time.Duration {
	return time.Duration(c.Server.StreamSeconds) * time.Second
}

func (c *Config) JWTTTL() time.Duration {
	if c.Server.JWTTTLMinutes <= 0 {
		return 2 * time.Hour
	}
	return time.Duration(c.Server.JWTTTLMinutes) * time.Minute
}
