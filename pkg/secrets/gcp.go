package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Getter is the read side of a secret store.
type Getter interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless
// credentialsFile names a service account key.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// GetWithDefault trims the secret value and falls back to defaultValue when
// it cannot be read.
func GetWithDefault(ctx context.Context, g Getter, logger *logrus.Logger, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

type SecretNames struct {
	ConsumerKey     string `mapstructure:"consumer_key"`
	ConsumerSecret  string `mapstructure:"consumer_secret"`
	AssistantAPIKey string `mapstructure:"assistant_api_key"`
	JWTSigningKey   string `mapstructure:"jwt_signing_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		ConsumerKey:     "etrade-consumer-key",
		ConsumerSecret:  "etrade-consumer-secret",
		AssistantAPIKey: "gemini-api-key",
		JWTSigningKey:   "etrader-jwt-signing-key",
	}
}
