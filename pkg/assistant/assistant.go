// Package assistant answers natural-language questions about a portfolio
// using an external text-generation model. Only redacted positions are
// ever handed to the model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gregtusar/etrader/pkg/models"
	"github.com/sirupsen/logrus"
)

var ErrNoPositions = errors.New("no positions to analyze")

// Analyst turns redacted positions and a question into prose.
type Analyst interface {
	Analyze(ctx context.Context, positions []RedactedPosition, question string) (string, error)
}

type Assistant struct {
	analyst Analyst
	logger  *logrus.Logger
}

func New(analyst Analyst, logger *logrus.Logger) *Assistant {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assistant{analyst: analyst, logger: logger}
}

// Chat redacts portfolios and delegates to the analyst. An empty question
// asks for the default overview.
func (a *Assistant) Chat(ctx context.Context, portfolios []models.AccountPortfolio, question string) (string, error) {
	positions := Redact(portfolios)
	if len(positions) == 0 {
		return "", ErrNoPositions
	}

	a.logger.WithFields(logrus.Fields{
		"positions":    len(positions),
		"has_question": strings.TrimSpace(question) != "",
	}).Info("Sending redacted portfolio to analyst")

	answer, err := a.analyst.Analyze(ctx, positions, strings.TrimSpace(question))
	if err != nil {
		return "", fmt.Errorf("failed to analyze portfolio: %w", err)
	}
	return answer, nil
}
