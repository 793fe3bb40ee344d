package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.0-flash"

const defaultQuestion = `For each company in the portfolio, provide:
1. A brief overview of what is currently happening with the company.
2. General recent news.
3. A summary of market sentiment and what people are saying on social media.
4. Any new technological advancements or products related to the company.

Format the output clearly for a human reader.`

// GeminiAnalyst is an Analyst backed by the Gemini API.
type GeminiAnalyst struct {
	client *genai.Client
	model  string
}

func NewGeminiAnalyst(ctx context.Context, apiKey, model string) (*GeminiAnalyst, error) {
	if apiKey == "" {
		return nil, errors.New("assistant api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiAnalyst{client: client, model: model}, nil
}

func (g *GeminiAnalyst) Analyze(ctx context.Context, positions []RedactedPosition, question string) (string, error) {
	prompt, err := buildPrompt(positions, question)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	return resp.Text(), nil
}

func buildPrompt(positions []RedactedPosition, question string) (string, error) {
	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode positions: %w", err)
	}
	if question == "" {
		question = defaultQuestion
	}
	return fmt.Sprintf("Here is a brokerage portfolio (symbol, company, quantity):\n%s\n\n%s", data, question), nil
}
