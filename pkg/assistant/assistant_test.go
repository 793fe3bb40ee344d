package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/gregtusar/etrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type recordingAnalyst struct {
	positions []RedactedPosition
	question  string
	err       error
}

func (r *recordingAnalyst) Analyze(_ context.Context, positions []RedactedPosition, question string) (string, error) {
	r.positions = positions
	r.question = question
	return "looks fine", r.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func samplePortfolios() []models.AccountPortfolio {
	return []models.AccountPortfolio{
		{AccountID: "840104290", Positions: []models.Position{{
			PositionID:  1,
			Symbol:      "AAPL",
			Description: "APPLE INC COM",
			Quantity:    decimal.NewFromInt(10),
			PricePaid:   decimal.RequireFromString("145.50"),
			MarketValue: decimal.NewFromInt(1500),
			TotalGain:   decimal.NewFromInt(45),
		}}},
		{AccountID: "840104291", Positions: []models.Position{{
			Symbol:      "TSLA",
			Description: "TESLA INC",
			Quantity:    decimal.RequireFromString("2.5"),
			MarketValue: decimal.NewFromInt(600),
		}}},
	}
}

func TestRedactKeepsOnlyAllowedFields(t *testing.T) {
	redacted := Redact(samplePortfolios())
	if len(redacted) != 2 {
		t.Fatalf("len = %d, want 2", len(redacted))
	}
	if redacted[0].Symbol != "AAPL" || redacted[0].Company != "APPLE INC COM" || !redacted[0].Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("redacted[0] = %+v", redacted[0])
	}

	data, err := json.Marshal(redacted)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, obj := range decoded {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if strings.Join(keys, ",") != "company,quantity,symbol" {
			t.Errorf("keys = %v, want exactly company,quantity,symbol", keys)
		}
	}
	for _, leak := range []string{"145.5", "1500", "840104290", "pricePaid", "marketValue"} {
		if strings.Contains(string(data), leak) {
			t.Errorf("redacted payload leaks %q: %s", leak, data)
		}
	}
}

func TestRedactEmpty(t *testing.T) {
	if got := Redact(nil); got == nil || len(got) != 0 {
		t.Errorf("Redact(nil) = %#v, want empty slice", got)
	}
}

func TestChatDelegatesRedactedPositions(t *testing.T) {
	analyst := &recordingAnalyst{}
	a := New(analyst, quietLogger())

	answer, err := a.Chat(context.Background(), samplePortfolios(), "  how diversified am I?  ")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if answer != "looks fine" {
		t.Errorf("answer = %q", answer)
	}
	if len(analyst.positions) != 2 || analyst.question != "how diversified am I?" {
		t.Errorf("analyst got %+v, %q", analyst.positions, analyst.question)
	}
}

func TestChatNoPositions(t *testing.T) {
	analyst := &recordingAnalyst{}
	a := New(analyst, quietLogger())

	_, err := a.Chat(context.Background(), []models.AccountPortfolio{{AccountID: "1"}}, "")
	if !errors.Is(err, ErrNoPositions) {
		t.Fatalf("Chat() error = %v, want ErrNoPositions", err)
	}
	if analyst.positions != nil {
		t.Errorf("analyst was called")
	}
}

func TestChatWrapsAnalystError(t *testing.T) {
	boom := errors.New("quota exceeded")
	a := New(&recordingAnalyst{err: boom}, quietLogger())
	if _, err := a.Chat(context.Background(), samplePortfolios(), ""); !errors.Is(err, boom) {
		t.Errorf("Chat() error = %v, want wrapped %v", err, boom)
	}
}

func TestBuildPromptUsesDefaultQuestion(t *testing.T) {
	prompt, err := buildPrompt(Redact(samplePortfolios()), "")
	if err != nil {
		t.Fatalf("buildPrompt() error = %v", err)
	}
	if !strings.Contains(prompt, `"symbol": "AAPL"`) || !strings.Contains(prompt, "market sentiment") {
		t.Errorf("prompt = %s", prompt)
	}
}
