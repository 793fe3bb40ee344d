package monitor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeSource struct {
	portfolioCalls atomic.Int64
	fail           atomic.Bool
}

func (f *fakeSource) GetPortfolio(_ context.Context, idKey string, _ etrade.PortfolioOptions) ([]models.AccountPortfolio, error) {
	n := f.portfolioCalls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("broker unavailable")
	}
	return []models.AccountPortfolio{{
		AccountID: idKey,
		Positions: []models.Position{{Symbol: "AAPL", Quantity: decimal.NewFromInt(n)}},
	}}, nil
}

func (f *fakeSource) GetBalances(_ context.Context, idKey string, _ etrade.BalanceOptions) (*models.Balance, error) {
	return &models.Balance{AccountIDKey: idKey, CashBalance: decimal.NewFromInt(100)}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func receive(t *testing.T, ch <-chan models.PortfolioSnapshot) models.PortfolioSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	return models.PortfolioSnapshot{}
}

func TestRefreshPublishesToSubscribers(t *testing.T) {
	src := &fakeSource{}
	m := NewPortfolioMonitor(src, time.Hour, quietLogger())

	ch, cancel := m.Subscribe("k1")
	defer cancel()

	m.Refresh(context.Background(), "k1")
	snap := receive(t, ch)
	if snap.AccountIDKey != "k1" || len(snap.Positions) != 1 || snap.Balance == nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if latest, ok := m.Latest("k1"); !ok || latest.Timestamp != snap.Timestamp {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
}

func TestSlowSubscriberSeesNewest(t *testing.T) {
	src := &fakeSource{}
	m := NewPortfolioMonitor(src, time.Hour, quietLogger())
	ch, cancel := m.Subscribe("k1")
	defer cancel()

	m.Refresh(context.Background(), "k1")
	m.Refresh(context.Background(), "k1")
	snap := receive(t, ch)
	if !snap.Positions[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("got refresh %s, want the second", snap.Positions[0].Quantity)
	}
}

func TestSubscribeReplaysLatest(t *testing.T) {
	src := &fakeSource{}
	m := NewPortfolioMonitor(src, time.Hour, quietLogger())
	_, cancelFirst := m.Subscribe("k1")
	defer cancelFirst()
	m.Refresh(context.Background(), "k1")

	ch, cancel := m.Subscribe("k1")
	defer cancel()
	if snap := receive(t, ch); snap.AccountIDKey != "k1" {
		t.Errorf("replayed snapshot = %+v", snap)
	}
}

func TestRefreshErrorIsReported(t *testing.T) {
	src := &fakeSource{}
	src.fail.Store(true)
	m := NewPortfolioMonitor(src, time.Hour, quietLogger())
	ch, cancel := m.Subscribe("k1")
	defer cancel()

	m.Refresh(context.Background(), "k1")
	if snap := receive(t, ch); snap.Error == "" || snap.Positions != nil {
		t.Errorf("snapshot = %+v, want error only", snap)
	}
}

func TestUnsubscribeClosesAndForgets(t *testing.T) {
	src := &fakeSource{}
	m := NewPortfolioMonitor(src, time.Hour, quietLogger())
	ch, cancel := m.Subscribe("k1")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	m.Refresh(context.Background(), "k1")
	if _, ok := m.Latest("k1"); ok {
		t.Error("unwatched account still tracked")
	}
}

func TestLoopRefreshesWatchedAccounts(t *testing.T) {
	src := &fakeSource{}
	m := NewPortfolioMonitor(src, 10*time.Millisecond, quietLogger())
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel := m.Subscribe("k1")
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	receive(t, ch)
	receive(t, ch)
	if src.portfolioCalls.Load() < 2 {
		t.Errorf("portfolio calls = %d, want >= 2", src.portfolioCalls.Load())
	}
}
