// Package monitor periodically refreshes portfolios that have live
// subscribers and fans the snapshots out to them.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/gregtusar/etrader/pkg/etrade"
	"github.com/gregtusar/etrader/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultInterval = 15 * time.Second

// Source is the read side of the brokerage. *etrade.AccountGateway
// satisfies it.
type Source interface {
	GetPortfolio(ctx context.Context, idKey string, opts etrade.PortfolioOptions) ([]models.AccountPortfolio, error)
	GetBalances(ctx context.Context, idKey string, opts etrade.BalanceOptions) (*models.Balance, error)
}

type PortfolioMonitor struct {
	source   Source
	interval time.Duration
	logger   *logrus.Logger

	mu      sync.RWMutex
	watches map[string]*watch
	nextID  int

	stopCh   chan struct{}
	stopOnce sync.Once
}

type watch struct {
	subscribers map[int]chan models.PortfolioSnapshot
	latest      *models.PortfolioSnapshot
}

func NewPortfolioMonitor(source Source, interval time.Duration, logger *logrus.Logger) *PortfolioMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PortfolioMonitor{
		source:   source,
		interval: interval,
		logger:   logger,
		watches:  make(map[string]*watch),
		stopCh:   make(chan struct{}),
	}
}

func (m *PortfolioMonitor) Start(ctx context.Context) {
	m.logger.WithField("interval", m.interval).Info("Starting portfolio monitor")
	go m.refreshLoop(ctx)
}

func (m *PortfolioMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping portfolio monitor")
		close(m.stopCh)
	})
}

// Subscribe registers interest in idKey. The channel holds at most one
// pending snapshot; a slow reader only ever sees the newest. Call the
// returned func to unsubscribe, which closes the channel.
func (m *PortfolioMonitor) Subscribe(idKey string) (<-chan models.PortfolioSnapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[idKey]
	if !ok {
		w = &watch{subscribers: make(map[int]chan models.PortfolioSnapshot)}
		m.watches[idKey] = w
	}
	id := m.nextID
	m.nextID++
	ch := make(chan models.PortfolioSnapshot, 1)
	w.subscribers[id] = ch
	if w.latest != nil {
		ch <- *w.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() { m.unsubscribe(idKey, id) })
	}
}

func (m *PortfolioMonitor) unsubscribe(idKey string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[idKey]
	if !ok {
		return
	}
	if ch, ok := w.subscribers[id]; ok {
		close(ch)
		delete(w.subscribers, id)
	}
	if len(w.subscribers) == 0 {
		delete(m.watches, idKey)
	}
}

func (m *PortfolioMonitor) Latest(idKey string) (models.PortfolioSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watches[idKey]
	if !ok || w.latest == nil {
		return models.PortfolioSnapshot{}, false
	}
	return *w.latest, true
}

// Refresh fetches idKey now and publishes the result to its subscribers.
func (m *PortfolioMonitor) Refresh(ctx context.Context, idKey string) models.PortfolioSnapshot {
	snap := m.fetch(ctx, idKey)
	m.publish(snap)
	return snap
}

func (m *PortfolioMonitor) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refreshWatched(ctx)
		}
	}
}

func (m *PortfolioMonitor) refreshWatched(ctx context.Context) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.watches))
	for k := range m.watches {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(idKey string) {
			defer wg.Done()
			m.Refresh(ctx, idKey)
		}(k)
	}
	wg.Wait()
}

func (m *PortfolioMonitor) fetch(ctx context.Context, idKey string) models.PortfolioSnapshot {
	snap := models.PortfolioSnapshot{AccountIDKey: idKey, Timestamp: time.Now().UTC()}

	portfolios, err := m.source.GetPortfolio(ctx, idKey, etrade.PortfolioOptions{})
	if err != nil {
		m.logger.WithError(err).WithField("account_id_key", idKey).Error("Failed to refresh portfolio")
		snap.Error = err.Error()
		return snap
	}
	snap.Positions = models.FlattenPositions(portfolios)

	balance, err := m.source.GetBalances(ctx, idKey, etrade.DefaultBalanceOptions())
	if err != nil {
		m.logger.WithError(err).WithField("account_id_key", idKey).Warn("Failed to refresh balance")
	} else {
		snap.Balance = balance
	}
	return snap
}

func (m *PortfolioMonitor) publish(snap models.PortfolioSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watches[snap.AccountIDKey]
	if !ok {
		return
	}
	w.latest = &snap
	for _, ch := range w.subscribers {
		// Replace a pending snapshot the reader has not taken yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
