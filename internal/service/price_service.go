package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tickstream/internal/domain"
	"tickstream/internal/eventlog"

	"github.com/shopspring/decimal"
)

// MarketView is the latest normalized tick of one canonical symbol on every venue that quotes it.
type MarketView struct {
	Symbol string                              `json:"symbol"`
	Quotes map[domain.Exchange]domain.NormTick `json:"quotes"`
	// SpreadPct is 100 * (max - min) / min over the venue prices, set once two venues quote the symbol.
	SpreadPct *decimal.Decimal `json:"spread_pct,omitempty"`
}

// PriceService keeps the latest tick per (exchange, symbol) for snapshot queries.
type PriceService struct {
	mu         sync.RWMutex
	marketData map[string]*MarketView
}

// NewPriceService creates an empty PriceService.
func NewPriceService() *PriceService {
	return &PriceService{marketData: make(map[string]*MarketView)}
}

// GetAllData returns all market views sorted by symbol.
func (s *PriceService) GetAllData() []MarketView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]MarketView, 0, len(s.marketData))
	for _, data := range s.marketData {
		result = append(result, data.clone())
	}

	// Sort by symbol for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

// GetData returns the view of one canonical symbol.
func (s *PriceService) GetData(symbol string) (MarketView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.marketData[symbol]
	if !ok {
		return MarketView{}, false
	}
	return data.clone(), true
}

// ProcessTicks applies ticks in order. Older ticks never replace newer ones.
func (s *PriceService) ProcessTicks(ticks []domain.NormTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tick := range ticks {
		data, exists := s.marketData[tick.Symbol]
		if !exists {
			data = &MarketView{Symbol: tick.Symbol, Quotes: make(map[domain.Exchange]domain.NormTick)}
			s.marketData[tick.Symbol] = data
		}
		if prev, ok := data.Quotes[tick.Exchange]; ok && prev.Ts > tick.Ts {
			continue
		}
		data.Quotes[tick.Exchange] = tick
		calculateSpread(data)
	}
}

// calculateSpread must be called with the lock held.
func calculateSpread(data *MarketView) {
	if len(data.Quotes) < 2 {
		data.SpreadPct = nil
		return
	}

	var lo, hi decimal.Decimal
	first := true
	for _, q := range data.Quotes {
		p := decimal.NewFromFloat(q.Price)
		if first || p.LessThan(lo) {
			lo = p
		}
		if first || p.GreaterThan(hi) {
			hi = p
		}
		first = false
	}
	if lo.IsZero() {
		data.SpreadPct = nil
		return
	}

	spread := hi.Sub(lo).Div(lo).Mul(decimal.NewFromInt(100))
	data.SpreadPct = &spread
}

func (m *MarketView) clone() MarketView {
	out := MarketView{Symbol: m.Symbol, Quotes: make(map[domain.Exchange]domain.NormTick, len(m.Quotes))}
	for ex, q := range m.Quotes {
		out.Quotes[ex] = q
	}
	if m.SpreadPct != nil {
		spread := *m.SpreadPct
		out.SpreadPct = &spread
	}
	return out
}

// Follow feeds the service from the normalized topic under its own group until ctx ends.
// It starts at the newest entry and acknowledges everything it reads.
func (s *PriceService) Follow(ctx context.Context, log eventlog.Log, topic, group string, block time.Duration) {
	logger := slog.Default().With(slog.String("module", "price_service"))
	consumer := "board"

	for ctx.Err() == nil {
		if err := log.EnsureGroup(ctx, topic, group, eventlog.FromLatest()); err != nil {
			logger.Warn("Failed to create consumer group", slog.Any("error", err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		break
	}

	for ctx.Err() == nil {
		batch, err := log.Read(ctx, topic, group, consumer, 500, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Read failed", slog.Any("error", err))
			sleep(ctx, time.Second)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		s.ProcessTicks(decodeNorm(batch))
		if err := log.Ack(ctx, topic, group, eventlog.IDs(batch)...); err != nil {
			logger.Warn("Ack failed", slog.Any("error", err))
		}
	}
}
