package storage

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tickstream/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// TickRow is one row of the ticks table. Numeric columns go through decimal so values keep
// the precision they were written with.
type TickRow struct {
	Ts       time.Time           `gorm:"not null;index:idx_ticks_exchange_symbol_ts,priority:3"`
	Exchange string              `gorm:"not null;index:idx_ticks_exchange_symbol_ts,priority:1"`
	Symbol   string              `gorm:"not null;index:idx_ticks_exchange_symbol_ts,priority:2"`
	Price    decimal.Decimal     `gorm:"type:numeric;not null"`
	Delta10s decimal.NullDecimal `gorm:"column:delta_10s;type:numeric"`
	Pct10s   decimal.NullDecimal `gorm:"column:pct_10s;type:numeric"`
	Delta1m  decimal.NullDecimal `gorm:"column:delta_1m;type:numeric"`
	Pct1m    decimal.NullDecimal `gorm:"column:pct_1m;type:numeric"`
}

func (TickRow) TableName() string {
	return "ticks"
}

// NewTickRow converts a normalized tick; absent lagged fields become NULL.
// Non-finite numbers have no decimal form and are rejected.
func NewTickRow(t domain.NormTick) (TickRow, error) {
	if !domain.ValidPrice(t.Price) {
		return TickRow{}, fmt.Errorf("%w: %s price=%v", domain.ErrInvalidPrice, t.Key(), t.Price)
	}
	for name, v := range map[string]*float64{
		domain.FieldDelta10s: t.Delta10s,
		domain.FieldPct10s:   t.Pct10s,
		domain.FieldDelta1m:  t.Delta1m,
		domain.FieldPct1m:    t.Pct1m,
	} {
		if v != nil && (math.IsInf(*v, 0) || math.IsNaN(*v)) {
			return TickRow{}, fmt.Errorf("%w: %s %s=%v", domain.ErrMalformedRecord, t.Key(), name, *v)
		}
	}
	if math.IsInf(t.Ts, 0) || math.IsNaN(t.Ts) {
		return TickRow{}, fmt.Errorf("%w: %s ts=%v", domain.ErrMalformedRecord, t.Key(), t.Ts)
	}

	return TickRow{
		Ts:       t.Time(),
		Exchange: string(t.Exchange),
		Symbol:   t.Symbol,
		Price:    decimal.NewFromFloat(t.Price),
		Delta10s: nullDecimal(t.Delta10s),
		Pct10s:   nullDecimal(t.Pct10s),
		Delta1m:  nullDecimal(t.Delta1m),
		Pct1m:    nullDecimal(t.Pct1m),
	}, nil
}

// Tick converts the row back to a normalized tick.
func (r TickRow) Tick() domain.NormTick {
	return domain.NormTick{
		Exchange: domain.Exchange(r.Exchange),
		Symbol:   r.Symbol,
		Ts:       domain.UnixSeconds(r.Ts),
		Price:    r.Price.InexactFloat64(),
		Delta10s: floatPtr(r.Delta10s),
		Pct10s:   floatPtr(r.Pct10s),
		Delta1m:  floatPtr(r.Delta1m),
		Pct1m:    floatPtr(r.Pct1m),
	}
}

func nullDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

func floatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

// Storage persists normalized ticks.
type Storage struct {
	db *gorm.DB
}

// Open connects to Postgres for postgres:// DSNs, or to a SQLite file for "sqlite:<path>".
func Open(dsn string, autoMigrate bool) (*Storage, error) {
	var dialector gorm.Dialector
	isSQLite := strings.HasPrefix(dsn, sqlitePrefix)
	if isSQLite {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if isSQLite {
		// SQLite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	s := &Storage{db: db}
	if autoMigrate {
		if err := s.Migrate(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the ticks table.
func (s *Storage) Migrate() error {
	if err := s.db.AutoMigrate(&TickRow{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// InsertTicks writes all ticks with a single multi-row INSERT.
func (s *Storage) InsertTicks(ctx context.Context, ticks []domain.NormTick) error {
	if len(ticks) == 0 {
		return nil
	}
	rows := make([]TickRow, len(ticks))
	for i, t := range ticks {
		row, err := NewTickRow(t)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert %d ticks: %w", len(rows), err)
	}
	return nil
}

// Recent returns the latest ticks of one symbol, newest first.
func (s *Storage) Recent(ctx context.Context, exchange domain.Exchange, symbol string, limit int) ([]domain.NormTick, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []TickRow
	err := s.db.WithContext(ctx).
		Where("exchange = ? AND symbol = ?", string(exchange), symbol).
		Order("ts DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.NormTick, len(rows))
	for i, r := range rows {
		out[i] = r.Tick()
	}
	return out, nil
}

// Count returns the number of stored rows.
func (s *Storage) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&TickRow{}).Count(&n).Error
	return n, err
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
