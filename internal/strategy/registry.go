package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tradebot-core/pkg/db"
)

// ErrInvalidConfig wraps every strategy validation failure.
var ErrInvalidConfig = errors.New("invalid strategy config")

// Default symbols and timeframe for strategies created without them.
var (
	DefaultSymbols   = []string{"BTCPHP", "ETHPHP"}
	DefaultTimeframe = "1h"
)

// Registry stores per-user strategy configurations and validates them against
// the variant set on write.
type Registry struct {
	queries  *db.UserQueries
	variants *VariantSet
	log      logrus.FieldLogger
}

func NewRegistry(queries *db.UserQueries, variants *VariantSet, log logrus.FieldLogger) *Registry {
	return &Registry{queries: queries, variants: variants, log: log}
}

// Create validates s, fills defaults and stores it. An empty ID gets a new uuid.
// Creating with an existing ID replaces that strategy.
func (r *Registry) Create(ctx context.Context, s db.Strategy) (*db.Strategy, error) {
	if s.UserID == "" {
		return nil, db.ErrUserIDRequired
	}
	if err := r.normalize(&s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if err := r.queries.UpsertStrategy(ctx, s); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"user_id": s.UserID, "strategy_id": s.ID, "variant": s.Variant}).Info("strategy saved")
	return &s, nil
}

func (r *Registry) normalize(s *db.Strategy) error {
	s.Variant = strings.TrimSpace(s.Variant)
	variant, ok := r.variants.Lookup(s.Variant)
	if !ok {
		return fmt.Errorf("%w: variant: %w: %q", ErrInvalidConfig, ErrUnknownVariant, s.Variant)
	}
	switch s.Category {
	case "":
		s.Category = variant.Category()
	case db.CategorySignal, db.CategoryExecution, db.CategoryRiskManagement:
		if s.Category != variant.Category() {
			return fmt.Errorf("%w: category: %s is a %s variant, not %s", ErrInvalidConfig, s.Variant, variant.Category(), s.Category)
		}
	default:
		return fmt.Errorf("%w: category: unknown %q", ErrInvalidConfig, s.Category)
	}
	if !s.PositionSize.IsPositive() {
		return fmt.Errorf("%w: position_size must be positive", ErrInvalidConfig)
	}
	if s.MaxOpenPositions <= 0 {
		return fmt.Errorf("%w: max_open_positions must be positive", ErrInvalidConfig)
	}

	symbols := make([]string, 0, len(s.Symbols))
	for _, sym := range s.Symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			symbols = append(symbols, sym)
		}
	}
	if len(symbols) == 0 {
		symbols = append(symbols, DefaultSymbols...)
	}
	s.Symbols = symbols

	if s.Timeframe = strings.TrimSpace(s.Timeframe); s.Timeframe == "" {
		s.Timeframe = DefaultTimeframe
	}
	if s.Name == "" {
		s.Name = s.Variant
	}
	if s.Params == nil {
		s.Params = map[string]any{}
	}
	return nil
}

// Get returns one strategy or db.ErrNotFound.
func (r *Registry) Get(ctx context.Context, userID, id string) (*db.Strategy, error) {
	return r.queries.GetStrategy(ctx, userID, id)
}

// List returns all of the user's strategies.
func (r *Registry) List(ctx context.Context, userID string) ([]db.Strategy, error) {
	return r.queries.ListStrategies(ctx, userID, false)
}

// ListEnabled returns the user's enabled strategies.
func (r *Registry) ListEnabled(ctx context.Context, userID string) ([]db.Strategy, error) {
	return r.queries.ListStrategies(ctx, userID, true)
}

func (r *Registry) SetEnabled(ctx context.Context, userID, id string, enabled bool) error {
	if enabled {
		s, err := r.queries.GetStrategy(ctx, userID, id)
		if err != nil {
			return err
		}
		if _, ok := r.variants.Lookup(s.Variant); !ok {
			return fmt.Errorf("%w: variant: %w: %q", ErrInvalidConfig, ErrUnknownVariant, s.Variant)
		}
	}
	if err := r.queries.SetStrategyEnabled(ctx, userID, id, enabled); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "strategy_id": id, "enabled": enabled}).Info("strategy toggled")
	return nil
}

// DisableAll turns off every strategy of the user. Only the circuit breaker calls it.
func (r *Registry) DisableAll(ctx context.Context, userID string) (int64, error) {
	n, err := r.queries.DisableAllStrategies(ctx, userID)
	if err != nil {
		return 0, err
	}
	r.log.WithFields(logrus.Fields{"user_id": userID, "disabled": n}).Warn("all strategies disabled")
	return n, nil
}

func (r *Registry) Delete(ctx context.Context, userID, id string) error {
	return r.queries.DeleteStrategy(ctx, userID, id)
}

// UpdateParams replaces the variant parameters of a strategy.
func (r *Registry) UpdateParams(ctx context.Context, userID, id string, params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	return r.queries.UpdateStrategyParams(ctx, userID, id, params)
}
