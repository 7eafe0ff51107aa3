package risk

import (
	"context"
	"errors"
	"fmt"

	"tradebot-core/pkg/db"
)

// ErrInvalidSettings wraps settings validation failures.
var ErrInvalidSettings = errors.New("invalid trading settings")

// SettingsStore reads and writes per-user settings, falling back to defaults
// for users that never saved any.
type SettingsStore struct {
	queries  *db.UserQueries
	defaults Settings
}

func NewSettingsStore(queries *db.UserQueries, defaults Settings) *SettingsStore {
	return &SettingsStore{queries: queries, defaults: defaults}
}

// Defaults returns the settings applied to users without stored ones.
func (s *SettingsStore) Defaults() Settings { return s.defaults }

// Load returns the user's settings, or the defaults when none are stored.
func (s *SettingsStore) Load(ctx context.Context, userID string) (Settings, error) {
	rec, err := s.queries.GetTradingSettings(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return s.defaults, nil
	}
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		PaperMode:         rec.PaperMode,
		MaxDailyLoss:      rec.MaxDailyLoss,
		MaxLossPercent:    rec.MaxLossPercent,
		TakeProfitPercent: rec.TakeProfitPercent,
		BreakerTrippedAt:  rec.BreakerTrippedAt,
	}, nil
}

// Save validates and stores the user's settings. The breaker state is not
// changed by Save.
func (s *SettingsStore) Save(ctx context.Context, userID string, settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.queries.UpsertTradingSettings(ctx, db.TradingSettings{
		UserID:            userID,
		PaperMode:         settings.PaperMode,
		MaxDailyLoss:      settings.MaxDailyLoss,
		MaxLossPercent:    settings.MaxLossPercent,
		TakeProfitPercent: settings.TakeProfitPercent,
	})
}

// ClearBreaker removes the breaker banner.
func (s *SettingsStore) ClearBreaker(ctx context.Context, userID string) error {
	err := s.queries.SetBreakerTripped(ctx, userID, nil)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	return err
}

// Validate checks that every limit is positive.
func (s Settings) Validate() error {
	switch {
	case !s.MaxDailyLoss.IsPositive():
		return fmt.Errorf("%w: max_daily_loss must be positive", ErrInvalidSettings)
	case !s.MaxLossPercent.IsPositive():
		return fmt.Errorf("%w: max_loss_percent must be positive", ErrInvalidSettings)
	case !s.TakeProfitPercent.IsPositive():
		return fmt.Errorf("%w: take_profit_percent must be positive", ErrInvalidSettings)
	}
	return nil
}

// PaperMode reports whether the user's orders are simulated.
func (s *SettingsStore) PaperMode(ctx context.Context, userID string) (bool, error) {
	settings, err := s.Load(ctx, userID)
	if err != nil {
		return false, err
	}
	return settings.PaperMode, nil
}
