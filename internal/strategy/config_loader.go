package strategy

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"tradebot-core/pkg/db"
)

// Config represents a strategy entry in strategies.yaml.
type Config struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Variant          string                 `yaml:"variant"`
	Category         string                 `yaml:"category"`
	Symbols          []string               `yaml:"symbols"`
	Timeframe        string                 `yaml:"timeframe"`
	PositionSize     string                 `yaml:"position_size"`
	MaxOpenPositions int                    `yaml:"max_open_positions"`
	Parameters       map[string]interface{} `yaml:"parameters"`
	Enabled          bool                   `yaml:"enabled"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes a strategies.yaml document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategies: %w", err)
	}
	return file.Strategies, nil
}

// Strategy converts the entry into a strategy owned by userID.
func (c Config) Strategy(userID string) (db.Strategy, error) {
	size, err := decimal.NewFromString(c.PositionSize)
	if err != nil {
		return db.Strategy{}, fmt.Errorf("%w: position_size %q", ErrInvalidConfig, c.PositionSize)
	}
	maxOpen := c.MaxOpenPositions
	if maxOpen == 0 {
		maxOpen = 1
	}
	return db.Strategy{
		ID:               c.ID,
		UserID:           userID,
		Name:             c.Name,
		Variant:          c.Variant,
		Category:         c.Category,
		Symbols:          c.Symbols,
		Timeframe:        c.Timeframe,
		PositionSize:     size,
		MaxOpenPositions: maxOpen,
		Enabled:          c.Enabled,
		Params:           c.Parameters,
	}, nil
}

// SyncConfig upserts every entry for userID through the registry. Invalid
// entries are skipped and reported together; valid ones are still stored.
func SyncConfig(ctx context.Context, registry *Registry, userID string, configs []Config) (int, error) {
	var (
		errs   error
		stored int
	)
	for i, cfg := range configs {
		s, err := cfg.Strategy(userID)
		if err == nil {
			_, err = registry.Create(ctx, s)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("strategy %d (%s): %w", i, cfg.Name, err))
			continue
		}
		stored++
	}
	return stored, errs
}
