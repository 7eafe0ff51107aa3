// Package state keeps an in-memory view of open positions per user, backed by
// the store for durability.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"

	"tradebot-core/pkg/db"
)

// Book holds every user's OPEN positions. Users are loaded from the store on
// first access; afterwards the book is updated in step with the store.
type Book struct {
	mu        sync.RWMutex
	queries   *db.UserQueries
	positions map[string]map[string]db.Position // user -> position id -> position
}

func NewBook(queries *db.UserQueries) *Book {
	return &Book{
		queries:   queries,
		positions: make(map[string]map[string]db.Position),
	}
}

// Load (re)seeds the user's open positions from the store.
func (b *Book) Load(ctx context.Context, userID string) error {
	open, err := b.queries.ListOpenPositions(ctx, userID)
	if err != nil {
		return err
	}
	byID := make(map[string]db.Position, len(open))
	for _, p := range open {
		byID[p.ID] = p
	}
	b.mu.Lock()
	b.positions[userID] = byID
	b.mu.Unlock()
	return nil
}

func (b *Book) ensure(ctx context.Context, userID string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	b.mu.RLock()
	_, ok := b.positions[userID]
	b.mu.RUnlock()
	if ok {
		return nil
	}
	return b.Load(ctx, userID)
}

// Positions returns a snapshot of the user's open positions, oldest first.
func (b *Book) Positions(ctx context.Context, userID string) ([]db.Position, error) {
	if err := b.ensure(ctx, userID); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]db.Position, 0, len(b.positions[userID]))
	for _, p := range b.positions[userID] {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// Find returns the open position of a strategy on a symbol.
func (b *Book) Find(ctx context.Context, userID, strategyID, symbol string) (db.Position, bool, error) {
	if err := b.ensure(ctx, userID); err != nil {
		return db.Position{}, false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.positions[userID] {
		if p.StrategyID == strategyID && p.Symbol == symbol {
			return p, true, nil
		}
	}
	return db.Position{}, false, nil
}

// Count returns how many open positions the strategy holds.
func (b *Book) Count(ctx context.Context, userID, strategyID string) (int, error) {
	if err := b.ensure(ctx, userID); err != nil {
		return 0, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.positions[userID] {
		if p.StrategyID == strategyID {
			n++
		}
	}
	return n, nil
}

// Open persists a new OPEN position and adds it to the book.
func (b *Book) Open(ctx context.Context, p db.Position) error {
	if err := b.ensure(ctx, p.UserID); err != nil {
		return err
	}
	p.Status = db.PositionOpen
	if err := b.queries.CreatePosition(ctx, p); err != nil {
		return err
	}
	// Reload the stored row so timestamps match what the store returns.
	stored, err := b.queries.GetPosition(ctx, p.UserID, p.ID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.positions[p.UserID][p.ID] = *stored
	b.mu.Unlock()
	return nil
}

// Close moves the position to its terminal status in the store and drops it
// from the book. A position that was already closed is dropped as well and
// db.ErrPositionNotOpen is returned.
func (b *Book) Close(ctx context.Context, params db.ClosePositionParams) error {
	err := b.queries.ClosePosition(ctx, params)
	if err == nil || errors.Is(err, db.ErrPositionNotOpen) {
		b.remove(params.UserID, params.ID)
	}
	return err
}

func (b *Book) remove(userID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, ok := b.positions[userID]; ok {
		delete(byID, id)
	}
}
