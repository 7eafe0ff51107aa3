package engine

import (
	"context"
	"sort"
	"sync"

	"tradebot-core/internal/monitor"
)

// BotFactory creates the bot for a user.
type BotFactory func(userID string) *Bot

// Registry holds one bot per user.
type Registry struct {
	ctx     context.Context
	mu      sync.RWMutex
	bots    map[string]*Bot
	factory BotFactory
	metrics *monitor.SystemMetrics
}

// NewRegistry creates a registry. Bots started through it run under ctx.
func NewRegistry(ctx context.Context, factory BotFactory, metrics *monitor.SystemMetrics) *Registry {
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}
	return &Registry{
		ctx:     ctx,
		bots:    make(map[string]*Bot),
		factory: factory,
		metrics: metrics,
	}
}

// GetOrCreate returns the user's bot, creating it if needed.
func (r *Registry) GetOrCreate(userID string) *Bot {
	r.mu.RLock()
	b, ok := r.bots[userID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bots[userID]; ok {
		return b
	}
	b = r.factory(userID)
	r.bots[userID] = b
	return b
}

// Get returns the user's bot, or nil.
func (r *Registry) Get(userID string) *Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bots[userID]
}

// Start starts the user's scheduler loop.
func (r *Registry) Start(userID string) *Bot {
	b := r.GetOrCreate(userID)
	b.Start(r.ctx)
	r.updateActive()
	return b
}

// Stop stops the user's scheduler loop. It reports whether a bot existed.
func (r *Registry) Stop(userID string) bool {
	b := r.Get(userID)
	if b == nil {
		return false
	}
	b.Stop()
	r.updateActive()
	return true
}

// Remove stops and forgets the user's bot.
func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	b := r.bots[userID]
	delete(r.bots, userID)
	r.mu.Unlock()
	if b != nil {
		b.Stop()
	}
	r.updateActive()
}

// StopAll stops every bot and waits for in-flight cycles to finish or ctx to end.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	bots := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		bots = append(bots, b)
	}
	r.mu.RUnlock()

	for _, b := range bots {
		b.Stop()
	}
	for _, b := range bots {
		done := b.Done()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	r.updateActive()
}

// Users returns the users with a bot, sorted.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.bots))
	for u := range r.bots {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) updateActive() {
	r.mu.RLock()
	n := 0
	for _, b := range r.bots {
		if b.Running() {
			n++
		}
	}
	r.mu.RUnlock()
	r.metrics.SetActiveBots(n)
}
