package mirror

import (
	"chat-ledger/internal/apperr"
	"context"
	"strings"
)

// AddCredits tops up the local balance for a model and returns the new balance.
func (m *Manager) AddCredits(ctx context.Context, model string, amount int64) (int64, error) {
	model = strings.TrimSpace(model)
	if model == "" || amount <= 0 {
		return 0, apperr.BadRequest("credits need a model and a positive amount")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.credits[model] += amount
	return m.credits[model], m.writeJSON(ctx, creditsKey, m.credits)
}

// Spend deducts amount; a balance never goes negative.
func (m *Manager) Spend(ctx context.Context, model string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, apperr.BadRequest("amount must be non-negative")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance := m.credits[model]
	if balance < amount {
		return balance, apperr.BadRequest("insufficient credits for %s: have %d, need %d", model, balance, amount)
	}
	m.credits[model] = balance - amount
	return m.credits[model], m.writeJSON(ctx, creditsKey, m.credits)
}

func (m *Manager) Balance(model string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credits[model]
}

// Balances returns a copy of every model balance.
func (m *Manager) Balances() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.credits))
	for k, v := range m.credits {
		out[k] = v
	}
	return out
}
