package engine

import (
	"context"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

type PositionEngine struct {
	store store.TokenStore
}

func NewPositionEngine(st store.TokenStore) *PositionEngine {
	return &PositionEngine{store: st}
}

// ComputeInsertionPosition returns the rank candidate would take among the
// queue's pending tokens. Stored positions of existing tokens are left as
// they are; only RecomputePositions rewrites them.
func (p *PositionEngine) ComputeInsertionPosition(ctx context.Context, queueID string, candidate models.Token) (int, error) {
	pending, err := p.store.ListPending(ctx, queueID)
	if err != nil {
		return 0, err
	}
	ahead := 0
	for _, token := range pending {
		if token.ID == candidate.ID {
			continue
		}
		if Compare(token, candidate) < 0 {
			ahead++
		}
	}
	return ahead + 1, nil
}

// RecomputePositions renumbers the pending tokens of a queue 1..n in service
// order and persists the ones that moved. It returns the pending tokens in
// that order.
func (p *PositionEngine) RecomputePositions(ctx context.Context, queueID string) ([]models.Token, error) {
	pending, err := p.store.ListPending(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	SortTokens(pending)
	for i := range pending {
		position := i + 1
		if pending[i].Position == position {
			continue
		}
		updated, err := p.store.UpdateToken(ctx, pending[i].ID, store.TokenUpdate{
			FromStatus: models.StatusPending,
			Position:   &position,
		})
		if err != nil {
			return nil, err
		}
		pending[i] = updated
	}
	return pending, nil
}
