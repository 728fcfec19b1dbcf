// Package scoring maintains rolling performance scores per actor. The scorer
// is pure aggregation: it stores agreement outcomes and computes scores, and
// leaves every threshold decision to the escalation controller.
package scoring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/models"
)

const (
	// DefaultWindowSize bounds the per-actor decision window; the oldest
	// outcome drops once the window is full.
	DefaultWindowSize = 100

	baseScore = 50
)

// Store keeps the bounded per-actor window of agreement deltas.
type Store interface {
	Push(ctx context.Context, actorID string, delta int, window int) error
	Deltas(ctx context.Context, actorID string) ([]int, error)
	Close() error
}

type Scorer struct {
	store  Store
	window int
	logger *slog.Logger
}

func NewScorer(store Store, windowSize int, logger *slog.Logger) *Scorer {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	return &Scorer{
		store:  store,
		window: windowSize,
		logger: logger.With("module", "scorer"),
	}
}

// Record registers whether the actor's decision agreed with the reference
// recommendation: +1 on agreement, -1 on disagreement.
func (s *Scorer) Record(ctx context.Context, actorID string, agreed bool) error {
	delta := 1
	if !agreed {
		delta = -1
	}

	if err := s.store.Push(ctx, actorID, delta, s.window); err != nil {
		return fmt.Errorf("failed to record decision for actor %s: %w", actorID, err)
	}

	return nil
}

// Score returns the actor's rolling score in 0-100. Actors with no recorded
// decisions sit at the neutral base score.
func (s *Scorer) Score(ctx context.Context, actorID string) (*models.ActorScore, error) {
	deltas, err := s.store.Deltas(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load score window for actor %s: %w", actorID, err)
	}

	sum := 0
	for _, delta := range deltas {
		sum += delta
	}

	score := baseScore + sum
	if score < 0 {
		score = 0
	}

	if score > 100 {
		score = 100
	}

	return &models.ActorScore{
		ActorID:      actorID,
		RollingScore: score,
		WindowSize:   s.window,
		Decisions:    len(deltas),
	}, nil
}
