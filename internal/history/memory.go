package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/quarry-ai/quarry/internal/models"
)

// MemoryLog is an in-process TurnLog. Turns live in append order, which is
// chronological because Append stamps CreatedAt at insertion.
type MemoryLog struct {
	mu    sync.RWMutex
	turns []models.ConversationTurn
}

var _ TurnLog = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, turn *models.ConversationTurn) error {
	if turn == nil {
		return models.InputFault("history.append", fmt.Errorf("turn is required"))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	stamp(turn)
	l.turns = append(l.turns, *turn)
	return nil
}

func (l *MemoryLog) Recent(ctx context.Context, n int) ([]models.ConversationTurn, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 {
		return []models.ConversationTurn{}, nil
	}
	if n > len(l.turns) {
		n = len(l.turns)
	}

	recent := make([]models.ConversationTurn, n)
	copy(recent, l.turns[len(l.turns)-n:])
	return recent, nil
}

// Len reports the number of recorded turns.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.turns)
}

func (l *MemoryLog) Close() error { return nil }
