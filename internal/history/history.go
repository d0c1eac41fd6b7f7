// Package history keeps the append-only record of completed queries. Each
// query that produces an answer is written once as a ConversationTurn and
// never mutated; recent turns feed the prompt engine's history slot and the
// full log doubles as an audit trail of what was asked, what context was
// retrieved, and what the model answered.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quarry-ai/quarry/internal/models"
)

// TurnLog is the conversation history contract. Append fills the turn's ID
// and CreatedAt when they are zero and records it; records are never
// updated or deleted afterwards. Recent returns the n most recent turns in
// chronological order, oldest first, ready for prompt assembly.
type TurnLog interface {
	Append(ctx context.Context, turn *models.ConversationTurn) error
	Recent(ctx context.Context, n int) ([]models.ConversationTurn, error)
	Close() error
}

// stamp fills identity fields so callers may submit bare turns. Both
// backends go through it, keeping the Append contract identical.
func stamp(turn *models.ConversationTurn) {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
}
