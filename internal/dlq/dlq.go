// Package dlq provides operator tools for tasks that exhausted their retry
// budget and were moved to the dead-letter list.
//
// Nothing here runs automatically. Dead letters stay put until an operator
// acts on them:
//
//   - Peek:   read (but don't remove) the oldest N dead letters.
//   - Len:    current dead-letter count.
//   - Purge:  discard every dead letter.
//   - Replay: move dead letters back to their ready queue with a fresh
//     retry budget.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/propdesk/notifyd/internal/logging"
	"github.com/propdesk/notifyd/internal/queue"
)

// Manager provides dead-letter operations on top of a queue.Store.
type Manager struct {
	store queue.Store
	now   func() time.Time
}

// NewManager wraps the given store.
func NewManager(store queue.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Peek returns up to limit dead letters, oldest first. limit <= 0 returns all.
func (m *Manager) Peek(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	dls, err := m.store.PeekDeadLetters(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq.Peek: %w", err)
	}
	return dls, nil
}

// Len returns the number of dead letters.
func (m *Manager) Len(ctx context.Context) (int, error) {
	depths, err := m.store.QueueDepths(ctx)
	if err != nil {
		return 0, fmt.Errorf("dlq.Len: %w", err)
	}
	return depths[queue.DeadLetterQueue], nil
}

// Purge discards every dead letter and returns how many were removed.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	n, err := m.store.PurgeDeadLetters(ctx)
	if err != nil {
		return 0, fmt.Errorf("dlq.Purge: %w", err)
	}
	logging.Info().Int("purged", n).Msg("dead letters purged")
	return n, nil
}

// Replay moves up to limit dead letters back to the ready queue of their
// priority with retry_count reset. A task whose enqueue fails goes back to
// the dead-letter list. Undecodable entries have nothing to replay; they are
// logged with their raw bytes and dropped. Returns the number replayed.
func (m *Manager) Replay(ctx context.Context, limit int) (int, error) {
	taken, err := m.store.TakeDeadLetters(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("dlq.Replay: take: %w", err)
	}

	replayed := 0
	for _, dl := range taken {
		if dl.Task == nil {
			m.restore(ctx, dl)
			continue
		}
		fresh := dl.Task.Clone()
		fresh.RetryCount = 0
		fresh.LastRetryAt = nil
		fresh.EnqueuedAt = m.now().UTC()

		if pubErr := m.store.EnqueueReady(ctx, fresh, fresh.Priority); pubErr != nil {
			// Best-effort: put it back so the operator can try again.
			m.restore(ctx, dl)
			continue
		}
		replayed++
	}
	logging.Info().Int("replayed", replayed).Int("taken", len(taken)).Msg("dead letters replayed")
	return replayed, nil
}

func (m *Manager) restore(ctx context.Context, dl queue.DeadLetter) {
	if dl.Task == nil {
		logging.Warn().
			Str("dead_letter_id", dl.ID).
			Bytes("raw", dl.Raw).
			Msg("undecodable dead letter dropped during replay")
		return
	}
	if err := m.store.MoveToDeadLetter(ctx, dl.Task, dl.Reason, dl.LastError); err != nil {
		logging.Error().Err(err).Str("task_id", dl.Task.ID).Msg("could not restore dead letter")
	}
}
