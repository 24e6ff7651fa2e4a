package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cicadatesting/cicada/pkg/types"
)

// ManagerClient is the slice of the backend a worker process talks to
// on behalf of its users.
type ManagerClient interface {
	GetUserEvents(ctx context.Context, kind string) ([]types.UserEvent, error)
	GetWork(ctx context.Context, timeout time.Duration) (int, error)
	AddUserResults(ctx context.Context, results []types.Result) error
}

// UserBuffer stages backend traffic for every user hosted in one
// worker process. Events and work arrive addressed to the manager;
// the buffer fans events out to every tracked user and splits work
// across them. Results are batched and flushed by the scheduler.
type UserBuffer struct {
	client ManagerClient

	mu           sync.Mutex
	eventsByUser map[string][]types.UserEvent
	workByUser   map[string]int
	pending      []types.Result
}

// NewUserBuffer builds a buffer over the manager's backend client.
func NewUserBuffer(client ManagerClient) *UserBuffer {
	if client == nil {
		panic("manager client is required")
	}

	return &UserBuffer{
		client:       client,
		eventsByUser: map[string][]types.UserEvent{},
		workByUser:   map[string]int{},
	}
}

// AddUsers starts tracking events and work for the given users.
func (b *UserBuffer) AddUsers(userIDs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, userID := range userIDs {
		if _, ok := b.workByUser[userID]; ok {
			continue
		}

		b.eventsByUser[userID] = nil
		b.workByUser[userID] = 0
	}
}

// GetUserEvents drains one user's queue for an event kind. An empty
// queue triggers one backend poll whose events are broadcast to every
// tracked user before draining.
func (b *UserBuffer) GetUserEvents(ctx context.Context, userID, kind string) ([]types.UserEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.eventsByUser[userID]; !ok {
		return nil, nil
	}

	if len(b.eventsByUser[userID]) == 0 {
		events, err := b.client.GetUserEvents(ctx, kind)

		if err != nil {
			return nil, err
		}

		for _, event := range events {
			for trackedID := range b.eventsByUser {
				b.eventsByUser[trackedID] = append(b.eventsByUser[trackedID], event)
			}
		}
	}

	events := b.eventsByUser[userID]
	b.eventsByUser[userID] = nil

	return events, nil
}

// GetUserWork atomically drains one user's work counter. A zero
// counter triggers one backend poll whose total is split across all
// tracked users: an even base plus a remainder dealt one-per-user in
// a freshly shuffled order.
func (b *UserBuffer) GetUserWork(ctx context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workByUser[userID]; !ok {
		return 0, nil
	}

	if b.workByUser[userID] == 0 {
		total, err := b.client.GetWork(ctx, 0)

		if err != nil {
			return 0, err
		}

		if total > 0 {
			shuffled := make([]string, 0, len(b.workByUser))

			for trackedID := range b.workByUser {
				shuffled = append(shuffled, trackedID)
			}

			rand.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			base := total / len(shuffled)
			remainder := total % len(shuffled)

			for i, trackedID := range shuffled {
				b.workByUser[trackedID] += base

				if i < remainder {
					b.workByUser[trackedID]++
				}
			}
		}
	}

	work := b.workByUser[userID]
	b.workByUser[userID] = 0

	return work, nil
}

// AddResult stages one user result for the next flush.
func (b *UserBuffer) AddResult(result types.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, result)
}

// Flush sends all staged results to the backend in one call. Results
// stay staged if the send fails.
func (b *UserBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := b.client.AddUserResults(ctx, pending); err != nil {
		b.mu.Lock()
		b.pending = append(pending, b.pending...)
		b.mu.Unlock()

		return err
	}

	return nil
}
