package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cicadatesting/cicada/pkg/types"
)

// fakeManagerClient scripts the manager-level backend surface.
type fakeManagerClient struct {
	mu         sync.Mutex
	events     map[string][]types.UserEvent
	work       int
	sent       [][]types.Result
	failSend   bool
	workPolls  int
	eventPolls int
}

func newFakeManagerClient() *fakeManagerClient {
	return &fakeManagerClient{events: map[string][]types.UserEvent{}}
}

func (c *fakeManagerClient) setWork(amount int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.work = amount
}

func (c *fakeManagerClient) GetUserEvents(_ context.Context, kind string) ([]types.UserEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventPolls++
	events := c.events[kind]
	c.events[kind] = nil

	return events, nil
}

func (c *fakeManagerClient) GetWork(context.Context, time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.workPolls++
	work := c.work
	c.work = 0

	return work, nil
}

func (c *fakeManagerClient) AddUserResults(_ context.Context, results []types.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failSend {
		return errors.New("backend unavailable")
	}

	c.sent = append(c.sent, results)

	return nil
}

func TestBufferSplitsWorkAcrossUsers(t *testing.T) {
	client := newFakeManagerClient()
	client.work = 11

	buffer := NewUserBuffer(client)
	buffer.AddUsers([]string{"u1", "u2", "u3"})

	total := 0
	usersWithExtra := 0

	for _, userID := range []string{"u1", "u2", "u3"} {
		work, err := buffer.GetUserWork(context.Background(), userID)
		require.NoError(t, err)
		total += work

		switch work {
		case 4:
			usersWithExtra++
		case 3:
		default:
			t.Fatalf("unexpected work share %d for %s", work, userID)
		}
	}

	assert.Equal(t, 11, total)
	assert.Equal(t, 2, usersWithExtra, "remainder goes to two distinct users")
	assert.Equal(t, 1, client.workPolls, "one backend poll serves all users")
}

func TestBufferDrainsWorkAtomically(t *testing.T) {
	client := newFakeManagerClient()
	client.work = 4

	buffer := NewUserBuffer(client)
	buffer.AddUsers([]string{"u1", "u2"})

	work, err := buffer.GetUserWork(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, work)

	// counter is drained; second read triggers a poll that finds
	// nothing
	work, err = buffer.GetUserWork(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, work)
}

func TestBufferIgnoresUntrackedUsers(t *testing.T) {
	buffer := NewUserBuffer(newFakeManagerClient())

	work, err := buffer.GetUserWork(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, work)

	events, err := buffer.GetUserEvents(context.Background(), "ghost", types.StopUsersEvent)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestBufferBroadcastsEventsToEveryUser(t *testing.T) {
	client := newFakeManagerClient()
	client.events[types.StopUsersEvent] = []types.UserEvent{
		{Kind: types.StopUsersEvent, Payload: types.UserEventPayload{IDs: []string{"u1"}}},
	}

	buffer := NewUserBuffer(client)
	buffer.AddUsers([]string{"u1", "u2"})

	events, err := buffer.GetUserEvents(context.Background(), "u1", types.StopUsersEvent)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// u2 sees the same broadcast without another backend poll
	events, err = buffer.GetUserEvents(context.Background(), "u2", types.StopUsersEvent)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, client.eventPolls)

	// u1's queue is drained
	events, err = buffer.GetUserEvents(context.Background(), "u1", types.StopUsersEvent)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestBufferFlushBatchesResults(t *testing.T) {
	client := newFakeManagerClient()
	buffer := NewUserBuffer(client)

	buffer.AddResult(types.Result{ID: "r1"})
	buffer.AddResult(types.Result{ID: "r2"})

	require.NoError(t, buffer.Flush(context.Background()))
	require.Len(t, client.sent, 1)
	assert.Len(t, client.sent[0], 2)

	// empty flush does not call the backend
	require.NoError(t, buffer.Flush(context.Background()))
	assert.Len(t, client.sent, 1)
}

func TestBufferFlushKeepsResultsOnFailure(t *testing.T) {
	client := newFakeManagerClient()
	client.failSend = true

	buffer := NewUserBuffer(client)
	buffer.AddResult(types.Result{ID: "r1"})

	require.Error(t, buffer.Flush(context.Background()))

	client.failSend = false
	require.NoError(t, buffer.Flush(context.Background()))
	require.Len(t, client.sent, 1)
	assert.Equal(t, "r1", client.sent[0][0].ID)
}
