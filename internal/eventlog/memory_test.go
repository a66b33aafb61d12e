package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mystify/realtime/internal/errs"
	"github.com/mystify/realtime/internal/topic"
)

func message(t topic.Topic, actor, text string) AppendRequest {
	payload, _ := json.Marshal(map[string]string{"content": text})
	return AppendRequest{Topic: t, Kind: KindMessage, ActorID: actor, Payload: payload}
}

func TestAppend_AssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := topic.Room("r1")

	for i := 1; i <= 3; i++ {
		res, err := s.Append(ctx, message(room, "alice", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), res.Event.Sequence)
		assert.False(t, res.Duplicate)
		assert.NotEmpty(t, res.Event.ID)
	}

	head, err := s.Head(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)

	// Sequences are per topic.
	res, err := s.Append(ctx, message(topic.Room("r2"), "alice", "x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Event.Sequence)
}

func TestAppend_ConcurrentWritersGetDistinctSequences(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := topic.Room("busy")

	const writers, perWriter = 8, 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []uint64
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				res, err := s.Append(ctx, message(room, fmt.Sprintf("u%d", w), "hi"))
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				seqs = append(seqs, res.Event.Sequence)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seqs, writers*perWriter)
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "sequence gap or duplicate at %d", i)
	}

	events, err := ReadAll(ctx, s, room, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}
}

func TestAppend_ExpectedSequence(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := topic.Room("cas")

	req := message(room, "alice", "first")
	req.ExpectedSequence = Expect(0)
	_, err := s.Append(ctx, req)
	require.NoError(t, err)

	stale := message(room, "bob", "stale")
	stale.ExpectedSequence = Expect(0)
	_, err = s.Append(ctx, stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	head, err := s.Head(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head, "failed append must not advance head")

	fresh := message(room, "bob", "fresh")
	fresh.ExpectedSequence = Expect(1)
	res, err := s.Append(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Event.Sequence)
}

func TestAppend_ConcurrentCASOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room := topic.Room("race")

	const racers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := message(room, fmt.Sprintf("u%d", i), "move")
			req.ExpectedSequence = Expect(0)
			_, err := s.Append(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, errs.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)
}

func TestAppend_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	dm, err := topic.Direct("alice", "bob")
	require.NoError(t, err)

	req := message(dm, "alice", "hello")
	req.IdempotencyKey = "client-1"

	first, err := s.Append(ctx, req)
	require.NoError(t, err)
	second, err := s.Append(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)
	assert.Equal(t, first.Event.Sequence, second.Event.Sequence)

	head, err := s.Head(ctx, dm)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head)

	// A duplicate wins over a stale expected sequence.
	req.ExpectedSequence = Expect(0)
	third, err := s.Append(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)

	// The same key on another topic is independent.
	other := message(topic.Group("g"), "alice", "hello")
	other.IdempotencyKey = "client-1"
	res, err := s.Append(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestAppend_Validation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	cases := map[string]AppendRequest{
		"missing topic": {Kind: KindMessage, ActorID: "a"},
		"typing kind":   {Topic: topic.Room("r"), Kind: KindTyping, ActorID: "a"},
		"unknown kind":  {Topic: topic.Room("r"), Kind: "shout", ActorID: "a"},
		"missing actor": {Topic: topic.Room("r"), Kind: KindMessage},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Append(ctx, req)
			require.Error(t, err)
			rej, ok := errs.AsRejection(err)
			require.True(t, ok)
			assert.Equal(t, errs.ReasonInvalidPayload, rej.Reason)
		})
	}
}

func TestReadSince_Paging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	g := topic.Group("paging")

	for i := 0; i < 10; i++ {
		_, err := s.Append(ctx, message(g, "alice", fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	page, err := s.ReadSince(ctx, g, 0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, uint64(1), page[0].Sequence)
	assert.Equal(t, uint64(4), page[3].Sequence)

	page, err = s.ReadSince(ctx, g, 8, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(9), page[0].Sequence)

	page, err = s.ReadSince(ctx, g, 10, 4)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, err = s.ReadSince(ctx, topic.Group("nobody"), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	res, err := s.Append(ctx, message(topic.Room("r"), "alice", "x"))
	require.NoError(t, err)

	got, err := s.Get(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Event, got)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
