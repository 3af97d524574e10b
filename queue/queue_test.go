package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/relayq/storage"
)

func testTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func testPayload(conversation string) *Payload {
	return &Payload{
		Kind:           KindNormalMessage,
		ConversationID: conversation,
		NormalMessage:  &NormalMessage{MessageID: "m1", Body: "hi", Recipients: []string{"A"}},
	}
}

func storedRecord(t *testing.T, id string, ts int64) storage.Record {
	t.Helper()
	data, err := json.Marshal(testPayload("c1"))
	require.NoError(t, err)
	return storage.Record{ID: id, Timestamp: ts, QueueType: QueueTypeConversation, Data: data}
}

func TestStreamReplaysBeforeLive(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// N stored jobs exist before streaming begins.
	for i := 0; i < 3; i++ {
		require.NoError(t, store.InsertJob(ctx, storedRecord(t, fmt.Sprintf("stored-%d", i), int64(i))))
	}

	q := NewJobQueue(store)
	ch, err := q.Stream(ctx, QueueTypeConversation)
	require.NoError(t, err)

	// M live jobs arrive after streaming started.
	var liveIDs []string
	for i := 0; i < 3; i++ {
		job := newJob(QueueTypeConversation, testPayload("c1"), testTime())
		liveIDs = append(liveIDs, job.ID)
		require.NoError(t, q.Insert(ctx, job, false))
	}

	var got []string
	for i := 0; i < 6; i++ {
		select {
		case job := <-ch:
			got = append(got, job.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("stream stalled after %d jobs", i)
		}
	}

	// Stored jobs first, in stored order, strictly before any live job.
	assert.Equal(t, []string{"stored-0", "stored-1", "stored-2"}, got[:3])
	assert.Equal(t, liveIDs, got[3:])
}

func TestStreamRejectsSecondConsumer(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	q := NewJobQueue(store)

	ch, err := q.Stream(ctx, QueueTypeConversation)
	require.NoError(t, err)

	_, err = q.Stream(ctx, QueueTypeConversation)
	assert.ErrorIs(t, err, ErrAlreadyStreaming)

	// The first consumer keeps working.
	job := newJob(QueueTypeConversation, testPayload("c1"), testTime())
	require.NoError(t, q.Insert(ctx, job, false))
	select {
	case got := <-ch:
		assert.Equal(t, job.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("first consumer was disturbed by the rejected second stream")
	}
}

func TestInsertBeforeStreamFails(t *testing.T) {
	q := NewJobQueue(storage.NewMemoryStore())
	job := newJob(QueueTypeConversation, testPayload("c1"), testTime())

	err := q.Insert(context.Background(), job, true)
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestInsertPersistsWhenAsked(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	q := NewJobQueue(store)
	_, err := q.Stream(ctx, QueueTypeConversation)
	require.NoError(t, err)

	persisted := newJob(QueueTypeConversation, testPayload("c1"), testTime())
	require.NoError(t, q.Insert(ctx, persisted, true))
	transient := newJob(QueueTypeConversation, testPayload("c1"), testTime())
	require.NoError(t, q.Insert(ctx, transient, false))

	recs, err := store.GetJobsInQueue(ctx, QueueTypeConversation)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, persisted.ID, recs[0].ID)

	// Deleting the unpersisted job is a no-op, not an error.
	assert.NoError(t, q.Delete(ctx, transient.ID))
	assert.NoError(t, q.Delete(ctx, persisted.ID))
	assert.Equal(t, 0, store.Len())
}

func TestStreamDropsCorruptRecords(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.InsertJob(ctx, storage.Record{
		ID: "corrupt", Timestamp: 1, QueueType: QueueTypeConversation,
		Data: json.RawMessage(`{"kind": "nonsense"}`),
	}))
	require.NoError(t, store.InsertJob(ctx, storedRecord(t, "good", 2)))

	q := NewJobQueue(store)
	ch, err := q.Stream(ctx, QueueTypeConversation)
	require.NoError(t, err)

	select {
	case job := <-ch:
		assert.Equal(t, "good", job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid job was not replayed")
	}
	// The corrupt record must not linger for the next replay.
	assert.Equal(t, 1, store.Len())
}

func TestCloseStopsStream(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	q := NewJobQueue(store)

	ch, err := q.Stream(ctx, QueueTypeConversation)
	require.NoError(t, err)

	q.Close()
	select {
	case _, open := <-ch:
		assert.False(t, open, "stream channel should close on shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close")
	}

	// After Close the type can stream again (fresh process semantics).
	_, err = q.Stream(ctx, QueueTypeConversation)
	assert.NoError(t, err)
}
