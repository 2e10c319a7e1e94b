package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGroupCreate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true})
	require.NoError(t, err)

	err = m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true})
	assert.ErrorIs(t, err, ErrGroupExists)

	err = m.GroupCreate(ctx, "missing", "workers", "0", GroupCreateOptions{})
	assert.Error(t, err)
}

func TestMemoryAppendAssignsMonotonicIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id1, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)
	id2, err := m.Append(ctx, "requests", map[string]string{"n": "2"})
	require.NoError(t, err)

	assert.True(t, idLess(id1, id2), "ids must be monotonic: %s < %s", id1, id2)
}

func TestMemoryReadGroupDeliversOncePerGroup(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true}))

	_, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)

	entries, err := m.ReadGroup(ctx, ReadGroupArgs{Stream: "requests", Group: "workers", Consumer: "a", Count: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].Fields["n"])

	// Same group sees nothing new; entry is pending, not redelivered.
	entries, err = m.ReadGroup(ctx, ReadGroupArgs{Stream: "requests", Group: "workers", Consumer: "b", Count: 10})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryIndependentGroups(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)

	require.NoError(t, m.GroupCreate(ctx, "requests", "g1", "0", GroupCreateOptions{}))
	require.NoError(t, m.GroupCreate(ctx, "requests", "g2", "0", GroupCreateOptions{}))

	for _, group := range []string{"g1", "g2"} {
		entries, err := m.ReadGroup(ctx, ReadGroupArgs{Stream: "requests", Group: group, Consumer: "c", Count: 1})
		require.NoError(t, err)
		assert.Len(t, entries, 1, "group %s should get its own delivery", group)
	}
}

func TestMemoryAckClearsPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true}))
	id, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)

	_, err = m.ReadGroup(ctx, ReadGroupArgs{Stream: "requests", Group: "workers", Consumer: "a", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, m.Pending("requests", "workers"))

	require.NoError(t, m.Ack(ctx, "requests", "workers", id))
	assert.Empty(t, m.Pending("requests", "workers"))

	// Ack is idempotent.
	require.NoError(t, m.Ack(ctx, "requests", "workers", id))
}

func TestMemoryBlockingReadWakesOnAppend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true}))

	done := make(chan []Entry, 1)
	go func() {
		entries, _ := m.ReadGroup(ctx, ReadGroupArgs{
			Stream: "requests", Group: "workers", Consumer: "a",
			Count: 1, Block: 5 * time.Second,
		})
		done <- entries
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read did not wake on append")
	}
}

func TestMemoryBlockingReadTimesOut(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true}))

	start := time.Now()
	entries, err := m.ReadGroup(ctx, ReadGroupArgs{
		Stream: "requests", Group: "workers", Consumer: "a",
		Count: 1, Block: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryRangeAndDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var ids []string
	for _, n := range []string{"1", "2", "3"} {
		id, err := m.Append(ctx, "requests", map[string]string{"n": n})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	entries, err := m.Range(ctx, "requests", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = m.Range(ctx, "requests", ids[1], "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ids[1], entries[0].ID)

	require.NoError(t, m.Delete(ctx, "requests", ids[0], ids[2]))
	entries, err = m.Range(ctx, "requests", "-", "+", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[1], entries[0].ID)
}

func TestMemoryDeleteClearsPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.GroupCreate(ctx, "requests", "workers", "0", GroupCreateOptions{MakeStream: true}))
	id, err := m.Append(ctx, "requests", map[string]string{"n": "1"})
	require.NoError(t, err)

	_, err = m.ReadGroup(ctx, ReadGroupArgs{Stream: "requests", Group: "workers", Consumer: "a", Count: 1})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, "requests", id))
	assert.Empty(t, m.Pending("requests", "workers"))
}

func TestIDLess(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1-0", "2-0", true},
		{"2-0", "1-0", false},
		{"1-0", "1-1", true},
		{"10-0", "9-0", false},
		{"0", "1-0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, idLess(tt.a, tt.b), "%s < %s", tt.a, tt.b)
	}
}
