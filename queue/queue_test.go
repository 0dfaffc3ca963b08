package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/hub/peerid"
	"github.com/overlaymesh/hub/wire"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueueDequeueByKeyFIFO(t *testing.T) {
	q := openTestQueue(t)

	var recipient peerid.PeerId
	recipient[0] = 0xAB
	key := recipient.String()

	require.NoError(t, q.Enqueue(key, wire.Message{Recipient: recipient, TTL: 5, Payload: []byte("first")}))
	require.NoError(t, q.Enqueue(key, wire.Message{Recipient: recipient, TTL: 5, Payload: []byte("second")}))

	m1, ok, err := q.DequeueByKey(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), m1.Payload)

	m2, ok, err := q.DequeueByKey(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), m2.Payload)

	_, ok, err = q.DequeueByKey(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueByKeyEmptyReturnsNotFound(t *testing.T) {
	q := openTestQueue(t)
	_, ok, err := q.DequeueByKey("nobody")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDequeueDrainsAcrossKeys(t *testing.T) {
	q := openTestQueue(t)

	require.NoError(t, q.Enqueue("a", wire.Message{Payload: []byte("a1")}))
	require.NoError(t, q.Enqueue("b", wire.Message{Payload: []byte("b1")}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		key, msg, ok, err := q.Dequeue()
		require.NoError(t, err)
		require.True(t, ok)
		seen[key] = true
		require.NotEmpty(t, msg.Payload)
	}
	require.True(t, seen["a"])
	require.True(t, seen["b"])

	_, _, ok, err := q.Dequeue()
	require.NoError(t, err)
	require.False(t, ok)
}
