// Package queue implements the durable keyed FIFO store-and-forward
// queue backed by bbolt: one nested bucket per recipient key, holding
// messages in arrival order behind monotonically increasing sequence
// numbers.
package queue

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/overlaymesh/hub/wire"
)

var messagesBucket = []byte("messages")

// Queue is a durable, process-crash-surviving FIFO keyed by recipient
// string. Safe for concurrent Enqueue/Dequeue from multiple
// goroutines; bbolt serializes writers internally.
type Queue struct {
	db *bbolt.DB
}

// Open opens (creating if absent) a bbolt-backed queue at path.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: initialize buckets: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying bbolt file.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue durably appends msg to the FIFO for key. No routable
// message should ever reach this call (queue preservation invariant
// is the caller's responsibility: RouteMessage enqueues only when it
// finds no route).
func (q *Queue) Enqueue(key string, msg wire.Message) error {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("queue: encode message for %s: %w", key, err)
	}

	return q.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(messagesBucket)
		sub, err := parent.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		seq, err := sub.NextSequence()
		if err != nil {
			return err
		}
		return sub.Put(itob(seq), encoded)
	})
}

// DequeueByKey removes and returns the oldest message queued under
// key, if any.
func (q *Queue) DequeueByKey(key string) (wire.Message, bool, error) {
	var (
		msg   wire.Message
		found bool
	)

	err := q.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(messagesBucket)
		sub := parent.Bucket([]byte(key))
		if sub == nil {
			return nil
		}

		c := sub.Cursor()
		seq, encoded := c.First()
		if seq == nil {
			return nil
		}

		decoded, err := wire.Decode(encoded)
		if err != nil {
			return fmt.Errorf("queue: decode message under %s: %w", key, err)
		}

		if err := sub.Delete(seq); err != nil {
			return err
		}
		if sub.Stats().KeyN == 0 {
			if err := parent.DeleteBucket([]byte(key)); err != nil {
				return err
			}
		}

		msg = decoded
		found = true
		return nil
	})
	if err != nil {
		return wire.Message{}, false, err
	}
	return msg, found, nil
}

// Dequeue removes and returns the oldest message of the first
// non-empty keyed FIFO, taking keys in byte order, along with the key
// it was stored under. Arrival order across different keys is not
// tracked, so this is not necessarily the oldest message overall. Used by
// FlushMessages() with no key, which drains every keyed FIFO.
func (q *Queue) Dequeue() (string, wire.Message, bool, error) {
	var (
		key   string
		msg   wire.Message
		found bool
	)

	err := q.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(messagesBucket)
		bc := parent.Cursor()
		for name, v := bc.First(); name != nil; name, v = bc.Next() {
			if v != nil {
				// not a nested bucket, skip (shouldn't happen: this
				// top-level bucket only ever holds nested buckets)
				continue
			}
			sub := parent.Bucket(name)
			c := sub.Cursor()
			seq, encoded := c.First()
			if seq == nil {
				continue
			}

			decoded, err := wire.Decode(encoded)
			if err != nil {
				return fmt.Errorf("queue: decode message under %s: %w", name, err)
			}
			if err := sub.Delete(seq); err != nil {
				return err
			}
			if sub.Stats().KeyN == 0 {
				if err := parent.DeleteBucket(name); err != nil {
					return err
				}
			}

			key = string(name)
			msg = decoded
			found = true
			return nil
		}
		return nil
	})
	if err != nil {
		return "", wire.Message{}, false, err
	}
	return key, msg, found, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
