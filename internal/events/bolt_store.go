package events

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// BoltStore is a persistent audit trail. Events are CBOR-encoded and keyed by
// a monotonically increasing sequence, so cursor order is publish order.
type BoltStore struct {
	db        *bbolt.DB
	retention int
}

// OpenBoltStore opens (or creates) the audit database at path. When
// retention is positive, the oldest events beyond that count are pruned on
// write.
func OpenBoltStore(path string, retention int) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit bucket: %w", err)
	}
	return &BoltStore{db: db, retention: retention}, nil
}

func (s *BoltStore) Name() string { return "audit" }

// Notify appends the event to the trail.
func (s *BoltStore) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := cbor.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), value); err != nil {
			return err
		}
		if s.retention > 0 {
			return prune(b, s.retention)
		}
		return nil
	})
}

// prune deletes the oldest keys until at most keep remain.
func prune(b *bbolt.Bucket, keep int) error {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	excess := n - keep
	for k, _ := c.First(); k != nil && excess > 0; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns everything.
func (s *BoltStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(result) >= limit {
				break
			}
			var e Event
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			result = append(result, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
