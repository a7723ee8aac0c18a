package storage

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/corral/pkg/types"
)

// Events are stored in one nested bucket per cluster, keyed by a
// monotonically increasing sequence number so iteration order is emission
// order.

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AddEvent appends an event to its cluster's backlog, pruning the oldest
// rows when maxPerCluster > 0 and the backlog exceeds it
func (s *BoltStore) AddEvent(event *types.Event, maxPerCluster int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		b, err := root.CreateBucketIfNotExists([]byte(event.ClusterID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := putJSON(b, string(seqKey(seq)), event); err != nil {
			return err
		}

		if maxPerCluster <= 0 {
			return nil
		}
		// Bucket stats lag the open transaction, so count with a cursor
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		excess := count - maxPerCluster
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// ListEventsByCluster returns up to limit most recent events, oldest first;
// limit <= 0 returns all
func (s *BoltStore) ListEventsByCluster(clusterID string, limit int) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents).Bucket([]byte(clusterID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(events) >= limit {
				break
			}
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse to oldest-first
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// PruneEvents drops the whole backlog of one cluster
func (s *BoltStore) PruneEvents(clusterID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketEvents)
		if root.Bucket([]byte(clusterID)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(clusterID))
	})
}

// PurgeEvents bulk-deletes events belonging to project that are older than
// age, committing at most batchSize deletions per transaction. A run with
// no matching events is a no-op.
func (s *BoltStore) PurgeEvents(project string, age time.Duration, batchSize int) (int, error) {
	cutoff := time.Now().Add(-age)
	total := 0
	for {
		deleted := 0
		err := s.db.Update(func(tx *bolt.Tx) error {
			root := tx.Bucket(bucketEvents)
			var clusterKeys [][]byte
			err := root.ForEach(func(k, v []byte) error {
				if v == nil { // nested bucket
					key := make([]byte, len(k))
					copy(key, k)
					clusterKeys = append(clusterKeys, key)
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, ck := range clusterKeys {
				b := root.Bucket(ck)
				c := b.Cursor()
				for k, v := c.First(); k != nil; k, v = c.Next() {
					if deleted >= batchSize {
						return nil
					}
					var event types.Event
					if err := json.Unmarshal(v, &event); err != nil {
						return err
					}
					if event.Project != project || event.Timestamp.After(cutoff) {
						continue
					}
					if err := c.Delete(); err != nil {
						return err
					}
					deleted++
				}
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < batchSize {
			return total, nil
		}
	}
}
