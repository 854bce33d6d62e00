package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketJournal = []byte("journal")

// DefaultMaxEntries bounds the journal; older entries are dropped on append.
const DefaultMaxEntries = 10000

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db         *bolt.DB
	maxEntries int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJournal)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, maxEntries: DefaultMaxEntries}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func (s *BoltStore) Append(e *Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketJournal)
		}
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}
		return s.prune(b)
	})
}

// prune drops the oldest entries beyond maxEntries.
func (s *BoltStore) prune(b *bolt.Bucket) error {
	excess := b.Stats().KeyN - s.maxEntries
	if excess <= 0 {
		return nil
	}
	c := b.Cursor()
	var stale [][]byte
	for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Get(id uint64) (*Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketJournal)
		}
		data := b.Get(itob(id))
		if data == nil {
			return fmt.Errorf("journal entry %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *BoltStore) List(limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketJournal)
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode journal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
