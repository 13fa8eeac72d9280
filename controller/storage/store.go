package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key does not exist in the bucket.
var ErrNotFound = errors.New("not found")

// ObjectStore is the bucket/JSON store every module persists through.
type ObjectStore interface {
	CreateBucket(bucket string) error
	Get(bucket, id string, v interface{}) error
	Update(bucket, id string, v interface{}) error
	Create(bucket string, fn func(string) interface{}) error
	Delete(bucket, id string) error
	List(bucket string, fn func(string, []byte) error) error
	Close() error
}

// Store is a bbolt database holding JSON documents keyed by id.
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the database file at path.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateBucket(bucket string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

// Get decodes the document stored under id into v.
func (s *Store) Get(bucket, id string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, id, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// Update writes v under id, creating the key if needed.
func (s *Store) Update(bucket, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.Put([]byte(id), data)
	})
}

// Create allocates the next sequence id in bucket and stores the value fn returns for it.
func (s *Store) Create(bucket string, fn func(string) interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id := strconv.FormatUint(seq, 10)
		data, err := json.Marshal(fn(id))
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (s *Store) Delete(bucket, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.Delete([]byte(id))
	})
}

// List calls fn for every document in bucket in key order. A non-nil error
// from fn stops the iteration and is returned.
func (s *Store) List(bucket string, fn func(string, []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
