package doser

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/codeponics/codeponics-pi/controller/storage"
)

// ErrAlreadyQueued is returned when a manual dose is already waiting.
var ErrAlreadyQueued = errors.New("manual dose already queued")

// Request is a manual dose waiting for the next eligible tick.
type Request struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Time   int64  `json:"ts"`
}

// Queue is a persistent FIFO of manual dose requests. At most one request is
// pending at a time; the control loop serves it once the pump is idle.
type Queue struct {
	store storage.ObjectStore
	mu    sync.Mutex
}

func NewQueue(store storage.ObjectStore) (*Queue, error) {
	if err := store.CreateBucket(queueBucket); err != nil {
		return nil, err
	}
	return &Queue{store: store}, nil
}

// Add enqueues a request unless one is already pending.
func (q *Queue) Add(source string, now time.Time) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.list()
	if err != nil {
		return Request{}, err
	}
	if len(pending) > 0 {
		return Request{}, fmt.Errorf("%w (id %s)", ErrAlreadyQueued, pending[0].ID)
	}

	req := Request{Source: source, Time: now.Unix()}
	fn := func(id string) interface{} {
		req.ID = id
		return &req
	}
	if err := q.store.Create(queueBucket, fn); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Cancel removes a pending request.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var r Request
	if err := q.store.Get(queueBucket, id, &r); err != nil {
		return fmt.Errorf("no queued request %s: %w", id, err)
	}
	return q.store.Delete(queueBucket, id)
}

// Peek returns the oldest request without removing it, or nil if there is
// none. The request stays queued until a dose succeeds.
func (q *Queue) Peek() (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.list()
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	return &pending[0], nil
}

// Clear drops every pending request and returns how many were dropped.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.list()
	if err != nil {
		return 0, err
	}
	for _, r := range pending {
		if err := q.store.Delete(queueBucket, r.ID); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// List returns all pending requests in FIFO order.
func (q *Queue) List() ([]Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list()
}

func (q *Queue) list() ([]Request, error) {
	reqs := []Request{}
	if err := q.store.List(queueBucket, func(_ string, v []byte) error {
		var r Request
		if err := json.Unmarshal(v, &r); err == nil {
			reqs = append(reqs, r)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	// oldest first; ids break ties inside the same second
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Time != reqs[j].Time {
			return reqs[i].Time < reqs[j].Time
		}
		a, _ := strconv.Atoi(reqs[i].ID)
		b, _ := strconv.Atoi(reqs[j].ID)
		return a < b
	})
	return reqs, nil
}
