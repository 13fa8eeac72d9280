package doser

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/codeponics/codeponics-pi/controller/storage"
)

// Journal keeps every fired dose in the store.
type Journal struct {
	store storage.ObjectStore
}

func NewJournal(store storage.ObjectStore) (*Journal, error) {
	if err := store.CreateBucket(eventsBucket); err != nil {
		return nil, err
	}
	return &Journal{store: store}, nil
}

// Record stores ev and sets its Key.
func (j *Journal) Record(ev *Event) error {
	return j.store.Create(eventsBucket, func(id string) interface{} {
		ev.Key = id
		return ev
	})
}

// MarkDelivered flags the event stored under key as accepted by the backend.
func (j *Journal) MarkDelivered(key string) error {
	var ev Event
	if err := j.store.Get(eventsBucket, key, &ev); err != nil {
		return err
	}
	ev.Delivered = true
	return j.store.Update(eventsBucket, key, &ev)
}

// List returns up to limit events, newest first. limit <= 0 returns all.
func (j *Journal) List(limit int) ([]Event, error) {
	events, err := j.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(a, b int) bool { return seq(events[a].Key) > seq(events[b].Key) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Compact deletes all but the newest keep events and returns how many it removed.
func (j *Journal) Compact(keep int) (int, error) {
	events, err := j.List(0)
	if err != nil {
		return 0, err
	}
	if len(events) <= keep {
		return 0, nil
	}
	removed := 0
	for _, ev := range events[keep:] {
		if err := j.store.Delete(eventsBucket, ev.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (j *Journal) all() ([]Event, error) {
	events := []Event{}
	err := j.store.List(eventsBucket, func(_ string, v []byte) error {
		var ev Event
		if err := json.Unmarshal(v, &ev); err == nil {
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func seq(key string) int {
	n, _ := strconv.Atoi(key)
	return n
}
