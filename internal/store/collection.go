package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/xid"
)

// Entity is satisfied by a pointer to any record embedding domain.Meta.
type Entity[T any] interface {
	*T
	Base() *domain.Meta
}

type IDPolicy int

const (
	// SequentialIDs assigns max(existing)+1.
	SequentialIDs IDPolicy = iota
	// TimestampIDs assigns the creation time in Unix milliseconds, used for
	// high-churn records such as sales.
	TimestampIDs
)

// Collection is an ordered list of records, newest first.
type Collection[T any, P Entity[T]] struct {
	s     *Store
	name  string
	topic events.Topic
	ids   IDPolicy
	items []T
}

func newCollection[T any, P Entity[T]](s *Store, name string, topic events.Topic, ids IDPolicy) *Collection[T, P] {
	return &Collection[T, P]{s: s, name: name, topic: topic, ids: ids, items: []T{}}
}

func (c *Collection[T, P]) Name() string {
	return c.name
}

func (c *Collection[T, P]) All() []T {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.copyItems()
}

func (c *Collection[T, P]) Len() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return len(c.items)
}

func (c *Collection[T, P]) Get(id int64) (T, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	idx := c.indexOf(id)
	if idx < 0 {
		var zero T
		return zero, errors.Wrapf(ErrNotFound, "%s %d", c.name, id)
	}
	return c.items[idx], nil
}

// Find returns the first record matching pred.
func (c *Collection[T, P]) Find(pred func(T) bool) (T, bool) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for _, item := range c.items {
		if pred(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Create assigns an id and timestamps to item, stores it at the front and
// returns the stored copy. Any id or timestamps set by the caller are
// overwritten.
func (c *Collection[T, P]) Create(ctx context.Context, item T) (T, error) {
	return c.CreateIf(ctx, item, nil)
}

// CreateIf is Create with a check run under the store lock against a copy of
// the current records. check may fill in fields of item before it is stored;
// an error from check aborts the create.
func (c *Collection[T, P]) CreateIf(ctx context.Context, item T, check func(existing []T, item P) error) (T, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var zero T
	if check != nil {
		if err := check(c.copyItems(), P(&item)); err != nil {
			return zero, err
		}
	}

	now := c.s.now()
	meta := P(&item).Base()
	meta.ID = c.nextIDLocked(now, c.items)
	meta.CreatedAt = now
	meta.UpdatedAt = now

	next := make([]T, 0, len(c.items)+1)
	next = append(next, item)
	next = append(next, c.items...)
	if err := c.saveLocked(ctx, next); err != nil {
		return zero, err
	}

	c.s.bus.Publish(events.Event{Topic: c.topic, Action: events.ActionCreated, RecordID: meta.ID})
	return item, nil
}

// Update applies patch to a copy of the record with the given id. The id and
// createdAt survive whatever patch does; updatedAt is stamped by the store.
// An error from patch aborts the update.
func (c *Collection[T, P]) Update(ctx context.Context, id int64, patch func(P) error) (T, error) {
	return c.UpdateIf(ctx, id, func(_ []T, item P) error { return patch(item) })
}

// UpdateIf is Update with patch also seeing a copy of the current records,
// for checks that span the collection.
func (c *Collection[T, P]) UpdateIf(ctx context.Context, id int64, patch func(existing []T, item P) error) (T, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	var zero T
	idx := c.indexOf(id)
	if idx < 0 {
		return zero, errors.Wrapf(ErrNotFound, "%s %d", c.name, id)
	}

	current := c.items[idx]
	original := *P(&current).Base()
	if err := patch(c.copyItems(), P(&current)); err != nil {
		return zero, err
	}

	meta := P(&current).Base()
	meta.ID = original.ID
	meta.CreatedAt = original.CreatedAt
	meta.UpdatedAt = laterThan(c.s.now(), original.UpdatedAt)

	next := c.copyItems()
	next[idx] = current
	if err := c.saveLocked(ctx, next); err != nil {
		return zero, err
	}

	c.s.bus.Publish(events.Event{Topic: c.topic, Action: events.ActionUpdated, RecordID: id})
	return current, nil
}

// Delete removes the record with the given id. Deleting an unknown id is a
// no-op and reports false.
func (c *Collection[T, P]) Delete(ctx context.Context, id int64) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	idx := c.indexOf(id)
	if idx < 0 {
		return false, nil
	}

	next := make([]T, 0, len(c.items)-1)
	next = append(next, c.items[:idx]...)
	next = append(next, c.items[idx+1:]...)
	if err := c.saveLocked(ctx, next); err != nil {
		return false, err
	}

	c.s.bus.Publish(events.Event{Topic: c.topic, Action: events.ActionDeleted, RecordID: id})
	return true, nil
}

// Batch hands a copy of the collection to fn and persists what it returns as
// a single write. fn reports whether anything changed; when it did not, or
// when it fails, the collection is left as it was. Records returned with a
// zero id are treated as new and get an id and timestamps; fn is expected to
// set UpdatedAt to the supplied now on records it modifies.
func (c *Collection[T, P]) Batch(ctx context.Context, fn func(items []T, now time.Time) ([]T, bool, error)) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	now := c.s.now()
	next, changed, err := fn(c.copyItems(), now)
	if err != nil || !changed {
		return err
	}

	previous := make(map[int64]time.Time, len(c.items))
	for i := range c.items {
		meta := P(&c.items[i]).Base()
		previous[meta.ID] = meta.UpdatedAt
	}

	highest := c.highestID(next)
	for i := range next {
		meta := P(&next[i]).Base()
		if meta.ID != 0 {
			if prev, ok := previous[meta.ID]; ok && !meta.UpdatedAt.Equal(prev) && !meta.UpdatedAt.After(prev) {
				meta.UpdatedAt = laterThan(now, prev)
			}
			continue
		}
		meta.ID = c.idAfter(now, highest)
		meta.CreatedAt = now
		meta.UpdatedAt = now
		highest = meta.ID
	}
	if err := c.saveLocked(ctx, next); err != nil {
		return err
	}

	c.s.bus.Publish(events.Event{Topic: c.topic, Action: events.ActionReplaced})
	return nil
}

func (c *Collection[T, P]) saveLocked(ctx context.Context, next []T) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return errors.Wrapf(err, "encode %s", c.name)
	}
	if err := c.s.commitLocked(ctx, map[string][]byte{c.name: raw}); err != nil {
		return errors.Wrapf(err, "save %s", c.name)
	}
	c.items = next
	return nil
}

func (c *Collection[T, P]) load(ctx context.Context) (bool, error) {
	raw, ok, err := c.s.kv.Get(ctx, c.name)
	if err != nil {
		return false, errors.Wrapf(err, "load %s", c.name)
	}
	if !ok {
		return false, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return false, errors.Wrapf(err, "decode %s", c.name)
	}
	c.items = nonNil(items)
	return true, nil
}

func (c *Collection[T, P]) nextIDLocked(now time.Time, items []T) int64 {
	return c.idAfter(now, c.highestID(items))
}

func (c *Collection[T, P]) idAfter(now time.Time, highest int64) int64 {
	if c.ids == TimestampIDs {
		return xid.Timestamp(now, highest)
	}
	return highest + 1
}

func (c *Collection[T, P]) highestID(items []T) int64 {
	var highest int64
	for i := range items {
		if id := P(&items[i]).Base().ID; id > highest {
			highest = id
		}
	}
	return highest
}

func (c *Collection[T, P]) indexOf(id int64) int {
	for i := range c.items {
		if P(&c.items[i]).Base().ID == id {
			return i
		}
	}
	return -1
}

func (c *Collection[T, P]) copyItems() []T {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func laterThan(now time.Time, prev time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}
