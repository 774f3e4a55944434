// Package remote defines the shared store that every instance synchronises
// against, plus in-process implementations of it.
package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"adega/backend/internal/domain"
	"adega/backend/internal/kv"
)

// Store holds a single envelope shared by every device.
type Store interface {
	// Fetch returns the current envelope, or nil when nothing was pushed yet.
	Fetch(ctx context.Context) (*domain.SyncEnvelope, error)
	Push(ctx context.Context, env domain.SyncEnvelope) error
}

// Listener delivers envelopes pushed by any device as they arrive. Listen
// blocks until ctx is done or the channel fails for good.
type Listener interface {
	Listen(ctx context.Context, fn func(domain.SyncEnvelope)) error
}

// Memory is a Store and Listener kept in process memory.
type Memory struct {
	mu      sync.Mutex
	env     *domain.SyncEnvelope
	pushes  int
	fetches int
	nextSub int
	subs    map[int]chan domain.SyncEnvelope

	// FetchErr and PushErr, when set, are returned instead of doing the call.
	FetchErr error
	PushErr  error
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan domain.SyncEnvelope)}
}

func (m *Memory) Fetch(_ context.Context) (*domain.SyncEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	if m.env == nil {
		return nil, nil
	}
	return clone(*m.env)
}

func (m *Memory) Push(_ context.Context, env domain.SyncEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PushErr != nil {
		return m.PushErr
	}
	stored, err := clone(env)
	if err != nil {
		return err
	}
	m.env = stored
	m.pushes++
	for _, ch := range m.subs {
		select {
		case ch <- *stored:
		default:
		}
	}
	return nil
}

func (m *Memory) Listen(ctx context.Context, fn func(domain.SyncEnvelope)) error {
	ch := make(chan domain.SyncEnvelope, 4)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-ch:
			fn(env)
		}
	}
}

// Pushes reports how many envelopes were stored.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Listeners reports how many Listen calls are active.
func (m *Memory) Listeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// clone deep-copies through JSON so callers never share slices with the
// stored envelope.
func clone(env domain.SyncEnvelope) (*domain.SyncEnvelope, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	var out domain.SyncEnvelope
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &out, nil
}

const envelopeKey = "envelope"

// KVStore keeps the envelope under a single key of a key-value store. It
// backs the cloud endpoint one instance can serve to others.
type KVStore struct {
	kv kv.Store
}

func NewKVStore(kvStore kv.Store) *KVStore {
	return &KVStore{kv: kvStore}
}

func (s *KVStore) Fetch(ctx context.Context) (*domain.SyncEnvelope, error) {
	raw, ok, err := s.kv.Get(ctx, envelopeKey)
	if err != nil {
		return nil, errors.Wrap(err, "read envelope")
	}
	if !ok {
		return nil, nil
	}
	var env domain.SyncEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &env, nil
}

func (s *KVStore) Push(ctx context.Context, env domain.SyncEnvelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return errors.Wrap(s.kv.Set(ctx, envelopeKey, raw), "write envelope")
}
