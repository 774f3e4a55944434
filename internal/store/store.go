package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/kv"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = domain.ErrInvalidInput
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
	// ErrStale reports that local data changed after the caller read the
	// stamp it based a decision on.
	ErrStale = errors.New("local data changed")
)

const (
	KeyLastModified = "lastModified"
	KeyLastSync     = "lastSync"
	KeyDeviceID     = "deviceId"
)

var log = logrus.WithField("component", "store")

// Store holds one collection per entity. Every mutation rewrites the whole
// collection to the key-value store and stamps lastModified.
type Store struct {
	mu           sync.Mutex
	kv           kv.Store
	bus          *events.Bus
	now          func() time.Time
	lastModified int64

	Products  *Collection[domain.Product, *domain.Product]
	Customers *Collection[domain.Customer, *domain.Customer]
	Sales     *Collection[domain.Sale, *domain.Sale]
	Inventory *Collection[domain.InventoryItem, *domain.InventoryItem]
	Purchases *Collection[domain.Purchase, *domain.Purchase]
	Suppliers *Collection[domain.Supplier, *domain.Supplier]
	Finance   *Collection[domain.FinanceEntry, *domain.FinanceEntry]
}

type Option func(*Store)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(kvStore kv.Store, bus *events.Bus, opts ...Option) *Store {
	s := &Store{
		kv:  kvStore,
		bus: bus,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Products = newCollection[domain.Product](s, "products", events.TopicProducts, SequentialIDs)
	s.Customers = newCollection[domain.Customer](s, "customers", events.TopicCustomers, SequentialIDs)
	s.Sales = newCollection[domain.Sale](s, "sales", events.TopicSales, TimestampIDs)
	s.Inventory = newCollection[domain.InventoryItem](s, "inventory", events.TopicInventory, SequentialIDs)
	s.Purchases = newCollection[domain.Purchase](s, "purchases", events.TopicPurchases, SequentialIDs)
	s.Suppliers = newCollection[domain.Supplier](s, "suppliers", events.TopicSuppliers, SequentialIDs)
	s.Finance = newCollection[domain.FinanceEntry](s, "finance", events.TopicFinance, SequentialIDs)
	return s
}

// Load reads every collection and the lastModified stamp from the key-value
// store. It reports whether any collection was found.
func (s *Store) Load(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	loaders := []func(context.Context) (bool, error){
		s.Products.load, s.Customers.load, s.Sales.load, s.Inventory.load,
		s.Purchases.load, s.Suppliers.load, s.Finance.load,
	}
	for _, load := range loaders {
		ok, err := load(ctx)
		if err != nil {
			return false, err
		}
		found = found || ok
	}

	raw, ok, err := s.kv.Get(ctx, KeyLastModified)
	if err != nil {
		return false, errors.Wrap(err, "load lastModified")
	}
	if ok {
		stamp, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			log.Warnf("ignoring malformed lastModified %q: %v", raw, err)
		} else {
			s.lastModified = stamp
		}
	}
	return found, nil
}

// Now is the clock used to stamp records.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) LastModified() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastModified
}

// Snapshot copies every collection together with the lastModified stamp
// they correspond to.
func (s *Store) Snapshot() (domain.Dataset, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.Dataset{
		Products:  s.Products.copyItems(),
		Customers: s.Customers.copyItems(),
		Sales:     s.Sales.copyItems(),
		Inventory: s.Inventory.copyItems(),
		Purchases: s.Purchases.copyItems(),
		Suppliers: s.Suppliers.copyItems(),
		Finance:   s.Finance.copyItems(),
	}, s.lastModified
}

// Replace overwrites every collection with data and adopts lastModified as
// the local stamp. Nothing changes in memory unless the write succeeds.
func (s *Store) Replace(ctx context.Context, data domain.Dataset, lastModified int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceLocked(ctx, data, lastModified)
}

// ReplaceIf is Replace for callers that decided to replace local data after
// reading the stamp expected. It fails with ErrStale, leaving local data as
// it is, when anything was written since.
func (s *Store) ReplaceIf(ctx context.Context, data domain.Dataset, lastModified, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastModified != expected {
		return errors.Wrapf(ErrStale, "local stamp is %d, expected %d", s.lastModified, expected)
	}
	return s.replaceLocked(ctx, data, lastModified)
}

func (s *Store) replaceLocked(ctx context.Context, data domain.Dataset, lastModified int64) error {
	products, customers, sales := nonNil(data.Products), nonNil(data.Customers), nonNil(data.Sales)
	inventory, purchases := nonNil(data.Inventory), nonNil(data.Purchases)
	suppliers, finance := nonNil(data.Suppliers), nonNil(data.Finance)
	steps := []struct {
		name  string
		items any
		apply func()
	}{
		{s.Products.name, products, func() { s.Products.items = products }},
		{s.Customers.name, customers, func() { s.Customers.items = customers }},
		{s.Sales.name, sales, func() { s.Sales.items = sales }},
		{s.Inventory.name, inventory, func() { s.Inventory.items = inventory }},
		{s.Purchases.name, purchases, func() { s.Purchases.items = purchases }},
		{s.Suppliers.name, suppliers, func() { s.Suppliers.items = suppliers }},
		{s.Finance.name, finance, func() { s.Finance.items = finance }},
	}

	entries := make(map[string][]byte, len(steps)+1)
	for _, st := range steps {
		raw, err := json.Marshal(st.items)
		if err != nil {
			return errors.Wrapf(err, "encode %s", st.name)
		}
		entries[st.name] = raw
	}
	entries[KeyLastModified] = []byte(strconv.FormatInt(lastModified, 10))

	if err := s.kv.SetMany(ctx, entries); err != nil {
		return errors.Wrap(err, "persist replaced collections")
	}
	for _, st := range steps {
		st.apply()
	}
	s.lastModified = lastModified

	for _, topic := range []events.Topic{
		events.TopicProducts, events.TopicCustomers, events.TopicSales, events.TopicInventory,
		events.TopicPurchases, events.TopicSuppliers, events.TopicFinance,
	} {
		s.bus.Publish(events.Event{Topic: topic, Action: events.ActionReplaced})
	}
	return nil
}

// Reset deletes every persisted collection and metadata key except the
// device identity, then stores seed as fresh data.
func (s *Store) Reset(ctx context.Context, seed domain.Dataset) error {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "list keys for reset")
	}
	doomed := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != KeyDeviceID {
			doomed = append(doomed, key)
		}
	}
	if err := s.kv.Delete(ctx, doomed...); err != nil {
		return errors.Wrap(err, "clear storage")
	}

	if err := s.Replace(ctx, seed, s.stamp()); err != nil {
		return err
	}
	s.bus.Publish(events.Event{Topic: events.TopicReset})
	log.WithField("keys", len(doomed)).Info("local data reset to seed")
	return nil
}

func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStampLocked()
}

// nextStampLocked returns a lastModified value strictly greater than the
// current one.
func (s *Store) nextStampLocked() int64 {
	stamp := s.now().UnixMilli()
	if stamp <= s.lastModified {
		stamp = s.lastModified + 1
	}
	return stamp
}

// commitLocked persists entries plus a fresh lastModified stamp.
func (s *Store) commitLocked(ctx context.Context, entries map[string][]byte) error {
	stamp := s.nextStampLocked()
	entries[KeyLastModified] = []byte(strconv.FormatInt(stamp, 10))
	if err := s.kv.SetMany(ctx, entries); err != nil {
		return errors.Wrap(err, "persist collection")
	}
	s.lastModified = stamp
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
