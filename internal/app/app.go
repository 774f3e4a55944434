// Package app assembles the long-lived components of one instance and runs
// their background loops.
package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"adega/backend/internal/device"
	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/inventory"
	"adega/backend/internal/kv"
	"adega/backend/internal/remote"
	"adega/backend/internal/seed"
	"adega/backend/internal/store"
	"adega/backend/internal/syncer"
)

var log = logrus.WithField("component", "app")

// Options selects the collaborators built by the caller.
type Options struct {
	KV       kv.Store
	Remote   remote.Store
	Listener remote.Listener
	// CloudHost backs the envelope endpoint this instance serves; nil
	// disables it.
	CloudHost    remote.Store
	SyncInterval time.Duration
	SeedOnEmpty  bool
	Now          func() time.Time
}

// App is the explicit application context shared by the service layer, the
// HTTP API and the command line tools.
type App struct {
	KV         kv.Store
	Bus        *events.Bus
	Store      *store.Store
	Reconciler *inventory.Reconciler
	Engine     *syncer.Engine
	CloudHost  remote.Store
	DeviceID   string

	listener remote.Listener
	now      func() time.Time
}

// New loads local data and the device identity. When storage is empty and
// SeedOnEmpty is set, the seed dataset is stored first.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.KV == nil {
		return nil, errors.New("app: key-value store is required")
	}
	if opts.Remote == nil {
		opts.Remote = remote.NewMemory()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	deviceID, err := device.Load(ctx, opts.KV)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	st := store.New(opts.KV, bus, store.WithClock(now))
	found, err := st.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load local data")
	}
	if !found && opts.SeedOnEmpty {
		// stamped at zero so any existing remote data wins the first sync
		if err := st.Replace(ctx, seed.Data(now()), 0); err != nil {
			return nil, errors.Wrap(err, "store seed data")
		}
		log.Info("local storage empty, seed data loaded")
	}

	engine := syncer.New(st, opts.KV, opts.Remote, bus, deviceID,
		syncer.WithInterval(opts.SyncInterval),
		syncer.WithClock(now),
	)
	if err := engine.Restore(ctx); err != nil {
		log.Warnf("restore sync status: %v", err)
	}

	a := &App{
		KV:         opts.KV,
		Bus:        bus,
		Store:      st,
		Reconciler: inventory.NewReconciler(st, bus),
		Engine:     engine,
		CloudHost:  opts.CloudHost,
		DeviceID:   deviceID,
		listener:   opts.Listener,
		now:        now,
	}
	log.WithFields(logrus.Fields{
		"device":   deviceID,
		"products": st.Products.Len(),
		"realtime": opts.Listener != nil,
	}).Info("application ready")
	return a, nil
}

// Run drives the sync loop, the inventory watcher and, when configured, the
// realtime listener until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Engine.Run(ctx)
	})
	g.Go(func() error {
		return a.Reconciler.Watch(ctx)
	})
	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Listen(ctx, func(env domain.SyncEnvelope) {
				if _, err := a.Engine.ApplyRealtime(ctx, env); err != nil {
					log.Warnf("apply realtime update: %v", err)
				}
			})
		})
	}
	return g.Wait()
}

// Reset clears local storage except the device identity and reloads the
// seed dataset. The new stamp is newer than anything seen so far, so the
// next cycle pushes the reset to the remote store.
func (a *App) Reset(ctx context.Context) error {
	return a.Store.Reset(ctx, seed.Data(a.now()))
}
