package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/kv"
	"adega/backend/internal/remote"
	"adega/backend/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	kv     *kv.Memory
	bus    *events.Bus
	store  *store.Store
	remote *remote.Memory
	engine *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		kv:     kv.NewMemory(kv.DefaultPrefix),
		bus:    events.NewBus(),
		remote: remote.NewMemory(),
	}
	h.store = store.New(h.kv, h.bus)
	h.engine = New(h.store, h.kv, h.remote, h.bus, "device_local", opts...)
	return h
}

func (h *harness) addCustomer(t *testing.T, name string) {
	t.Helper()
	_, err := h.store.Customers.Create(context.Background(), domain.Customer{Name: name})
	require.NoError(t, err)
}

func remoteEnvelope(stamp int64, names ...string) domain.SyncEnvelope {
	env := domain.SyncEnvelope{LastModified: stamp, DeviceID: "device_other", Version: stamp}
	for i, name := range names {
		env.Data.Customers = append(env.Data.Customers, domain.Customer{
			Meta: domain.Meta{ID: int64(i + 1), CreatedAt: time.UnixMilli(stamp).UTC(), UpdatedAt: time.UnixMilli(stamp).UTC()},
			Name: name,
		})
	}
	return env
}

func TestOfflineSkipsRemote(t *testing.T) {
	h := newHarness(t)
	h.engine.SetOnline(false)

	out, ran := h.engine.Sync(context.Background(), ReasonManual)
	require.True(t, ran)
	assert.Equal(t, StateOffline, out.State)
	assert.True(t, errors.Is(out.Err, ErrOffline))
	assert.Zero(t, h.remote.Fetches())
	assert.Equal(t, StateOffline, h.engine.Status().State)
}

func TestBootstrapPushesWhenRemoteEmpty(t *testing.T) {
	h := newHarness(t)
	h.addCustomer(t, "Ana")

	out, ran := h.engine.Sync(context.Background(), ReasonStartup)
	require.True(t, ran)
	assert.Equal(t, StateSynced, out.State)
	assert.Equal(t, SourceBootstrap, out.Source)
	require.Equal(t, 1, h.remote.Pushes())

	env, err := h.remote.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.store.LastModified(), env.LastModified)
	assert.Equal(t, "device_local", env.DeviceID)
	assert.Equal(t, "Ana", env.Data.Customers[0].Name)
}

func TestRemoteNewerPullsWithoutPushing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addCustomer(t, "local edit")
	changed, cancel := h.bus.Subscribe(4, events.TopicDataChanged)
	defer cancel()

	env := remoteEnvelope(h.store.LastModified()+5000, "Remote A", "Remote B")
	require.NoError(t, h.remote.Push(ctx, env))
	pushesBefore := h.remote.Pushes()

	out, ran := h.engine.Sync(ctx, ReasonTimer)
	require.True(t, ran)
	require.NoError(t, out.Err)
	assert.Equal(t, SourceDownloaded, out.Source)
	assert.Equal(t, pushesBefore, h.remote.Pushes(), "a pull must not push in the same cycle")

	data, stamp := h.store.Snapshot()
	assert.Equal(t, env.LastModified, stamp)
	assert.Equal(t, env.Data.Customers, data.Customers)
	assert.Empty(t, data.Products)

	select {
	case ev := <-changed:
		assert.Equal(t, string(SourceDownloaded), ev.Source)
	default:
		t.Fatal("expected a data changed event")
	}
}

func TestLocalNewerPushes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.remote.Push(ctx, remoteEnvelope(1, "stale")))
	h.addCustomer(t, "fresh")

	out, _ := h.engine.Sync(ctx, ReasonManual)
	assert.Equal(t, SourceUploaded, out.Source)

	env, err := h.remote.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.store.LastModified(), env.LastModified)
	assert.Equal(t, "fresh", env.Data.Customers[0].Name)
}

func TestEqualStampsMoveNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addCustomer(t, "Ana")
	_, _ = h.engine.Sync(ctx, ReasonManual)
	pushes := h.remote.Pushes()
	stamp := h.store.LastModified()

	out, _ := h.engine.Sync(ctx, ReasonManual)
	assert.Equal(t, SourceAlreadySynced, out.Source)
	assert.Equal(t, StateSynced, out.State)
	assert.Equal(t, pushes, h.remote.Pushes())
	assert.Equal(t, stamp, h.store.LastModified())
}

func TestFetchErrorLeavesLocalDataAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addCustomer(t, "Ana")
	before, stamp := h.store.Snapshot()

	h.remote.FetchErr = errors.New("connection refused")
	out, _ := h.engine.Sync(ctx, ReasonTimer)
	assert.Equal(t, StateError, out.State)
	assert.True(t, errors.Is(out.Err, ErrRemoteUnavailable), "got %v", out.Err)

	after, afterStamp := h.store.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, stamp, afterStamp)

	st := h.engine.Status()
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Nil(t, st.LastSync)

	h.remote.FetchErr = nil
	out, _ = h.engine.Sync(ctx, ReasonTimer)
	assert.Equal(t, StateSynced, out.State)
	assert.Empty(t, h.engine.Status().LastError)
}

func TestPushErrorIsRemoteUnavailable(t *testing.T) {
	h := newHarness(t)
	h.addCustomer(t, "Ana")
	h.remote.PushErr = errors.New("timeout")

	out, _ := h.engine.Sync(context.Background(), ReasonTimer)
	assert.Equal(t, StateError, out.State)
	assert.True(t, errors.Is(out.Err, ErrRemoteUnavailable))
}

func TestSuccessfulCyclePersistsLastSync(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return at }))

	_, _ = h.engine.Sync(ctx, ReasonManual)
	require.NotNil(t, h.engine.Status().LastSync)
	assert.Equal(t, at, *h.engine.Status().LastSync)

	restored := New(h.store, h.kv, h.remote, h.bus, "device_local")
	require.NoError(t, restored.Restore(ctx))
	require.NotNil(t, restored.Status().LastSync)
	assert.Equal(t, at.UnixMilli(), restored.Status().LastSync.UnixMilli())
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return at }))

	var versions []int64
	for i := 0; i < 3; i++ {
		h.addCustomer(t, "c")
		_, _ = h.engine.Sync(ctx, ReasonManual)
		env, err := h.remote.Fetch(ctx)
		require.NoError(t, err)
		versions = append(versions, env.Version)
	}
	assert.Less(t, versions[0], versions[1])
	assert.Less(t, versions[1], versions[2])
}

// blockingRemote holds Fetch until release is closed.
type blockingRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Fetch(ctx context.Context) (*domain.SyncEnvelope, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Memory.Fetch(ctx)
}

func TestGuardDropsOverlappingCycles(t *testing.T) {
	h := newHarness(t)
	blocking := &blockingRemote{Memory: h.remote, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine = New(h.store, h.kv, blocking, h.bus, "device_local")

	done := make(chan Outcome)
	go func() {
		out, _ := h.engine.Sync(context.Background(), ReasonTimer)
		done <- out
	}()
	<-blocking.entered

	assert.True(t, h.engine.InProgress())
	_, ran := h.engine.Sync(context.Background(), ReasonFocus)
	assert.False(t, ran)
	assert.False(t, h.engine.Trigger(ReasonManual))
	assert.Equal(t, StateSyncing, h.engine.Status().State)

	close(blocking.release)
	out := <-done
	assert.Equal(t, StateSynced, out.State)
	assert.False(t, h.engine.InProgress())
}

func TestLocalEditDuringFetchIsPushedNotOverwritten(t *testing.T) {
	ctx := context.Background()
	var clock atomic.Int64
	clock.Store(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC).UnixMilli())

	h := newHarness(t)
	h.store = store.New(h.kv, h.bus, store.WithClock(func() time.Time { return time.UnixMilli(clock.Load()).UTC() }))
	h.addCustomer(t, "Ana")
	require.NoError(t, h.remote.Push(ctx, remoteEnvelope(h.store.LastModified()+5, "Remote Bob")))

	blocking := &blockingRemote{Memory: h.remote, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine = New(h.store, h.kv, blocking, h.bus, "device_local")

	done := make(chan Outcome, 1)
	go func() {
		out, _ := h.engine.Sync(ctx, ReasonTimer)
		done <- out
	}()
	<-blocking.entered

	clock.Add(10_000)
	h.addCustomer(t, "Carla")
	edited := h.store.LastModified()
	close(blocking.release)
	out := <-done

	require.NoError(t, out.Err)
	assert.Equal(t, SourceUploaded, out.Source)
	assert.Equal(t, edited, out.LastModified)
	assert.Equal(t, edited, h.store.LastModified(), "the local stamp must not move backwards")

	var names []string
	for _, c := range h.store.Customers.All() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Carla", "Ana"}, names)

	env, err := h.remote.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, edited, env.LastModified)
	assert.Len(t, env.Data.Customers, 2)
}

func TestApplyRealtime(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addCustomer(t, "local")
	stamp := h.store.LastModified()
	realtime, cancel := h.bus.Subscribe(4, events.TopicRealtime)
	defer cancel()

	own := remoteEnvelope(stamp+10, "echo")
	own.DeviceID = "device_local"
	applied, err := h.engine.ApplyRealtime(ctx, own)
	require.NoError(t, err)
	assert.False(t, applied, "own echoes are ignored")

	older := remoteEnvelope(stamp-1, "old")
	applied, err = h.engine.ApplyRealtime(ctx, older)
	require.NoError(t, err)
	assert.False(t, applied)

	newer := remoteEnvelope(stamp+10, "from another device")
	applied, err = h.engine.ApplyRealtime(ctx, newer)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, newer.Data.Customers, h.store.Customers.All())
	assert.Equal(t, newer.LastModified, h.store.LastModified())
	assert.Equal(t, SourceRealtime, h.engine.Status().Source)
	assert.Len(t, realtime, 1)
}

func TestSetOnlineTriggersCycle(t *testing.T) {
	h := newHarness(t)
	h.engine.SetOnline(false)
	assert.Equal(t, StateOffline, h.engine.Status().State)
	assert.False(t, h.engine.Status().Online)

	h.engine.SetOnline(true)
	select {
	case reason := <-h.engine.triggers:
		assert.Equal(t, ReasonOnline, reason)
	default:
		t.Fatal("coming online should queue a cycle")
	}
}

func TestRunSyncsOnStartupAndTrigger(t *testing.T) {
	h := newHarness(t)
	h.addCustomer(t, "Ana")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.remote.Pushes() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.addCustomer(t, "Bia")
	require.Eventually(t, func() bool {
		return !h.engine.InProgress() && h.engine.Trigger(ReasonManual)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.remote.Pushes() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, ClampInterval(0))
	assert.Equal(t, MinInterval, ClampInterval(time.Second))
	assert.Equal(t, MaxInterval, ClampInterval(time.Hour))
	assert.Equal(t, 20*time.Second, ClampInterval(20*time.Second))
	assert.Equal(t, 20*time.Second, New(nil, nil, nil, nil, "", WithInterval(20*time.Second)).Interval())
}

func TestParseReason(t *testing.T) {
	r, ok := ParseReason("focus")
	assert.True(t, ok)
	assert.Equal(t, ReasonFocus, r)
	r, ok = ParseReason("")
	assert.True(t, ok)
	assert.Equal(t, ReasonManual, r)
	_, ok = ParseReason("timer")
	assert.False(t, ok)
}
