// Package syncer reconciles the local record store with the shared remote
// store using last-writer-wins on the lastModified stamp.
package syncer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/kv"
	"adega/backend/internal/remote"
	"adega/backend/internal/store"
)

var (
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrOffline           = errors.New("offline")
)

var log = logrus.WithField("component", "syncer")

const (
	MinInterval     = 15 * time.Second
	MaxInterval     = 30 * time.Second
	DefaultInterval = MaxInterval

	// staleAttempts bounds how often a cycle re-reads local data that kept
	// changing while it compared stamps.
	staleAttempts = 3
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Source tells where the data came from in the last successful cycle.
type Source string

const (
	SourceDownloaded    Source = "downloaded"
	SourceUploaded      Source = "uploaded"
	SourceAlreadySynced Source = "already-synced"
	SourceBootstrap     Source = "bootstrap"
	SourceRealtime      Source = "realtime"
)

type Reason string

const (
	ReasonStartup Reason = "startup"
	ReasonTimer   Reason = "timer"
	ReasonFocus   Reason = "focus"
	ReasonOnline  Reason = "online"
	ReasonManual  Reason = "manual"
)

func ParseReason(s string) (Reason, bool) {
	switch r := Reason(s); r {
	case ReasonFocus, ReasonOnline, ReasonManual:
		return r, true
	case "":
		return ReasonManual, true
	}
	return "", false
}

type Status struct {
	State        State      `json:"state"`
	Source       Source     `json:"source,omitempty"`
	Reason       Reason     `json:"reason,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	LastSync     *time.Time `json:"lastSync,omitempty"`
	LastModified int64      `json:"lastModified"`
	DeviceID     string     `json:"deviceId"`
	Online       bool       `json:"online"`
}

// Outcome describes one finished cycle.
type Outcome struct {
	Reason       Reason `json:"reason"`
	State        State  `json:"state"`
	Source       Source `json:"source,omitempty"`
	LastModified int64  `json:"lastModified"`
	Err          error  `json:"-"`
}

type Engine struct {
	store    *store.Store
	kv       kv.Store
	remote   remote.Store
	bus      *events.Bus
	deviceID string
	interval time.Duration
	now      func() time.Time

	inProgress atomic.Bool
	online     atomic.Bool
	triggers   chan Reason

	mu          sync.Mutex
	status      Status
	lastVersion int64
}

type Option func(*Engine)

// WithInterval sets the timer period, clamped to MinInterval..MaxInterval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.interval = ClampInterval(d)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

func New(s *store.Store, kvStore kv.Store, r remote.Store, bus *events.Bus, deviceID string, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		kv:       kvStore,
		remote:   r,
		bus:      bus,
		deviceID: deviceID,
		interval: DefaultInterval,
		now:      func() time.Time { return time.Now().UTC() },
		triggers: make(chan Reason, 1),
		status:   Status{State: StateIdle, DeviceID: deviceID},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.online.Store(true)
	return e
}

func (e *Engine) Interval() time.Duration {
	return e.interval
}

// Restore reads the last successful sync time persisted by a previous run.
func (e *Engine) Restore(ctx context.Context) error {
	raw, ok, err := e.kv.Get(ctx, store.KeyLastSync)
	if err != nil {
		return errors.Wrap(err, "read lastSync")
	}
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		log.Warnf("ignoring malformed lastSync %q", raw)
		return nil
	}
	at := time.UnixMilli(ms).UTC()
	e.mu.Lock()
	e.status.LastSync = &at
	e.mu.Unlock()
	return nil
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()

	st.LastModified = e.store.LastModified()
	st.Online = e.online.Load()
	return st
}

func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

// SetOnline records the network state. Going offline marks the engine
// offline unless a cycle is running; coming back online triggers a cycle.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	log.WithField("online", online).Info("network state changed")
	if !online {
		if !e.inProgress.Load() {
			e.setState(StateOffline, "", "", nil)
		}
		return
	}
	e.Trigger(ReasonOnline)
}

// Trigger asks the Run loop for a cycle. It reports false when the request
// was dropped because a cycle is running or another request is pending.
func (e *Engine) Trigger(reason Reason) bool {
	if e.inProgress.Load() {
		return false
	}
	select {
	case e.triggers <- reason:
		return true
	default:
		return false
	}
}

// Run performs a cycle at startup, on every tick and on every trigger until
// ctx is done. Cycles already started finish before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	start := func(reason Reason) {
		if e.inProgress.Load() {
			log.WithField("reason", reason).Debug("sync already running, dropping trigger")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Sync(context.WithoutCancel(ctx), reason)
		}()
	}

	log.WithField("interval", e.interval).Info("sync loop started")
	start(ReasonStartup)
	for {
		select {
		case <-ctx.Done():
			log.Info("sync loop stopped")
			return nil
		case <-ticker.C:
			start(ReasonTimer)
		case reason := <-e.triggers:
			start(reason)
		}
	}
}

// Sync runs one cycle. It reports false, with a zero Outcome, when another
// cycle was already in flight.
func (e *Engine) Sync(ctx context.Context, reason Reason) (Outcome, bool) {
	if !e.inProgress.CompareAndSwap(false, true) {
		return Outcome{}, false
	}
	defer e.inProgress.Store(false)

	out := e.cycle(ctx, reason)
	entry := log.WithFields(logrus.Fields{
		"reason": reason,
		"state":  out.State,
		"source": out.Source,
	})
	if out.Err != nil && out.State == StateError {
		entry.Warnf("sync failed: %v", out.Err)
	} else {
		entry.Debug("sync finished")
	}
	return out, true
}

func (e *Engine) cycle(ctx context.Context, reason Reason) Outcome {
	out := Outcome{Reason: reason}

	if !e.online.Load() {
		out.State = StateOffline
		out.Err = ErrOffline
		e.setState(StateOffline, "", reason, nil)
		return out
	}
	e.setState(StateSyncing, "", reason, nil)

	data, localStamp := e.store.Snapshot()
	out.LastModified = localStamp

	remoteEnv, err := e.remote.Fetch(ctx)
	if err != nil {
		return e.fail(out, errors.Wrapf(ErrRemoteUnavailable, "fetch: %v", err))
	}

	for attempt := 1; ; attempt++ {
		source, err := e.reconcile(ctx, remoteEnv, data, localStamp)
		if errors.Is(err, store.ErrStale) && attempt < staleAttempts {
			log.WithField("attempt", attempt).Debug("local data changed during fetch, comparing again")
			data, localStamp = e.store.Snapshot()
			out.LastModified = localStamp
			continue
		}
		if err != nil {
			return e.fail(out, err)
		}
		out.Source = source
		if source == SourceDownloaded {
			out.LastModified = remoteEnv.LastModified
		}
		break
	}

	e.markSynced(ctx)
	out.State = StateSynced
	e.setState(StateSynced, out.Source, reason, nil)
	return out
}

// ApplyRealtime handles an envelope announced on the realtime channel. Our
// own echoes and envelopes that are not newer than local data are ignored,
// as are envelopes arriving while a cycle runs or racing a local write. It
// reports whether local data was replaced.
func (e *Engine) ApplyRealtime(ctx context.Context, env domain.SyncEnvelope) (bool, error) {
	if env.DeviceID == e.deviceID {
		return false, nil
	}
	local := e.store.LastModified()
	if env.LastModified <= local {
		return false, nil
	}
	if !e.inProgress.CompareAndSwap(false, true) {
		log.Debug("realtime update arrived during a cycle, leaving it to the next one")
		return false, nil
	}
	defer e.inProgress.Store(false)

	e.bus.Publish(events.Event{Topic: events.TopicRealtime, Source: env.DeviceID, Payload: env.LastModified})
	if err := e.pull(ctx, env, SourceRealtime, local); err != nil {
		if errors.Is(err, store.ErrStale) {
			log.Debug("local data changed before the realtime update applied, leaving it to the next cycle")
			return false, nil
		}
		e.setState(StateError, "", "", err)
		return false, err
	}
	e.markSynced(ctx)
	e.setState(StateSynced, SourceRealtime, "", nil)
	log.WithField("from", env.DeviceID).Info("realtime update applied")
	return true, nil
}

// reconcile moves data in the direction the stamps point to. localStamp is
// the stamp data was read at; a pull fails with store.ErrStale when local
// data moved on since.
func (e *Engine) reconcile(ctx context.Context, remoteEnv *domain.SyncEnvelope, data domain.Dataset, localStamp int64) (Source, error) {
	switch {
	case remoteEnv == nil:
		return SourceBootstrap, e.push(ctx, data, localStamp)
	case remoteEnv.LastModified > localStamp:
		return SourceDownloaded, e.pull(ctx, *remoteEnv, SourceDownloaded, localStamp)
	case remoteEnv.LastModified < localStamp:
		return SourceUploaded, e.push(ctx, data, localStamp)
	}
	return SourceAlreadySynced, nil
}

func (e *Engine) push(ctx context.Context, data domain.Dataset, stamp int64) error {
	env := domain.SyncEnvelope{
		Data:         data,
		LastModified: stamp,
		DeviceID:     e.deviceID,
		Version:      e.nextVersion(),
	}
	if err := e.remote.Push(ctx, env); err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "push: %v", err)
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, env domain.SyncEnvelope, source Source, expected int64) error {
	if err := e.store.ReplaceIf(ctx, env.Data, env.LastModified, expected); err != nil {
		return errors.Wrap(err, "apply remote data")
	}
	e.bus.Publish(events.Event{
		Topic:   events.TopicDataChanged,
		Action:  events.ActionReplaced,
		Source:  string(source),
		Payload: env.LastModified,
	})
	return nil
}

func (e *Engine) fail(out Outcome, err error) Outcome {
	out.State = StateError
	out.Err = err
	e.setState(StateError, "", out.Reason, err)
	return out
}

// nextVersion returns a strictly increasing wall-clock based version.
func (e *Engine) nextVersion() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.now().UnixMilli()
	if v <= e.lastVersion {
		v = e.lastVersion + 1
	}
	e.lastVersion = v
	return v
}

func (e *Engine) markSynced(ctx context.Context) {
	at := e.now()
	if err := e.kv.Set(ctx, store.KeyLastSync, []byte(strconv.FormatInt(at.UnixMilli(), 10))); err != nil {
		log.Warnf("persist lastSync: %v", err)
	}
	e.mu.Lock()
	e.status.LastSync = &at
	e.mu.Unlock()
}

func (e *Engine) setState(state State, source Source, reason Reason, err error) {
	e.mu.Lock()
	e.status.State = state
	if source != "" {
		e.status.Source = source
	}
	if reason != "" {
		e.status.Reason = reason
	}
	if err != nil {
		e.status.LastError = err.Error()
	} else if state == StateSynced {
		e.status.LastError = ""
	}
	e.mu.Unlock()

	e.bus.Publish(events.Event{Topic: events.TopicSyncStatus, Action: string(state), Payload: e.Status()})
}
