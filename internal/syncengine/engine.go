// Package syncengine drains the operation queue against the remote API.
package syncengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/connectivity"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is the engine's drain state.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Trigger names what started a drain cycle.
type Trigger string

const (
	TriggerForce     Trigger = "force"
	TriggerTimer     Trigger = "timer"
	TriggerReconnect Trigger = "reconnect"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 5 * time.Minute

	drainFlightKey = "drain"

	settingsOwner       = "device"
	settingLastSyncTime = "sync.last_sync_time"
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingQueue  = errors.New("queue is required")
	errMissingRemote = errors.New("remote api is required")
)

// Status is the derived snapshot broadcast to subscribers.
type Status struct {
	IsOnline          bool       `json:"isOnline"`
	IsSyncing         bool       `json:"isSyncing"`
	State             State      `json:"state"`
	PendingOperations int64      `json:"pendingOperations"`
	FailedOperations  int64      `json:"failedOperations"`
	LastSyncTime      *time.Time `json:"lastSyncTime,omitempty"`
}

// Result summarizes one drain cycle.
type Result struct {
	Trigger   Trigger `json:"trigger"`
	Skipped   bool    `json:"skipped"`
	Attempted int     `json:"attempted"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Conflicts int     `json:"conflicts"`
	Deferred  int     `json:"deferred"`
}

// HasFailures reports whether the cycle ended Idle-with-Failures.
func (r Result) HasFailures() bool {
	return r.Failed > 0
}

// Config wires the engine's collaborators.
type Config struct {
	Store       *store.Store
	Queue       *queue.Queue
	Remote      remote.API
	Monitor     *connectivity.Monitor
	Metrics     *metrics.Metrics
	Clock       func() time.Time
	Logger      *zap.Logger
	Interval    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Engine reconciles queued operations with the remote, one cycle at a time.
type Engine struct {
	store       *store.Store
	queue       *queue.Queue
	remote      remote.API
	monitor     *connectivity.Monitor
	metrics     *metrics.Metrics
	clock       func() time.Time
	logger      *zap.Logger
	interval    time.Duration
	backoffBase time.Duration
	backoffMax  time.Duration

	flight     singleflight.Group
	draining   atomic.Bool
	dispatcher *statusDispatcher

	mu           sync.Mutex
	lastSyncTime *time.Time
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	if backoffMax < backoffBase {
		backoffMax = backoffBase
	}
	return &Engine{
		store:       cfg.Store,
		queue:       cfg.Queue,
		remote:      cfg.Remote,
		monitor:     cfg.Monitor,
		metrics:     cfg.Metrics,
		clock:       clock,
		logger:      logger,
		interval:    interval,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		dispatcher:  newStatusDispatcher(),
	}, nil
}

// Drain forces a drain cycle. Concurrent callers share the in-flight cycle.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	return e.drain(ctx, TriggerForce)
}

func (e *Engine) drain(ctx context.Context, trigger Trigger) (Result, error) {
	value, err, shared := e.flight.Do(drainFlightKey, func() (any, error) {
		return e.runCycle(ctx, trigger)
	})
	if shared {
		e.logger.Debug("drain joined in-flight cycle", zap.String("trigger", string(trigger)))
	}
	result, _ := value.(Result)
	return result, err
}

// Run drives periodic and reconnect-triggered drains until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.restoreLastSyncTime(ctx)

	var workers sync.WaitGroup
	background := func(trigger Trigger) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if _, err := e.drain(ctx, trigger); err != nil && ctx.Err() == nil {
				e.logger.Warn("drain cycle failed", zap.String("trigger", string(trigger)), zap.Error(err))
			}
		}()
	}

	if e.monitor != nil {
		dispose := e.monitor.Subscribe(func(online bool) {
			e.metrics.SetOnline(online)
			if online {
				background(TriggerReconnect)
				return
			}
			e.Notify(ctx)
		})
		defer dispose()
		e.metrics.SetOnline(e.monitor.Online())
	}

	e.Notify(ctx)
	background(TriggerTimer)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			workers.Wait()
			return nil
		case <-ticker.C:
			background(TriggerTimer)
		}
	}
}

// State reports whether a cycle is running.
func (e *Engine) State() State {
	if e.draining.Load() {
		return StateDraining
	}
	return StateIdle
}

// Status rebuilds the snapshot from the queue and the monitor.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	failed, err := e.queue.FailedCount(ctx)
	if err != nil {
		return Status{}, err
	}
	state := e.State()
	status := Status{
		IsOnline:          e.online(),
		IsSyncing:         state == StateDraining,
		State:             state,
		PendingOperations: pending,
		FailedOperations:  failed,
	}
	e.mu.Lock()
	if e.lastSyncTime != nil {
		lastSync := *e.lastSyncTime
		status.LastSyncTime = &lastSync
	}
	e.mu.Unlock()
	return status, nil
}

// Notify rebuilds and broadcasts the status. Callers that change the queue use it.
func (e *Engine) Notify(ctx context.Context) {
	status, err := e.Status(ctx)
	if err != nil {
		e.logger.Warn("status rebuild failed", zap.Error(err))
		return
	}
	e.metrics.SetQueueDepth(status.PendingOperations, status.FailedOperations)
	e.dispatcher.Publish(status)
}

// Subscribe streams status snapshots until ctx is done or the disposer is called.
// Slow readers only see the latest snapshot.
func (e *Engine) Subscribe(ctx context.Context) (<-chan Status, func()) {
	return e.dispatcher.Subscribe(ctx)
}

// OnStatus invokes listener for every snapshot on a dedicated goroutine and
// returns its disposer. The listener may call Drain.
func (e *Engine) OnStatus(listener func(Status)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	stream, cleanup := e.dispatcher.Subscribe(ctx)
	go func() {
		for status := range stream {
			listener(status)
		}
	}()
	return func() {
		cleanup()
		cancel()
	}
}

func (e *Engine) online() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.Online()
}

func (e *Engine) runCycle(ctx context.Context, trigger Trigger) (Result, error) {
	result := Result{Trigger: trigger}
	if !e.online() {
		result.Skipped = true
		e.logger.Debug("drain skipped while offline", zap.String("trigger", string(trigger)))
		e.Notify(ctx)
		return result, nil
	}

	e.draining.Store(true)
	started := e.clock()
	e.Notify(ctx)
	defer func() {
		e.draining.Store(false)
		e.metrics.ObserveDrain(string(trigger), result.HasFailures(), e.clock().Sub(started))
		e.Notify(context.WithoutCancel(ctx))
	}()

	operations, err := e.queue.List(ctx)
	if err != nil {
		return result, err
	}

	// Remote calls are not abortable once started; cancellation only stops new ones.
	callCtx := context.WithoutCancel(ctx)
	blocked := make(map[string]struct{})
	for _, operation := range operations {
		if ctx.Err() != nil || !e.online() {
			break
		}
		if trigger == TriggerTimer && !operation.Ready(e.clock()) {
			result.Deferred++
			continue
		}
		outcome := e.process(callCtx, operation, blocked)
		e.metrics.TrackOperation(string(operation.EntityType), string(operation.Kind), string(outcome))
		switch outcome {
		case outcomeSuccess:
			result.Attempted++
			result.Succeeded++
		case outcomeFailure:
			result.Attempted++
			result.Failed++
			blocked[blockKey(operation.EntityType, operation.EntityID)] = struct{}{}
		case outcomeConflict:
			result.Attempted++
			result.Conflicts++
		case outcomeDeferred:
			result.Deferred++
		}
	}

	if result.Succeeded > 0 {
		e.recordLastSync(callCtx)
	}
	e.logger.Info("drain cycle finished",
		zap.String("trigger", string(trigger)),
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("deferred", result.Deferred))
	return result, nil
}

func (e *Engine) recordLastSync(ctx context.Context) {
	now := e.clock().UTC()
	e.mu.Lock()
	e.lastSyncTime = &now
	e.mu.Unlock()
	if err := e.store.PutSetting(ctx, settingsOwner, settingLastSyncTime, now, store.ToMillis(now)); err != nil {
		e.logger.Warn("failed to persist last sync time", zap.Error(err))
	}
}

func (e *Engine) restoreLastSyncTime(ctx context.Context) {
	var stored time.Time
	if err := e.store.GetSetting(ctx, settingsOwner, settingLastSyncTime, &stored); err != nil {
		return
	}
	e.mu.Lock()
	if e.lastSyncTime == nil {
		e.lastSyncTime = &stored
	}
	e.mu.Unlock()
}

// backoffDelay doubles the base delay per prior retry, capped at the maximum.
func (e *Engine) backoffDelay(retryCount int) time.Duration {
	delay := e.backoffBase
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= e.backoffMax {
			return e.backoffMax
		}
	}
	return delay
}
