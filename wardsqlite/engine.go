// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package wardsqlite implements the client side of wardsync offline-first
// record synchronization: a durable SQLite-backed queue of local mutations,
// a per-installation device identity, the sync engine that pushes and pulls
// changes against a backend, and the applier that materializes remote
// changes into the local primary store.
package wardsqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wardsync/go-wardsync/wardsync"
)

// Status is the observable state of the sync engine.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
	StatusSuccess Status = "success"
)

// State is a snapshot of the engine's observable state. Subscribers receive
// a copy on every change; callers of State get a copy too, never a live
// reference.
type State struct {
	Status         Status
	LastSyncAt     time.Time // zero until the first fully successful cycle
	PendingChanges int
	LastError      string
	Online         bool
}

// Config holds configuration for the sync engine.
type Config struct {
	BaseURL      string        // empty selects local-only mode: no network, every push self-acknowledged
	BatchSize    int           // records per push request, e.g. 50
	SyncInterval time.Duration // periodic cycle cadence, e.g. 30s
	BackoffMin   time.Duration // nudge-reconnect backoff floor, 1s
	BackoffMax   time.Duration // nudge-reconnect backoff ceiling, 60s

	Token   func(context.Context) (string, error) // optional bearer token source
	HTTP    *http.Client
	Logger  *slog.Logger
	Watcher OnlineWatcher // nil means assumed always online
}

// DefaultConfig returns the stock configuration for the given backend.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:      baseURL,
		BatchSize:    50,
		SyncInterval: 30 * time.Second,
		BackoffMin:   1 * time.Second,
		BackoffMax:   60 * time.Second,
	}
}

// Engine turns queued local mutations into network activity and applies the
// backend's change feed locally. It is constructed at the application's
// composition root and injected wherever mutations are made; there is no
// package-level instance.
//
// At most one sync cycle runs at a time; overlapping triggers are no-ops.
type Engine struct {
	queue    *Queue
	applier  *Applier
	deviceID string
	cfg      *Config
	tr       *transport // nil in local-only mode
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int

	syncing     int32 // re-entrancy guard
	kick        chan struct{}
	netCh       chan bool
	stop        chan struct{}
	done        chan struct{}
	cancelWatch func()
	closeOnce   sync.Once
}

// NewEngine creates and starts the engine. The periodic timer begins
// immediately when the watcher reports online (or no watcher is configured).
func NewEngine(queue *Queue, applier *Applier, deviceID string, cfg *Config) (*Engine, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("deviceID cannot be empty")
	}
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	online := cfg.Watcher == nil || cfg.Watcher.Online()
	status := StatusIdle
	if !online {
		status = StatusOffline
	}

	e := &Engine{
		queue:    queue,
		applier:  applier,
		deviceID: deviceID,
		cfg:      cfg,
		logger:   logger,
		state: State{
			Status:         status,
			PendingChanges: queue.Count(context.Background()),
			Online:         online,
		},
		listeners: make(map[int]func(State)),
		kick:      make(chan struct{}, 1),
		netCh:     make(chan bool, 16),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if cfg.BaseURL != "" {
		e.tr = newTransport(cfg.BaseURL, deviceID, cfg.HTTP, cfg.Token)
	}
	if cfg.Watcher != nil {
		e.cancelWatch = cfg.Watcher.Subscribe(func(online bool) {
			select {
			case e.netCh <- online:
			case <-e.stop:
			}
		})
	}

	go e.run()
	return e, nil
}

// DeviceID returns the installation identity the engine stamps on mutations.
func (e *Engine) DeviceID() string { return e.deviceID }

// QueueChange durably records one local mutation and, when online,
// opportunistically triggers a sync cycle. op is create, update or delete;
// data carries the full record state (nil for delete).
func (e *Engine) QueueChange(ctx context.Context, table, recordID, op string, data map[string]any) error {
	if !wardsync.ValidOp(op) {
		return fmt.Errorf("unknown operation %q", op)
	}
	rec := &wardsync.SyncRecord{
		ID:        uuid.NewString(),
		TableName: table,
		RecordID:  recordID,
		Operation: op,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		DeviceID:  e.deviceID,
	}
	if err := e.queue.Add(ctx, rec); err != nil {
		return err
	}

	count := e.queue.Count(ctx)
	e.update(func(s *State) { s.PendingChanges = count })

	if e.State().Online {
		e.ForceSync()
	}
	return nil
}

// ForceSync requests a cycle outside the periodic schedule. Subject to the
// same guards as any other trigger: no-op while offline or mid-cycle.
func (e *Engine) ForceSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs one cycle synchronously and reports its outcome. Used by
// command-line flows and tests that need completion, not just a trigger.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.syncCycle(ctx)
}

// Subscribe registers a listener invoked on every state change, and
// immediately with the current state. The returned function unregisters it;
// callers must release to avoid leaking listeners.
func (e *Engine) Subscribe(fn func(State)) (cancel func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	current := e.state
	e.mu.Unlock()

	fn(current)
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// State returns a snapshot of the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ClearPending drops every queue entry unconditionally and refreshes the
// observable pending count. Administrative reset only.
func (e *Engine) ClearPending(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}
	count := e.queue.Count(ctx)
	e.update(func(s *State) { s.PendingChanges = count })
	return nil
}

// Close stops the periodic timer, the network watcher subscription and any
// nudge listener. In-flight cycles are not aborted; Close returns after the
// run loop exits.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.cancelWatch != nil {
			e.cancelWatch()
		}
		close(e.stop)
		<-e.done
	})
}

// run owns the periodic timer. The timer stops on offline transitions and
// restarts (with an immediate cycle) on online transitions.
func (e *Engine) run() {
	defer close(e.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	startTicker := func() {
		ticker = time.NewTicker(e.cfg.SyncInterval)
		tickC = ticker.C
	}
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	if e.State().Online {
		startTicker()
	}
	defer stopTicker()

	for {
		select {
		case <-e.stop:
			return
		case online := <-e.netCh:
			if online {
				e.update(func(s *State) {
					s.Online = true
					if s.Status == StatusOffline {
						s.Status = StatusIdle
					}
				})
				stopTicker()
				startTicker()
				_ = e.syncCycle(context.Background())
			} else {
				stopTicker()
				e.update(func(s *State) {
					s.Online = false
					s.Status = StatusOffline
				})
			}
		case <-tickC:
			_ = e.syncCycle(context.Background())
		case <-e.kick:
			_ = e.syncCycle(context.Background())
		}
	}
}

// syncCycle runs one push/pull cycle. Guard first: nothing happens while
// offline or while another cycle is in flight.
func (e *Engine) syncCycle(ctx context.Context) error {
	if !e.State().Online {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&e.syncing, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.syncing, 0)

	e.update(func(s *State) {
		s.Status = StatusSyncing
		s.LastError = ""
	})

	if err := e.runCycle(ctx); err != nil {
		e.logger.Warn("sync cycle failed", "error", err)
		e.update(func(s *State) {
			s.Status = StatusError
			s.LastError = err.Error()
		})
		return err
	}

	now := time.Now()
	if err := e.queue.SetLastSyncAt(ctx, now.UnixMilli()); err != nil {
		e.logger.Warn("failed to persist sync watermark", "error", err)
	}
	count := e.queue.Count(ctx)
	e.update(func(s *State) {
		s.Status = StatusSuccess
		s.LastSyncAt = now
		s.PendingChanges = count
	})
	return nil
}

func (e *Engine) runCycle(ctx context.Context) error {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// The pull window is fixed before any pushes run.
	since := e.queue.LastSyncAt(ctx)

	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := e.pushBatch(ctx, pending[start:end]); err != nil {
			return err
		}
	}

	if e.tr == nil {
		return nil
	}
	return e.pullAndApply(ctx, since)
}

// pushBatch submits one batch. In local-only mode every record is trivially
// acknowledged. Against a backend, only the ids the server confirms are
// marked synced; everything else in the batch gets its retry count bumped
// and stays pending for the next cycle.
func (e *Engine) pushBatch(ctx context.Context, batch []QueuedRecord) error {
	if e.tr == nil {
		for i := range batch {
			if err := e.queue.MarkSynced(ctx, batch[i].ID); err != nil {
				return err
			}
		}
		return nil
	}

	changes := make([]wardsync.SyncRecord, len(batch))
	for i := range batch {
		changes[i] = batch[i].SyncRecord
	}

	acked, err := e.tr.push(ctx, changes)
	if err != nil {
		for i := range batch {
			if rerr := e.queue.IncrementRetry(ctx, batch[i].ID); rerr != nil {
				e.logger.Warn("failed to record retry", "changeId", batch[i].ID, "error", rerr)
			}
		}
		return fmt.Errorf("failed to push batch: %w", err)
	}

	ackSet := make(map[string]struct{}, len(acked))
	for _, id := range acked {
		ackSet[id] = struct{}{}
	}
	for i := range batch {
		id := batch[i].ID
		if _, ok := ackSet[id]; ok {
			if err := e.queue.MarkSynced(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := e.queue.IncrementRetry(ctx, id); err != nil {
			e.logger.Warn("failed to record retry", "changeId", id, "error", err)
		}
	}
	return nil
}

// pullAndApply fetches the backend's change feed since the previous
// successful cycle and applies every change not authored here. A change that
// fails to apply is logged and dropped; the pull window only moves forward,
// so it will not be re-requested.
func (e *Engine) pullAndApply(ctx context.Context, since int64) error {
	changes, err := e.tr.pull(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to pull changes: %w", err)
	}

	for i := range changes {
		ch := &changes[i]
		// Changes authored here are never reapplied, regardless of what
		// the server returns.
		if ch.DeviceID == e.deviceID {
			continue
		}
		if err := e.applier.Apply(ctx, ch); err != nil {
			e.logger.Warn("failed to apply remote change",
				"changeId", ch.ID, "table", ch.TableName, "recordId", ch.RecordID, "error", err)
		}
	}
	return nil
}

func (e *Engine) update(mutate func(*State)) {
	e.mu.Lock()
	mutate(&e.state)
	snapshot := e.state
	fns := make([]func(State), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}
