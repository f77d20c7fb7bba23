// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardsync/go-wardsync/wardsync"
)

// stubBackend is a minimal in-process sync server for exercising the engine's
// push/pull behavior without a real change log.
type stubBackend struct {
	mu     sync.Mutex
	pushes [][]string // change ids per push request, in arrival order
	pulls  int
	sinces []int64
	reject map[string]bool // ids to leave out of the acknowledged set
	feed   []wardsync.SyncRecord
	fail   bool

	entered chan struct{} // signaled when a push arrives, if set
	gate    chan struct{} // push blocks until closed, if set
}

func (b *stubBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sync/push", func(w http.ResponseWriter, r *http.Request) {
		if b.entered != nil {
			b.entered <- struct{}{}
		}
		if b.gate != nil {
			<-b.gate
		}

		var req wardsync.PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ids := make([]string, 0, len(req.Changes))
		acked := make([]string, 0, len(req.Changes))
		b.mu.Lock()
		for _, c := range req.Changes {
			ids = append(ids, c.ID)
			if !b.reject[c.ID] {
				acked = append(acked, c.ID)
			}
		}
		b.pushes = append(b.pushes, ids)
		fail := b.fail
		b.mu.Unlock()

		if fail {
			http.Error(w, "storage unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&wardsync.PushResponse{Synced: acked})
	})
	mux.HandleFunc("/sync/pull", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		b.mu.Lock()
		b.pulls++
		b.sinces = append(b.sinces, since)
		feed := b.feed
		b.mu.Unlock()

		if feed == nil {
			feed = []wardsync.SyncRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(feed)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (b *stubBackend) pushCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pushes)
}

func (b *stubBackend) pullCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulls
}

// quietConfig disables the periodic timer so only explicit triggers run.
func quietConfig(baseURL string) *Config {
	cfg := DefaultConfig(baseURL)
	cfg.SyncInterval = time.Hour
	cfg.Logger = testLogger()
	return cfg
}

func startEngine(t *testing.T, q *Queue, a *Applier, cfg *Config) *Engine {
	t.Helper()
	e, err := NewEngine(q, a, "device-test", cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEngineLocalOnlySelfAcknowledges(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(""))

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, q.Add(ctx, queuedRec(id, "patients", "p-"+id, wardsync.OpCreate, int64(i*100), map[string]any{"n": i})))
	}

	require.NoError(t, e.SyncNow(ctx))

	require.Zero(t, q.Count(ctx))
	st := e.State()
	require.Equal(t, StatusSuccess, st.Status)
	require.Zero(t, st.PendingChanges)
	require.False(t, st.LastSyncAt.IsZero())
	require.NotZero(t, q.LastSyncAt(ctx))
}

func TestEngineQueueChangeStampsIdentity(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue(t)
	cfg := quietConfig("")
	cfg.Watcher = NewManualWatcher(false) // no opportunistic cycle
	e := startEngine(t, q, NewApplier(testLogger()), cfg)

	require.Error(t, e.QueueChange(ctx, "patients", "p1", "merge", nil))

	require.NoError(t, e.QueueChange(ctx, "patients", "p1", wardsync.OpCreate, map[string]any{"name": "Alpha"}))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotEmpty(t, pending[0].ID)
	require.Equal(t, "device-test", pending[0].DeviceID)
	require.Positive(t, pending[0].Timestamp)
	require.Equal(t, map[string]any{"name": "Alpha"}, pending[0].Data)
	require.Equal(t, 1, e.State().PendingChanges)
}

func TestEngineEmptyQueueSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{}
	srv := backend.server(t)

	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(srv.URL))

	require.NoError(t, e.SyncNow(ctx))

	require.Zero(t, backend.pushCount())
	require.Zero(t, backend.pullCount())
	st := e.State()
	require.Equal(t, StatusSuccess, st.Status)
	require.False(t, st.LastSyncAt.IsZero())
}

func TestEngineBatchPartitioning(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{}
	srv := backend.server(t)

	q := newMemQueue(t)
	cfg := quietConfig(srv.URL)
	cfg.BatchSize = 2
	e := startEngine(t, q, NewApplier(testLogger()), cfg)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, q.Add(ctx, queuedRec(id, "patients", "p-"+id, wardsync.OpCreate, int64(i*100), map[string]any{"n": i})))
	}

	require.NoError(t, e.SyncNow(ctx))

	backend.mu.Lock()
	pushes := backend.pushes
	backend.mu.Unlock()
	require.Equal(t, [][]string{{"c1", "c2"}, {"c3", "c4"}, {"c5"}}, pushes)
	require.Equal(t, 1, backend.pullCount())
	require.Zero(t, q.Count(ctx))
}

func TestEnginePartialAckKeepsUnackedPending(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{reject: map[string]bool{"c2": true}}
	srv := backend.server(t)

	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(srv.URL))

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, q.Add(ctx, queuedRec(id, "patients", "p-"+id, wardsync.OpCreate, int64(i*100), map[string]any{"n": i})))
	}

	require.NoError(t, e.SyncNow(ctx))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "c2", pending[0].ID)
	require.Equal(t, 1, pending[0].RetryCount)

	st := e.State()
	require.Equal(t, StatusSuccess, st.Status)
	require.Equal(t, 1, st.PendingChanges)
}

func TestEnginePushFailureRetriesWholeBatch(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{fail: true}
	srv := backend.server(t)

	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(srv.URL))

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, q.Add(ctx, queuedRec(id, "patients", "p-"+id, wardsync.OpCreate, int64(i*100), map[string]any{"n": i})))
	}

	require.Error(t, e.SyncNow(ctx))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for _, rec := range pending {
		require.Equal(t, 1, rec.RetryCount)
	}
	require.Zero(t, backend.pullCount(), "a failed push aborts the cycle before the pull")
	require.Zero(t, q.LastSyncAt(ctx), "a failed cycle does not advance the watermark")

	st := e.State()
	require.Equal(t, StatusError, st.Status)
	require.NotEmpty(t, st.LastError)

	// A later healthy cycle drains the queue.
	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()
	require.NoError(t, e.SyncNow(ctx))
	require.Zero(t, q.Count(ctx))
	require.Equal(t, StatusSuccess, e.State().Status)
	require.Empty(t, e.State().LastError)
}

func TestEngineOfflineSuppressesSync(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{}
	srv := backend.server(t)

	q := newMemQueue(t)
	watcher := NewManualWatcher(false)
	cfg := quietConfig(srv.URL)
	cfg.Watcher = watcher
	e := startEngine(t, q, NewApplier(testLogger()), cfg)

	require.Equal(t, StatusOffline, e.State().Status)
	require.NoError(t, e.QueueChange(ctx, "patients", "p1", wardsync.OpCreate, map[string]any{"name": "Alpha"}))
	require.NoError(t, e.SyncNow(ctx))

	require.Zero(t, backend.pushCount())
	require.Equal(t, 1, q.Count(ctx))

	// Coming back online kicks an immediate cycle.
	watcher.SetOnline(true)
	require.Eventually(t, func() bool {
		return q.Count(ctx) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, backend.pushCount(), 1)
	require.True(t, e.State().Online)
}

func TestEngineAtMostOneCycleInFlight(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	srv := backend.server(t)

	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(srv.URL))

	require.NoError(t, q.Add(ctx, queuedRec("c1", "patients", "p1", wardsync.OpCreate, 100, map[string]any{"name": "Alpha"})))

	result := make(chan error, 1)
	go func() { result <- e.SyncNow(ctx) }()
	<-backend.entered

	// Triggers during the in-flight cycle are no-ops.
	require.NoError(t, e.SyncNow(ctx))
	e.ForceSync()

	close(backend.gate)
	require.NoError(t, <-result)
	require.Eventually(t, func() bool {
		return q.Count(ctx) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, backend.pushCount())
}

func TestEnginePullSkipsOwnEchoes(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{
		feed: []wardsync.SyncRecord{
			{ID: "r1", TableName: "patients", RecordID: "p-own", Operation: wardsync.OpUpdate,
				Data: map[string]any{"name": "Own"}, Timestamp: 50, DeviceID: "device-test"},
			{ID: "r2", TableName: "patients", RecordID: "p-peer", Operation: wardsync.OpCreate,
				Data: map[string]any{"name": "Peer"}, Timestamp: 60, DeviceID: "device-peer"},
			{ID: "r3", TableName: "patients", RecordID: "p-bad", Operation: wardsync.OpCreate,
				Data: nil, Timestamp: 70, DeviceID: "device-peer"}, // apply fails, cycle must not
		},
	}
	srv := backend.server(t)

	q := newMemQueue(t)
	store := newFakeStore()
	applier := NewApplier(testLogger())
	applier.Register("patients", store)
	e := startEngine(t, q, applier, quietConfig(srv.URL))

	require.NoError(t, q.Add(ctx, queuedRec("c1", "patients", "p1", wardsync.OpCreate, 100, map[string]any{"name": "Alpha"})))
	require.NoError(t, e.SyncNow(ctx))

	_, ownApplied := store.upserted("p-own")
	require.False(t, ownApplied)
	peer, peerApplied := store.upserted("p-peer")
	require.True(t, peerApplied)
	require.Equal(t, map[string]any{"name": "Peer"}, peer)
	require.Equal(t, StatusSuccess, e.State().Status)
}

func TestEngineWatermarkBoundsNextPull(t *testing.T) {
	ctx := context.Background()
	backend := &stubBackend{}
	srv := backend.server(t)

	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(srv.URL))

	require.NoError(t, q.Add(ctx, queuedRec("c1", "patients", "p1", wardsync.OpCreate, 100, map[string]any{"name": "Alpha"})))
	require.NoError(t, e.SyncNow(ctx))
	w1 := q.LastSyncAt(ctx)
	require.NotZero(t, w1)

	require.NoError(t, q.Add(ctx, queuedRec("c2", "patients", "p2", wardsync.OpCreate, 200, map[string]any{"name": "Beta"})))
	require.NoError(t, e.SyncNow(ctx))

	backend.mu.Lock()
	sinces := backend.sinces
	backend.mu.Unlock()
	require.Equal(t, []int64{0, w1}, sinces)
}

func TestEngineClearPending(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue(t)
	cfg := quietConfig("")
	cfg.Watcher = NewManualWatcher(false)
	e := startEngine(t, q, NewApplier(testLogger()), cfg)

	require.NoError(t, e.QueueChange(ctx, "patients", "p1", wardsync.OpCreate, map[string]any{"name": "Alpha"}))
	require.NoError(t, e.QueueChange(ctx, "patients", "p2", wardsync.OpCreate, map[string]any{"name": "Beta"}))
	require.Equal(t, 2, e.State().PendingChanges)

	require.NoError(t, e.ClearPending(ctx))
	require.Zero(t, q.Count(ctx))
	require.Zero(t, e.State().PendingChanges)
}

func TestEngineSubscribeObservesTransitions(t *testing.T) {
	ctx := context.Background()
	q := newMemQueue(t)
	e := startEngine(t, q, NewApplier(testLogger()), quietConfig(""))

	var mu sync.Mutex
	var seen []Status
	cancel := e.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	defer cancel()

	require.NoError(t, q.Add(ctx, queuedRec("c1", "patients", "p1", wardsync.OpCreate, 100, map[string]any{"name": "Alpha"})))
	require.NoError(t, e.SyncNow(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StatusIdle, seen[0], "subscribers receive the current state immediately")
	require.Contains(t, seen, StatusSyncing)
	require.Equal(t, StatusSuccess, seen[len(seen)-1])
}
