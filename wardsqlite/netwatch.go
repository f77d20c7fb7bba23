// Copyright 2026 Wardsync Authors
// SPDX-License-Identifier: Apache-2.0

package wardsqlite

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// OnlineWatcher reports network reachability to the sync engine. The engine
// suppresses all network activity while the watcher says offline and kicks a
// cycle on every offline-to-online transition.
type OnlineWatcher interface {
	Online() bool
	// Subscribe registers a callback invoked on every transition. The
	// returned function unregisters it.
	Subscribe(fn func(online bool)) (cancel func())
}

// ManualWatcher is an OnlineWatcher driven by explicit SetOnline calls, for
// platforms that surface their own connectivity events and for tests.
type ManualWatcher struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManualWatcher creates a watcher with the given initial state.
func NewManualWatcher(online bool) *ManualWatcher {
	return &ManualWatcher{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (w *ManualWatcher) Online() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.online
}

// SetOnline updates the state, notifying subscribers on transitions only.
func (w *ManualWatcher) SetOnline(online bool) {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return
	}
	w.online = online
	fns := make([]func(bool), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers a transition callback.
func (w *ManualWatcher) Subscribe(fn func(online bool)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// ProbeWatcher derives reachability from a periodic HTTP probe against the
// backend's health endpoint. It starts offline-agnostic (assumed online) and
// flips state as probes succeed or fail.
type ProbeWatcher struct {
	*ManualWatcher

	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewProbeWatcher creates and starts a probe watcher for the given health
// URL (typically baseURL + "/healthz").
func NewProbeWatcher(url string, interval time.Duration, client *http.Client, logger *slog.Logger) *ProbeWatcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &ProbeWatcher{
		ManualWatcher: NewManualWatcher(true),
		url:           url,
		interval:      interval,
		client:        client,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// Close stops the probe loop.
func (w *ProbeWatcher) Close() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
	})
}

func (w *ProbeWatcher) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.probe()
		}
	}
}

func (w *ProbeWatcher) probe() {
	resp, err := w.client.Get(w.url)
	if err != nil {
		if w.Online() {
			w.logger.Info("backend unreachable, going offline", "error", err)
		}
		w.SetOnline(false)
		return
	}
	defer resp.Body.Close()
	online := resp.StatusCode < http.StatusInternalServerError
	if online && !w.Online() {
		w.logger.Info("backend reachable again, going online")
	}
	w.SetOnline(online)
}
