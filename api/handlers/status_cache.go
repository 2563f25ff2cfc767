package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/clearing/api/config"
)

const cacheStopTimeout = 5 * time.Second

// maxConcurrentRefreshes limits how many cache refreshes can run
// simultaneously, leaving most of the pool for request handlers.
const maxConcurrentRefreshes = 2

// refreshCheckInterval is how often the refresh loop checks for due refreshes.
const refreshCheckInterval = 5 * time.Second

// StatusCache provides periodic background caching for the status endpoint
// and tracks database reachability for readiness checks.
type StatusCache struct {
	mu sync.RWMutex

	// Cached state
	status    *StatusResponse
	dbHealthy bool

	// Refresh intervals
	statusInterval time.Duration
	pingInterval   time.Duration

	// Last refresh times (for observability)
	statusLastRefresh time.Time
	pingLastRefresh   time.Time

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// WaitGroup to track running goroutines
	wg sync.WaitGroup
}

// refreshEntry defines a cache refresh with its scheduling metadata.
type refreshEntry struct {
	name     string
	interval time.Duration
	fn       func()
}

// NewStatusCache creates a new cache with the specified refresh intervals.
func NewStatusCache(statusInterval, pingInterval time.Duration) *StatusCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &StatusCache{
		statusInterval: statusInterval,
		pingInterval:   pingInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins the background refresh loop.
// It performs an initial refresh synchronously to ensure cache is warm before returning.
func (c *StatusCache) Start() {
	slog.Info("status cache: starting", "statusInterval", c.statusInterval, "pingInterval", c.pingInterval)

	// Initial refresh (synchronous to ensure cache is warm)
	c.refreshStatus()
	c.refreshPing()

	c.wg.Add(1)
	go c.refreshLoop()
}

// refreshLoop is a single coordinated loop that schedules all cache
// refreshes. It checks every refreshCheckInterval which refreshes are due,
// runs them in priority order, and limits concurrency via errgroup.
func (c *StatusCache) refreshLoop() {
	defer c.wg.Done()

	// Priority-ordered: status gates readyz, so it runs first.
	entries := []refreshEntry{
		{"status", c.statusInterval, c.refreshStatus},
		{"connectivity", c.pingInterval, c.refreshPing},
	}

	// Track when each refresh last ran. Initialized to now since Start()
	// already completed the initial synchronous refresh.
	lastRefresh := make([]time.Time, len(entries))
	now := time.Now()
	for i := range lastRefresh {
		lastRefresh[i] = now
	}

	ticker := time.NewTicker(refreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			g, _ := errgroup.WithContext(c.ctx)
			g.SetLimit(maxConcurrentRefreshes)

			for i, entry := range entries {
				if now.Sub(lastRefresh[i]) < entry.interval {
					continue
				}
				g.Go(func() error {
					if c.ctx.Err() != nil {
						return nil
					}
					entry.fn()
					lastRefresh[i] = time.Now()
					return nil
				})
			}

			_ = g.Wait()

		case <-c.ctx.Done():
			return
		}
	}
}

// Stop cancels the background refresh goroutines and waits for them to exit.
func (c *StatusCache) Stop() {
	slog.Info("status cache: stopping")
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("status cache: stopped")
	case <-time.After(cacheStopTimeout):
		slog.Warn("status cache: stop timed out, continuing shutdown")
	}
}

// IsReady returns true once the cache has warmed and the database is
// reachable.
func (c *StatusCache) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status != nil && c.dbHealthy
}

// Get returns the cached status response.
// Returns nil if cache is empty (should not happen after Start() completes).
func (c *StatusCache) Get() *StatusResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// refreshStatus fetches a fresh status snapshot and updates the cache.
func (c *StatusCache) refreshStatus() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	defer cancel()

	resp := fetchStatusData(ctx)

	if resp.Error != "" {
		slog.Warn("status cache: refresh failed, keeping stale data", "error", resp.Error)
		return
	}

	c.mu.Lock()
	c.status = resp
	c.statusLastRefresh = time.Now()
	c.mu.Unlock()

	slog.Debug("status cache: refreshed", "duration", time.Since(start))
}

// refreshPing checks database reachability for the readiness probe.
func (c *StatusCache) refreshPing() {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	healthy := true
	if err := config.PgPool.Ping(ctx); err != nil {
		slog.Warn("status cache: database ping failed", "error", err)
		healthy = false
	}

	c.mu.Lock()
	c.dbHealthy = healthy
	c.pingLastRefresh = time.Now()
	c.mu.Unlock()
}

// Global cache instance
var statusCache *StatusCache

// InitStatusCache initializes the global status cache.
// Should be called once during server startup.
func InitStatusCache() {
	statusCache = NewStatusCache(
		15*time.Second, // Status refresh every 15s
		30*time.Second, // Connectivity check every 30s
	)
	statusCache.Start()
}

// StopStatusCache stops the global status cache.
// Should be called during server shutdown.
func StopStatusCache() {
	if statusCache != nil {
		statusCache.Stop()
	}
}

// IsStatusCacheReady returns true if the status cache is initialized and populated.
func IsStatusCacheReady() bool {
	return statusCache != nil && statusCache.IsReady()
}
