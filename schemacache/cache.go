// Package schemacache holds the CRM field schema per module. Snapshots are
// swapped wholesale, persisted to MySQL and mirrored to Redis so restarts do
// not need a CRM round trip.
package schemacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Source fetches the live schema, normally *crm.Bound.
type Source interface {
	ListFields(ctx context.Context, module string) ([]crm.Field, error)
}

// Store is satisfied by *models.SchemaFieldStore.
type Store interface {
	ListByModule(ctx context.Context, module string) ([]models.SchemaField, error)
	ReplaceModule(ctx context.Context, module string, fields []models.SchemaField) error
	Upsert(ctx context.Context, field models.SchemaField) error
}

type Options struct {
	TTL             time.Duration
	RefreshInterval time.Duration
	// Modules are refreshed by the background loop even before first use.
	Modules []string
}

type Cache struct {
	source Source
	store  Store
	redis  *redis.Client
	clock  clock.Clock
	logger *logrus.Logger
	opts   Options

	mu        sync.RWMutex
	snapshots map[string]*Snapshot

	refreshGroup singleflight.Group

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a cache. rdb may be nil.
func New(source Source, store Store, rdb *redis.Client, clk clock.Clock, logger *logrus.Logger, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = opts.TTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cache{
		source:    source,
		store:     store,
		redis:     rdb,
		clock:     clk,
		logger:    logger,
		opts:      opts,
		snapshots: map[string]*Snapshot{},
	}
}

func redisKey(module string) string {
	return "crm:schema:" + module
}

// Get returns the module snapshot, refreshing when it is missing or older
// than TTL. A stale snapshot is served when the refresh fails.
func (c *Cache) Get(ctx context.Context, module string) (*Snapshot, error) {
	now := c.clock.Now()
	snap := c.loaded(module)
	if snap == nil {
		snap = c.warm(ctx, module)
	}
	if snap != nil && !snap.Stale(now, c.opts.TTL) {
		return snap, nil
	}

	fresh, err := c.Refresh(ctx, module)
	if err == nil {
		return fresh, nil
	}
	if snap != nil && len(snap.Fields) > 0 {
		c.logger.WithFields(logrus.Fields{
			"field":  "SchemaCache",
			"module": module,
			"age":    now.Sub(snap.FetchedAt).String(),
		}).WithError(err).Warn("schema refresh failed, serving stale snapshot")
		return snap, nil
	}
	return nil, err
}

func (c *Cache) loaded(module string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[module]
}

// warm fills L1 from Redis, then MySQL.
func (c *Cache) warm(ctx context.Context, module string) *Snapshot {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, redisKey(module)).Bytes()
		if err == nil {
			var snap Snapshot
			if json.Unmarshal(raw, &snap) == nil && snap.Module == module {
				snap.index()
				c.swap(&snap)
				return &snap
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": module}).WithError(err).Warn("redis schema read failed")
		}
	}
	if c.store != nil {
		rows, err := c.store.ListByModule(ctx, module)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": module}).WithError(err).Warn("db schema read failed")
			return nil
		}
		if len(rows) == 0 {
			return nil
		}
		fields := make([]crm.Field, 0, len(rows))
		oldest := rows[0].LastSynced
		for _, r := range rows {
			fields = append(fields, fromModel(r))
			if r.LastSynced.Before(oldest) {
				oldest = r.LastSynced
			}
		}
		snap := NewSnapshot(module, fields, oldest)
		c.swap(snap)
		return snap
	}
	return nil
}

// Refresh fetches the live schema and replaces the snapshot wholesale.
// Concurrent refreshes of a module share one fetch.
func (c *Cache) Refresh(ctx context.Context, module string) (*Snapshot, error) {
	v, err, _ := c.refreshGroup.Do(module, func() (interface{}, error) {
		return c.refresh(context.WithoutCancel(ctx), module)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Cache) refresh(ctx context.Context, module string) (*Snapshot, error) {
	fields, err := c.source.ListFields(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("list fields for %s: %w", module, err)
	}
	now := c.clock.Now()
	snap := NewSnapshot(module, fields, now)

	if c.store != nil {
		rows := make([]models.SchemaField, 0, len(snap.Fields))
		for _, f := range snap.Fields {
			rows = append(rows, toModel(module, f, now))
		}
		if err := c.store.ReplaceModule(ctx, module, rows); err != nil {
			c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": module}).WithError(err).Error("persist schema snapshot")
		}
	}
	c.swap(snap)
	c.mirror(ctx, snap)

	c.logger.WithFields(logrus.Fields{
		"field":  "SchemaCache",
		"module": module,
		"fields": len(snap.Fields),
	}).Info("schema refreshed")
	return snap, nil
}

// AddField records a field just created in the CRM without a full refresh.
func (c *Cache) AddField(ctx context.Context, module string, f crm.Field) *Snapshot {
	now := c.clock.Now()
	c.mu.Lock()
	base := c.snapshots[module]
	if base == nil {
		base = NewSnapshot(module, nil, now)
	}
	next := base.with(f, now)
	c.snapshots[module] = next
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Upsert(ctx, toModel(module, f, now)); err != nil {
			c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": module, "api_name": f.ApiName}).WithError(err).Error("persist created field")
		}
	}
	c.mirror(ctx, next)
	return next
}

// Invalidate drops the in-memory and Redis copies; the next Get refetches.
func (c *Cache) Invalidate(ctx context.Context, module string) {
	c.mu.Lock()
	delete(c.snapshots, module)
	c.mu.Unlock()
	if c.redis != nil {
		_ = c.redis.Del(ctx, redisKey(module)).Err()
	}
}

func (c *Cache) Modules() []string {
	seen := map[string]bool{}
	for _, m := range c.opts.Modules {
		seen[m] = true
	}
	c.mu.RLock()
	for m := range c.snapshots {
		seen[m] = true
	}
	c.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) swap(snap *Snapshot) {
	c.mu.Lock()
	c.snapshots[snap.Module] = snap
	c.mu.Unlock()
}

func (c *Cache) mirror(ctx context.Context, snap *Snapshot) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(snap.Module), raw, 2*c.opts.TTL).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": snap.Module}).WithError(err).Warn("redis schema write failed")
	}
}

// Start refreshes every known module on RefreshInterval until Stop.
func (c *Cache) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ticker := c.clock.NewTicker(c.opts.RefreshInterval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RefreshAll(ctx)
			}
		}
	}()
}

func (c *Cache) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Cache) RefreshAll(ctx context.Context) {
	for _, module := range c.Modules() {
		if _, err := c.Refresh(ctx, module); err != nil {
			c.logger.WithFields(logrus.Fields{"field": "SchemaCache", "module": module}).WithError(err).Warn("periodic schema refresh failed")
		}
	}
}
