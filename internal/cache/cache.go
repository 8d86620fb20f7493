package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"telemetry-engine/internal/telemetry"
)

const (
	DefaultMaxAge    = 7 * 24 * time.Hour
	DefaultRetention = 7 * 24 * time.Hour

	pointsKey = "points"
	tripsKey  = "trips"
)

// Store is durable key/value persistence. Each call is atomic for its key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Cache keeps the latest point set and the list of completed trips.
// It does no locking of its own; callers serialize through the fetch guard.
type Cache struct {
	store     Store
	prefix    string
	maxAge    time.Duration
	retention time.Duration
	now       func() time.Time
}

type Option func(*Cache)

func WithMaxAge(d time.Duration) Option    { return func(c *Cache) { c.maxAge = d } }
func WithRetention(d time.Duration) Option { return func(c *Cache) { c.retention = d } }
func WithPrefix(p string) Option           { return func(c *Cache) { c.prefix = p } }
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		prefix:    "telemetry",
		maxAge:    DefaultMaxAge,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) key(name string) string { return c.prefix + ":" + name }

// SavePoints overwrites the point-set slot, stamped with the current time.
func (c *Cache) SavePoints(ctx context.Context, points []telemetry.GpsSample) error {
	entry := telemetry.CacheEntry[[]telemetry.GpsSample]{Data: points, SavedAt: c.now().UTC()}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.key(pointsKey), b); err != nil {
		return fmt.Errorf("save points: %w", err)
	}
	return nil
}

// LoadPoints returns the cached point set. An entry at or past the maximum
// age is deleted and reported as absent, as is one that no longer decodes.
func (c *Cache) LoadPoints(ctx context.Context) (telemetry.CacheEntry[[]telemetry.GpsSample], bool, error) {
	var entry telemetry.CacheEntry[[]telemetry.GpsSample]
	b, ok, err := c.store.Get(ctx, c.key(pointsKey))
	if err != nil {
		return entry, false, fmt.Errorf("load points: %w", err)
	}
	if !ok {
		return entry, false, nil
	}
	if err := json.Unmarshal(b, &entry); err != nil || c.now().Sub(entry.SavedAt) >= c.maxAge {
		if derr := c.store.Delete(ctx, c.key(pointsKey)); derr != nil {
			return telemetry.CacheEntry[[]telemetry.GpsSample]{}, false, fmt.Errorf("evict points: %w", derr)
		}
		return telemetry.CacheEntry[[]telemetry.GpsSample]{}, false, nil
	}
	return entry, true, nil
}

// AppendTrip adds a trip and prunes everything past the retention window in
// the same write.
func (c *Cache) AppendTrip(ctx context.Context, trip telemetry.Trip) error {
	trips, err := c.loadTrips(ctx)
	if err != nil {
		return err
	}
	trips = append(trips, trip)
	kept, _ := c.prune(trips)
	return c.saveTrips(ctx, kept)
}

// ListTrips returns the retained trips in insertion order. When pruning
// removed anything the filtered list is written back.
func (c *Cache) ListTrips(ctx context.Context) ([]telemetry.Trip, error) {
	trips, err := c.loadTrips(ctx)
	if err != nil {
		return nil, err
	}
	kept, removed := c.prune(trips)
	if removed > 0 {
		if err := c.saveTrips(ctx, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (c *Cache) loadTrips(ctx context.Context) ([]telemetry.Trip, error) {
	b, ok, err := c.store.Get(ctx, c.key(tripsKey))
	if err != nil {
		return nil, fmt.Errorf("load trips: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var trips []telemetry.Trip
	if err := json.Unmarshal(b, &trips); err != nil {
		// unreadable list: start over rather than fail every append
		return nil, nil
	}
	return trips, nil
}

func (c *Cache) saveTrips(ctx context.Context, trips []telemetry.Trip) error {
	if trips == nil {
		trips = []telemetry.Trip{}
	}
	b, err := json.Marshal(trips)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, c.key(tripsKey), b); err != nil {
		return fmt.Errorf("save trips: %w", err)
	}
	return nil
}

func (c *Cache) prune(trips []telemetry.Trip) ([]telemetry.Trip, int) {
	now := c.now()
	kept := make([]telemetry.Trip, 0, len(trips))
	for _, t := range trips {
		if now.Sub(t.EndTime) > c.retention {
			continue
		}
		kept = append(kept, t)
	}
	return kept, len(trips) - len(kept)
}
