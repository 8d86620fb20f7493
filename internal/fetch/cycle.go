package fetch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"telemetry-engine/internal/segment"
	"telemetry-engine/internal/telemetry"
	"telemetry-engine/internal/token"
)

const DefaultWindow = 24 * time.Hour

type Provider interface {
	FetchSamples(ctx context.Context, credential, deviceID string, start, end time.Time) ([]telemetry.GpsSample, error)
}

type Cache interface {
	SavePoints(ctx context.Context, points []telemetry.GpsSample) error
	LoadPoints(ctx context.Context) (telemetry.CacheEntry[[]telemetry.GpsSample], bool, error)
	AppendTrip(ctx context.Context, trip telemetry.Trip) error
	ListTrips(ctx context.Context) ([]telemetry.Trip, error)
}

// Auth is the collaborator that owns the session.
type Auth interface {
	SignOut(ctx context.Context, cause error)
}

type Request struct {
	Credential string
	DeviceID   string
	// Background suppresses the loading indicator.
	Background bool
}

// Cycle performs one telemetry refresh. It is not safe for concurrent use;
// the scheduler's guard serializes calls.
type Cycle struct {
	provider  Provider
	cache     Cache
	auth      Auth
	segmenter *segment.Segmenter
	window    time.Duration
	logger    *slog.Logger

	// Loading, when set, is told when a foreground refresh starts and ends.
	Loading func(bool)
	now     func() time.Time
}

func NewCycle(p Provider, c Cache, a Auth, s *segment.Segmenter, window time.Duration, logger *slog.Logger) *Cycle {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cycle{
		provider:  p,
		cache:     c,
		auth:      a,
		segmenter: s,
		window:    window,
		logger:    logger.With("component", "fetch"),
		now:       time.Now,
	}
}

// Run executes the cycle. Credential problems return a sign-out error and an
// empty result. Transport failures return the cache fallback together with an
// error wrapping ErrTransport.
func (c *Cycle) Run(ctx context.Context, req Request) (telemetry.Result, error) {
	now := c.now()
	empty := telemetry.Result{DeviceID: req.DeviceID, Source: telemetry.SourceUnavailable}

	if err := token.Check(req.Credential, now); err != nil {
		c.signOut(ctx, req.DeviceID, err)
		return empty, err
	}

	if !req.Background && c.Loading != nil {
		c.Loading(true)
		defer c.Loading(false)
	}

	samples, err := c.provider.FetchSamples(ctx, req.Credential, req.DeviceID, now.Add(-c.window), now)
	if errors.Is(err, telemetry.ErrUnauthorized) {
		c.signOut(ctx, req.DeviceID, err)
		return empty, err
	}
	if err != nil {
		c.logger.Warn("telemetry fetch failed, using cache", "device", req.DeviceID, "err", err)
		return c.fallback(ctx, req.DeviceID), err
	}

	seg := c.segmenter.Split(req.DeviceID, samples)
	if len(seg.Current) == 0 {
		c.logger.Info("no usable samples upstream, using cache", "device", req.DeviceID, "received", len(samples))
		return c.fallback(ctx, req.DeviceID), nil
	}

	closed := c.persistTrips(ctx, seg.Closed)
	if err := c.cache.SavePoints(ctx, seg.Current); err != nil {
		c.logger.Error("save points failed", "device", req.DeviceID, "err", err)
	}

	c.logger.Info("telemetry refreshed", "device", req.DeviceID, "points", len(seg.Current), "closed_trips", len(closed))
	return telemetry.Result{
		DeviceID:    req.DeviceID,
		Points:      seg.Current,
		Source:      telemetry.SourceLive,
		AsOf:        now.UTC(),
		ClosedTrips: closed,
	}, nil
}

// persistTrips appends trips that are not cached yet. Every poll re-reads the
// trailing window, so a closed trip shows up again until it ages out of it;
// its end time identifies it across polls.
func (c *Cycle) persistTrips(ctx context.Context, trips []telemetry.Trip) []telemetry.Trip {
	if len(trips) == 0 {
		return nil
	}
	existing, err := c.cache.ListTrips(ctx)
	if err != nil {
		c.logger.Error("list trips failed", "err", err)
		return nil
	}
	seen := make(map[int64]struct{}, len(existing))
	for _, t := range existing {
		seen[t.EndTime.UnixNano()] = struct{}{}
	}

	var added []telemetry.Trip
	for _, t := range trips {
		if _, dup := seen[t.EndTime.UnixNano()]; dup {
			continue
		}
		if err := c.cache.AppendTrip(ctx, t); err != nil {
			c.logger.Error("append trip failed", "trip", t.ID, "err", err)
			continue
		}
		seen[t.EndTime.UnixNano()] = struct{}{}
		added = append(added, t)
	}
	return added
}

func (c *Cycle) fallback(ctx context.Context, deviceID string) telemetry.Result {
	entry, ok, err := c.cache.LoadPoints(ctx)
	if err != nil {
		c.logger.Error("load cached points failed", "device", deviceID, "err", err)
	}
	if !ok {
		return telemetry.Result{DeviceID: deviceID, Source: telemetry.SourceUnavailable}
	}
	return telemetry.Result{
		DeviceID: deviceID,
		Points:   entry.Data,
		Source:   telemetry.SourceCached,
		AsOf:     entry.SavedAt,
	}
}

func (c *Cycle) signOut(ctx context.Context, deviceID string, cause error) {
	c.logger.Warn("credential rejected, signing out", "device", deviceID, "reason", cause.Error())
	if c.auth != nil {
		c.auth.SignOut(ctx, cause)
	}
}
