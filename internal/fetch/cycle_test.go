package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"telemetry-engine/internal/cache"
	"telemetry-engine/internal/db"
	"telemetry-engine/internal/segment"
	"telemetry-engine/internal/telemetry"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	calls   int
	samples []telemetry.GpsSample
	err     error
	start   time.Time
	end     time.Time
}

func (f *fakeProvider) FetchSamples(_ context.Context, _, _ string, start, end time.Time) ([]telemetry.GpsSample, error) {
	f.calls++
	f.start, f.end = start, end
	return f.samples, f.err
}

type fakeAuth struct{ causes []error }

func (f *fakeAuth) SignOut(_ context.Context, cause error) { f.causes = append(f.causes, cause) }

func credential(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func newTestCycle(p Provider, a Auth, clock func() time.Time) (*Cycle, *cache.Cache) {
	c := cache.New(db.NewMemoryStore(), cache.WithClock(clock))
	seg := segment.New(segment.DefaultGap, segment.DisplayPointsLive)
	n := 0
	seg.NewID = func(dev string) string { n++; return fmt.Sprintf("%s-%d", dev, n) }
	cy := NewCycle(p, c, a, seg, DefaultWindow, slog.New(slog.NewTextHandler(io.Discard, nil)))
	cy.now = clock
	return cy, c
}

func at(d time.Duration, lat float64) telemetry.GpsSample {
	speed := 30.0
	return telemetry.GpsSample{Latitude: lat, Longitude: -70, Timestamp: now.Add(d), SpeedMph: &speed}
}

func TestRunExpiredCredentialSignsOutWithoutNetwork(t *testing.T) {
	p := &fakeProvider{}
	a := &fakeAuth{}
	cy, _ := newTestCycle(p, a, func() time.Time { return now })

	res, err := cy.Run(context.Background(), Request{Credential: credential(t, now.Add(-10*time.Second)), DeviceID: "dev-1"})
	if !errors.Is(err, telemetry.ErrExpiredCredential) {
		t.Fatalf("expected expired credential, got %v", err)
	}
	if p.calls != 0 {
		t.Fatalf("expected no network call, got %d", p.calls)
	}
	if len(a.causes) != 1 {
		t.Fatalf("expected one sign out, got %d", len(a.causes))
	}
	if len(res.Points) != 0 {
		t.Fatalf("expected no points")
	}
}

func TestRunMalformedCredential(t *testing.T) {
	p := &fakeProvider{}
	a := &fakeAuth{}
	cy, _ := newTestCycle(p, a, func() time.Time { return now })

	_, err := cy.Run(context.Background(), Request{Credential: "not-a-jwt", DeviceID: "dev-1"})
	if !errors.Is(err, telemetry.ErrMalformedCredential) || p.calls != 0 || len(a.causes) != 1 {
		t.Fatalf("malformed credential should sign out without network: err=%v calls=%d", err, p.calls)
	}
}

func TestRunUnauthorizedSignsOut(t *testing.T) {
	p := &fakeProvider{err: telemetry.ErrUnauthorized}
	a := &fakeAuth{}
	cy, c := newTestCycle(p, a, func() time.Time { return now })
	_ = c.SavePoints(context.Background(), []telemetry.GpsSample{at(-time.Hour, 40)})

	res, err := cy.Run(context.Background(), Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if !errors.Is(err, telemetry.ErrUnauthorized) || len(a.causes) != 1 {
		t.Fatalf("expected sign out on 401, err=%v signouts=%d", err, len(a.causes))
	}
	if res.Source == telemetry.SourceCached {
		t.Fatalf("401 must not fall back to cache")
	}
}

func TestRunLiveSuccess(t *testing.T) {
	p := &fakeProvider{samples: []telemetry.GpsSample{
		at(-3*time.Hour, 40.0),
		at(-3*time.Hour+5*time.Minute, 40.01),
		at(-2*time.Minute, 40.1),
		at(-time.Minute, 40.11),
	}}
	a := &fakeAuth{}
	cy, c := newTestCycle(p, a, func() time.Time { return now })
	ctx := context.Background()

	res, err := cy.Run(ctx, Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Source != telemetry.SourceLive || len(res.Points) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !p.start.Equal(now.Add(-24*time.Hour)) || !p.end.Equal(now) {
		t.Fatalf("unexpected window %v - %v", p.start, p.end)
	}
	if len(res.ClosedTrips) != 1 {
		t.Fatalf("expected one newly closed trip, got %d", len(res.ClosedTrips))
	}

	entry, ok, _ := c.LoadPoints(ctx)
	if !ok || !reflect.DeepEqual(entry.Data, res.Points) {
		t.Fatalf("current trip not cached: %+v", entry)
	}
	trips, _ := c.ListTrips(ctx)
	if len(trips) != 1 || trips[0].PointCount != 2 {
		t.Fatalf("closed trip not persisted: %+v", trips)
	}

	// polling again over the same window must not duplicate the trip
	res, err = cy.Run(ctx, Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1", Background: true})
	if err != nil || len(res.ClosedTrips) != 0 {
		t.Fatalf("second run should add no trips: %+v err=%v", res.ClosedTrips, err)
	}
	trips, _ = c.ListTrips(ctx)
	if len(trips) != 1 {
		t.Fatalf("expected trip list unchanged, got %d", len(trips))
	}
}

func TestRunTimeoutFallsBackToCache(t *testing.T) {
	clock := now.Add(-2 * time.Hour)
	p := &fakeProvider{}
	cy, c := newTestCycle(p, &fakeAuth{}, func() time.Time { return clock })
	ctx := context.Background()

	cached := []telemetry.GpsSample{at(-3*time.Hour, 40), at(-3*time.Hour+time.Minute, 40.001)}
	if err := c.SavePoints(ctx, cached); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	savedAt := clock
	clock = now
	p.err = fmt.Errorf("%w: context deadline exceeded", telemetry.ErrTransport)

	res, err := cy.Run(ctx, Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if !errors.Is(err, telemetry.ErrTransport) {
		t.Fatalf("expected transport error surfaced, got %v", err)
	}
	if telemetry.IsSignOut(err) {
		t.Fatalf("transport failure must not sign out")
	}
	if res.Source != telemetry.SourceCached || !res.AsOf.Equal(savedAt) {
		t.Fatalf("expected cached result as of %v, got %+v", savedAt, res)
	}
	if !reflect.DeepEqual(res.Points, cached) {
		t.Fatalf("cached points changed")
	}
}

func TestRunEmptyUpstreamUsesCache(t *testing.T) {
	p := &fakeProvider{samples: nil}
	cy, c := newTestCycle(p, &fakeAuth{}, func() time.Time { return now })
	ctx := context.Background()
	_ = c.SavePoints(ctx, []telemetry.GpsSample{at(-time.Hour, 40)})

	res, err := cy.Run(ctx, Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("empty upstream is not an error, got %v", err)
	}
	if res.Source != telemetry.SourceCached || len(res.Points) != 1 {
		t.Fatalf("expected cached result, got %+v", res)
	}
}

func TestRunInvalidOnlyUpstreamUsesCache(t *testing.T) {
	p := &fakeProvider{samples: []telemetry.GpsSample{{Latitude: 0, Longitude: 0, Timestamp: now}}}
	cy, c := newTestCycle(p, &fakeAuth{}, func() time.Time { return now })
	ctx := context.Background()
	_ = c.SavePoints(ctx, []telemetry.GpsSample{at(-time.Hour, 40)})

	res, _ := cy.Run(ctx, Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if res.Source != telemetry.SourceCached {
		t.Fatalf("expected cached result, got %s", res.Source)
	}
	entry, _, _ := c.LoadPoints(ctx)
	if len(entry.Data) != 1 {
		t.Fatalf("cache must not be overwritten by an unusable batch")
	}
}

func TestRunCacheMissIsUnavailable(t *testing.T) {
	p := &fakeProvider{err: telemetry.ErrTransport}
	cy, _ := newTestCycle(p, &fakeAuth{}, func() time.Time { return now })

	res, err := cy.Run(context.Background(), Request{Credential: credential(t, now.Add(time.Hour)), DeviceID: "dev-1"})
	if !errors.Is(err, telemetry.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if res.Source != telemetry.SourceUnavailable || len(res.Points) != 0 {
		t.Fatalf("expected unavailable empty result, got %+v", res)
	}
}

func TestRunLoadingIndicatorForegroundOnly(t *testing.T) {
	p := &fakeProvider{samples: []telemetry.GpsSample{at(-time.Minute, 40)}}
	cy, _ := newTestCycle(p, &fakeAuth{}, func() time.Time { return now })
	var events []bool
	cy.Loading = func(on bool) { events = append(events, on) }
	cred := credential(t, now.Add(time.Hour))

	_, _ = cy.Run(context.Background(), Request{Credential: cred, DeviceID: "dev-1", Background: true})
	if len(events) != 0 {
		t.Fatalf("background refresh should not toggle loading: %v", events)
	}
	_, _ = cy.Run(context.Background(), Request{Credential: cred, DeviceID: "dev-1"})
	if !reflect.DeepEqual(events, []bool{true, false}) {
		t.Fatalf("unexpected loading events %v", events)
	}
}
