package segment

import (
	"strings"
	"testing"
	"time"

	"telemetry-engine/internal/telemetry"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func mph(v float64) *float64 { return &v }

func sample(lat, lon float64, at time.Time, speed *float64) telemetry.GpsSample {
	return telemetry.GpsSample{Latitude: lat, Longitude: lon, Timestamp: at, SpeedMph: speed}
}

func TestSplitEmpty(t *testing.T) {
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", nil)
	if len(out.Current) != 0 || len(out.Closed) != 0 {
		t.Fatalf("expected empty segmentation, got %+v", out)
	}
}

func TestSplitSingleSample(t *testing.T) {
	p := sample(40, -70, t0, nil)
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", []telemetry.GpsSample{p})
	if len(out.Current) != 1 || out.Current[0] != p {
		t.Fatalf("single sample should be the current trip, got %+v", out.Current)
	}
	if len(out.Closed) != 0 {
		t.Fatalf("expected no closed trips")
	}
}

func TestSplitFreshData(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(40, -70, t0, mph(30)),
		sample(40.001, -70.001, t0.Add(60*time.Second), mph(32)),
	}
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", in)
	if len(out.Current) != 2 || len(out.Closed) != 0 {
		t.Fatalf("expected 2 current points and no closed trips, got %d/%d", len(out.Current), len(out.Closed))
	}
	if !out.Current[0].Timestamp.Before(out.Current[1].Timestamp) {
		t.Fatalf("current trip should be chronological")
	}
}

func TestSplitTripBoundary(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(40.003, -70.003, t0.Add(41*time.Minute), mph(20)),
		sample(40, -70, t0, mph(30)),
		sample(40.002, -70.002, t0.Add(40*time.Minute), mph(25)),
		sample(40.001, -70.001, t0.Add(5*time.Minute), mph(50)),
	}
	s := New(DefaultGap, DisplayPointsLive)
	s.NewID = func(dev string) string { return dev + "-fixed" }
	out := s.Split("dev-1", in)

	if len(out.Current) != 2 {
		t.Fatalf("expected 2 current points, got %d", len(out.Current))
	}
	if !out.Current[0].Timestamp.Equal(t0.Add(40*time.Minute)) || !out.Current[1].Timestamp.Equal(t0.Add(41*time.Minute)) {
		t.Fatalf("current trip should be the two newest points in order: %+v", out.Current)
	}
	if len(out.Closed) != 1 {
		t.Fatalf("expected one closed trip, got %d", len(out.Closed))
	}
	trip := out.Closed[0]
	if trip.PointCount != 2 || len(trip.Points) != 2 {
		t.Fatalf("closed trip should have 2 points: %+v", trip)
	}
	if !trip.StartTime.Equal(t0) || !trip.EndTime.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("unexpected trip bounds %v - %v", trip.StartTime, trip.EndTime)
	}
	if trip.MaxSpeedMph != 50 || trip.AvgSpeedMph != 40 {
		t.Fatalf("unexpected speeds max=%v avg=%v", trip.MaxSpeedMph, trip.AvgSpeedMph)
	}
	if trip.DistanceMiles <= 0 {
		t.Fatalf("expected positive distance")
	}
	if trip.ID != "dev-1-fixed" {
		t.Fatalf("unexpected id %q", trip.ID)
	}
	for _, p := range trip.Points {
		if p.Timestamp.Before(trip.StartTime) || p.Timestamp.After(trip.EndTime) {
			t.Fatalf("point outside trip bounds: %v", p.Timestamp)
		}
	}
}

func TestSplitGapExactlyThresholdSplits(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(40, -70, t0, nil),
		sample(40.001, -70, t0.Add(time.Minute), nil),
		sample(40.002, -70, t0.Add(21*time.Minute), nil),
	}
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", in)
	if len(out.Current) != 1 || len(out.Closed) != 1 {
		t.Fatalf("gap equal to threshold should split, got %d/%d", len(out.Current), len(out.Closed))
	}
}

func TestSplitDropsIsolatedOlderSamples(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(40, -70, t0, nil),
		sample(40.1, -70, t0.Add(time.Hour), nil),
		sample(40.11, -70, t0.Add(61*time.Minute), nil),
		sample(40.2, -70, t0.Add(3*time.Hour), nil),
	}
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", in)
	if len(out.Current) != 1 {
		t.Fatalf("expected 1 current point, got %d", len(out.Current))
	}
	if len(out.Closed) != 1 || out.Closed[0].PointCount != 2 {
		t.Fatalf("expected one 2-point closed trip, got %+v", out.Closed)
	}
}

func TestSplitDiscardsInvalidSamples(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(0, 0, t0, nil),
		sample(91, -70, t0.Add(time.Minute), nil),
		sample(40, -181, t0.Add(2*time.Minute), nil),
		sample(40, -70, t0.Add(3*time.Minute), nil),
	}
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", in)
	if len(out.Current) != 1 || out.Current[0].Latitude != 40 {
		t.Fatalf("only the valid sample should remain, got %+v", out.Current)
	}
}

func TestSplitCapsDisplayPoints(t *testing.T) {
	var in []telemetry.GpsSample
	for i := 0; i < 10; i++ {
		in = append(in, sample(40+float64(i)*0.001, -70, t0.Add(time.Duration(i)*time.Minute), nil))
	}
	out := New(DefaultGap, DisplayPointsCoarse).Split("dev-1", in)
	if len(out.Current) != DisplayPointsCoarse {
		t.Fatalf("expected %d points, got %d", DisplayPointsCoarse, len(out.Current))
	}
	if !out.Current[len(out.Current)-1].Timestamp.Equal(t0.Add(9 * time.Minute)) {
		t.Fatalf("cap should keep the newest points")
	}
	if !out.Current[0].Timestamp.Equal(t0.Add(6 * time.Minute)) {
		t.Fatalf("unexpected oldest displayed point %v", out.Current[0].Timestamp)
	}
}

func TestSplitZeroSpeedsGiveZeroStats(t *testing.T) {
	in := []telemetry.GpsSample{
		sample(40, -70, t0, mph(0)),
		sample(40.001, -70, t0.Add(time.Minute), nil),
		sample(41, -70, t0.Add(2*time.Hour), nil),
	}
	out := New(DefaultGap, DisplayPointsLive).Split("dev-1", in)
	if len(out.Closed) != 1 {
		t.Fatalf("expected one closed trip")
	}
	if out.Closed[0].MaxSpeedMph != 0 || out.Closed[0].AvgSpeedMph != 0 {
		t.Fatalf("expected zero speed stats, got %+v", out.Closed[0])
	}
}

func TestDefaultTripIDs(t *testing.T) {
	s := New(0, 0)
	if s.Gap != DefaultGap || s.DisplayPoints != DisplayPointsLive {
		t.Fatalf("defaults not applied: %+v", s)
	}
	a, b := s.NewID("dev-9"), s.NewID("dev-9")
	if a == b || !strings.HasPrefix(a, "dev-9-") {
		t.Fatalf("ids should be unique and device-prefixed: %q %q", a, b)
	}
}
