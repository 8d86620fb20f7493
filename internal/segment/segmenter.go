package segment

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"telemetry-engine/internal/geo"
	"telemetry-engine/internal/telemetry"
)

const (
	DefaultGap = 20 * time.Minute

	// DisplayPointsLive is the live map cap; DisplayPointsCoarse the summary cap.
	DisplayPointsLive   = 20
	DisplayPointsCoarse = 4
)

type Segmenter struct {
	Gap           time.Duration
	DisplayPoints int
	// NewID returns a trip id unique per process and device.
	NewID func(deviceID string) string
}

func New(gap time.Duration, displayPoints int) *Segmenter {
	if gap <= 0 {
		gap = DefaultGap
	}
	if displayPoints <= 0 {
		displayPoints = DisplayPointsLive
	}
	return &Segmenter{Gap: gap, DisplayPoints: displayPoints, NewID: newTripID}
}

func newTripID(deviceID string) string {
	return deviceID + "-" + uuid.NewString()
}

// Segmentation is the split of one batch of samples.
type Segmentation struct {
	// Current is the open trip in chronological order, capped to DisplayPoints.
	Current []telemetry.GpsSample
	// Closed are completed trips, newest first.
	Closed []telemetry.Trip
}

// Split discards invalid samples, orders the rest newest first and cuts the
// sequence wherever two neighbours are at least Gap apart. The newest run is
// the current trip; older runs with two or more samples become closed trips
// and single-sample runs are dropped.
func (s *Segmenter) Split(deviceID string, samples []telemetry.GpsSample) Segmentation {
	valid := make([]telemetry.GpsSample, 0, len(samples))
	for _, p := range samples {
		if p.Valid() {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return Segmentation{}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Timestamp.After(valid[j].Timestamp) })

	var runs [][]telemetry.GpsSample
	start := 0
	for i := 1; i < len(valid); i++ {
		if valid[i-1].Timestamp.Sub(valid[i].Timestamp) >= s.Gap {
			runs = append(runs, valid[start:i])
			start = i
		}
	}
	runs = append(runs, valid[start:])

	out := Segmentation{Current: s.current(runs[0])}
	for _, run := range runs[1:] {
		if len(run) < 2 {
			continue
		}
		out.Closed = append(out.Closed, s.trip(deviceID, run))
	}
	return out
}

func (s *Segmenter) current(run []telemetry.GpsSample) []telemetry.GpsSample {
	n := len(run)
	if n > s.DisplayPoints {
		n = s.DisplayPoints
	}
	return chronological(run[:n])
}

// trip summarises a newest-first run.
func (s *Segmenter) trip(deviceID string, run []telemetry.GpsSample) telemetry.Trip {
	pts := chronological(run)

	var maxSpeed, sum float64
	moving := 0
	for _, p := range pts {
		sp := p.Speed()
		if sp <= 0 {
			continue
		}
		if sp > maxSpeed {
			maxSpeed = sp
		}
		sum += sp
		moving++
	}
	avg := 0.0
	if moving > 0 {
		avg = sum / float64(moving)
	}

	return telemetry.Trip{
		ID:            s.NewID(deviceID),
		StartTime:     pts[0].Timestamp,
		EndTime:       pts[len(pts)-1].Timestamp,
		Points:        pts,
		DistanceMiles: geo.DistanceMiles(pts),
		MaxSpeedMph:   maxSpeed,
		AvgSpeedMph:   avg,
		PointCount:    len(pts),
	}
}

func chronological(newestFirst []telemetry.GpsSample) []telemetry.GpsSample {
	out := make([]telemetry.GpsSample, len(newestFirst))
	for i, p := range newestFirst {
		out[len(newestFirst)-1-i] = p
	}
	return out
}
