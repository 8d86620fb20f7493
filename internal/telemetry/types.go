package telemetry

import "time"

// GpsSample is one fix reported by the provider. Optional fields are nil when
// the provider omitted them.
type GpsSample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Timestamp      time.Time `json:"timestampUtc"`
	SpeedMph       *float64  `json:"speedMph,omitempty"`
	HeadingDeg     *float64  `json:"headingDeg,omitempty"`
	AccuracyMeters *float64  `json:"accuracyMeters,omitempty"`
}

// Valid reports whether the sample has usable coordinates. 0/0 means no fix.
func (s GpsSample) Valid() bool {
	if s.Latitude == 0 && s.Longitude == 0 {
		return false
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return false
	}
	return true
}

// Speed returns the speed in mph, or 0 when absent.
func (s GpsSample) Speed() float64 {
	if s.SpeedMph == nil {
		return 0
	}
	return *s.SpeedMph
}

type Trip struct {
	ID            string      `json:"id"`
	StartTime     time.Time   `json:"startTime"`
	EndTime       time.Time   `json:"endTime"`
	Points        []GpsSample `json:"points"`
	DistanceMiles float64     `json:"distanceMiles"`
	MaxSpeedMph   float64     `json:"maxSpeedMph"`
	AvgSpeedMph   float64     `json:"avgSpeedMph"`
	PointCount    int         `json:"pointCount"`
}

// CacheEntry wraps cached data with the time it was saved so callers can
// label it as cached.
type CacheEntry[T any] struct {
	Data    T         `json:"data"`
	SavedAt time.Time `json:"savedAtUtc"`
}

// Source tags where a Result's points came from.
type Source string

const (
	SourceLive        Source = "live"
	SourceCached      Source = "cached"
	SourceUnavailable Source = "unavailable"
)

// Result is the outcome of one fetch cycle. Points are never a mix of live
// and cached samples.
type Result struct {
	DeviceID    string      `json:"deviceId"`
	Points      []GpsSample `json:"points"`
	Source      Source      `json:"source"`
	AsOf        time.Time   `json:"asOf,omitempty"`
	ClosedTrips []Trip      `json:"closedTrips,omitempty"`
}

type PollingMode int

const (
	ModeForeground PollingMode = iota
	ModeBackground
)

func (m PollingMode) String() string {
	switch m {
	case ModeForeground:
		return "foreground"
	case ModeBackground:
		return "background"
	default:
		return "unknown"
	}
}
