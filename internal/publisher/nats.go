package publisher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"telemetry-engine/internal/geo"
	"telemetry-engine/internal/telemetry"
)

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

type NATSPublisher struct {
	nc          conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	logger      *slog.Logger
	now         func() time.Time
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logger.With("component", "publisher")
	nc, err := nats.Connect(url,
		nats.Name("telemetry-engine"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return newPublisher(nc, prefix, logSubjects, m, logger), nil
}

func newPublisher(c conn, prefix string, logSubjects bool, m PublisherMetrics, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: c, prefix: subjectPrefix(prefix), logSubjects: logSubjects, metrics: m, logger: logger, now: time.Now}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

type LocationPoint struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Timestamp  time.Time `json:"timestamp"`
	SpeedMph   *float64  `json:"speedMph,omitempty"`
	HeadingDeg *float64  `json:"headingDeg,omitempty"`
	SpeedBand  string    `json:"speedBand"`
}

type LocationMessage struct {
	DeviceID string           `json:"deviceId"`
	Source   telemetry.Source `json:"source"`
	AsOf     *time.Time       `json:"asOf,omitempty"`
	Points   []LocationPoint  `json:"points"`
}

type TripMessage struct {
	DeviceID string         `json:"deviceId"`
	Trip     telemetry.Trip `json:"trip"`
}

type SignOutMessage struct {
	DeviceID  string    `json:"deviceId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLocationMessage converts a cycle result into the published dataset,
// tagging every point with its speed band.
func NewLocationMessage(res telemetry.Result) LocationMessage {
	msg := LocationMessage{
		DeviceID: res.DeviceID,
		Source:   res.Source,
		Points:   make([]LocationPoint, 0, len(res.Points)),
	}
	if !res.AsOf.IsZero() {
		asOf := res.AsOf
		msg.AsOf = &asOf
	}
	for _, s := range res.Points {
		msg.Points = append(msg.Points, LocationPoint{
			Lat:        s.Latitude,
			Lon:        s.Longitude,
			Timestamp:  s.Timestamp,
			SpeedMph:   s.SpeedMph,
			HeadingDeg: s.HeadingDeg,
			SpeedBand:  geo.SpeedBucket(s.SpeedMph).String(),
		})
	}
	return msg
}

func (p *NATSPublisher) PublishLocation(res telemetry.Result) error {
	return p.publish(fmt.Sprintf("%s.%s.location", p.prefix, subjectToken(res.DeviceID)), NewLocationMessage(res))
}

func (p *NATSPublisher) PublishTrip(deviceID string, trip telemetry.Trip) error {
	return p.publish(fmt.Sprintf("%s.%s.trips", p.prefix, subjectToken(deviceID)), TripMessage{DeviceID: deviceID, Trip: trip})
}

func (p *NATSPublisher) PublishSignOut(deviceID, reason string) error {
	return p.publish(p.prefix+".signout", SignOutMessage{DeviceID: deviceID, Reason: reason, Timestamp: p.now().UTC()})
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		p.logger.Debug("nats publish", "subject", subject, "bytes", len(b))
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// subjectPrefix keeps the dots of a multi-token prefix and cleans each token.
func subjectPrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), ".")
	if p == "" {
		return "telemetry"
	}
	parts := strings.Split(p, ".")
	for i, part := range parts {
		parts[i] = subjectToken(part)
	}
	return strings.Join(parts, ".")
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
