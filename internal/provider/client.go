package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"telemetry-engine/internal/telemetry"
)

// MpsToMph converts provider speeds (m/s) to mph.
const MpsToMph = 2.23694

// Client calls the provider's GPS history endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type gpsResponse struct {
	GPSData []gpsPoint `json:"gpsData"`
}

type gpsPoint struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Time     float64  `json:"time"`
	Speed    *float64 `json:"speed"`
	Heading  *float64 `json:"heading"`
	Accuracy *float64 `json:"accuracy"`
}

// FetchSamples returns the samples recorded between start and end. A 401 maps
// to ErrUnauthorized; any other failure wraps ErrTransport.
func (c *Client) FetchSamples(ctx context.Context, credential, deviceID string, start, end time.Time) ([]telemetry.GpsSample, error) {
	q := url.Values{}
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	u := fmt.Sprintf("%s/devices/%s/gps?%s", c.baseURL, url.PathEscape(deviceID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", telemetry.ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", telemetry.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, telemetry.ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: unexpected status %d", telemetry.ErrTransport, resp.StatusCode)
	}

	var body gpsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", telemetry.ErrTransport, err)
	}
	return convert(body.GPSData), nil
}

func convert(in []gpsPoint) []telemetry.GpsSample {
	out := make([]telemetry.GpsSample, 0, len(in))
	for _, p := range in {
		s := telemetry.GpsSample{
			Latitude:       p.Lat,
			Longitude:      p.Lon,
			Timestamp:      epoch(p.Time),
			HeadingDeg:     p.Heading,
			AccuracyMeters: p.Accuracy,
		}
		if p.Speed != nil {
			mph := *p.Speed * MpsToMph
			s.SpeedMph = &mph
		}
		out = append(out, s)
	}
	return out
}

func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}
