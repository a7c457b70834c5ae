// Package upstream is a REST client for the upstream activity provider
// (Strava-shaped: OAuth2-authenticated, activities/streams endpoints, a
// per-call rolling quota). Every call is gated by pkg/quota before it
// reaches the network.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pacecraft/enrichment/pkg/credentials"
	"github.com/pacecraft/enrichment/pkg/quota"
)

const (
	defaultBaseURL = "https://www.strava.com/api/v3"
	requestTimeout = 30 * time.Second
)

// errNotFound is the internal sentinel do() returns on HTTP 404; every
// public method translates it into a (nil, nil) result, since a 404 means
// the upstream resource is gone, not that the request failed.
var errNotFound = errors.New("upstream: not found")

// ErrQuotaExhausted is returned when the rolling quota has no room for
// another call. The caller should reschedule rather than retry inline.
type ErrQuotaExhausted struct {
	RetryAfter time.Duration
}

func (e *ErrQuotaExhausted) Error() string {
	return fmt.Sprintf("upstream quota exhausted, retry after %s", e.RetryAfter)
}

// ErrRateLimited is returned when the provider itself answers HTTP 429. The
// caller should treat this like QuotaExhausted for scheduling purposes, but
// it's reported distinctly since it means our own counters had room the
// provider disagreed with.
type ErrRateLimited struct{}

func (e *ErrRateLimited) Error() string {
	return "upstream: rate limited (HTTP 429)"
}

// Activity is the subset of the upstream activity summary the enrichment
// pipeline needs.
type Activity struct {
	ID             int64     `json:"id"`
	AthleteID      int64     `json:"-"`
	Name           string    `json:"name"`
	StartDate      time.Time `json:"start_date"`
	MovingTime     int       `json:"moving_time"`
	DistanceMeters float64   `json:"distance"`
	Polyline       string    `json:"-"`
}

// Lap is one lap summary from the activity_laps endpoint.
type Lap struct {
	ID          int64   `json:"id"`
	LapIndex    int     `json:"lap_index"`
	DistanceM   float64 `json:"distance"`
	MovingTime  int     `json:"moving_time"`
	ElapsedTime int     `json:"elapsed_time"`
	AvgSpeedMPS float64 `json:"average_speed"`
}

// SegmentEffort is one effort summary from the activity_segment_efforts
// endpoint.
type SegmentEffort struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	DistanceM   float64 `json:"distance"`
	ElapsedTime int     `json:"elapsed_time"`
}

type athleteRef struct {
	ID int64 `json:"id"`
}

type mapRef struct {
	Polyline        string `json:"polyline"`
	SummaryPolyline string `json:"summary_polyline"`
}

type activityWire struct {
	Activity
	Athlete athleteRef `json:"athlete"`
	Map     mapRef     `json:"map"`
}

// StreamSet holds the time-series streams the segmentation and training
// load calculators operate on. Each slice is indexed by sample, and slices
// may be nil if the upstream activity didn't record that stream type.
type StreamSet struct {
	Distance      []float64       `json:"distance"`
	Time          []float64       `json:"time"`
	HeartRate     []int           `json:"heartrate"`
	Altitude      []float64       `json:"altitude"`
	Velocity      []float64       `json:"velocity_smooth"`
	LatLng        [][2]float64    `json:"latlng"`
	Cadence       []int           `json:"cadence"`
	SegmentEffort []SegmentEffort `json:"segment_efforts,omitempty"`
}

// FirstGPSPoint returns the first recorded latitude/longitude pair and true,
// or false if the activity has no GPS stream.
func (s *StreamSet) FirstGPSPoint() (lat, lon float64, ok bool) {
	if s == nil || len(s.LatLng) == 0 {
		return 0, 0, false
	}
	return s.LatLng[0][0], s.LatLng[0][1], true
}

type streamWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the upstream provider on behalf of any user, attaching
// the OAuth2 token of the user named in each call and respecting the
// fleet-wide quota.
type Client struct {
	baseURL string
	http    *http.Client
	creds   *credentials.Manager
	quota   *quota.Manager
}

// New creates a Client. creds supplies per-user OAuth2 tokens; q enforces
// the rolling request quota before any call reaches the network.
func New(creds *credentials.Manager, q *quota.Manager) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: requestTimeout},
		creds:   creds,
		quota:   q,
	}
}

func (c *Client) authedRequest(ctx context.Context, userID uuid.UUID, method, path string) (*http.Request, error) {
	allowed, retryAfter := c.quota.Allow(ctx)
	if !allowed {
		return nil, &ErrQuotaExhausted{RetryAfter: retryAfter}
	}

	tok, err := c.creds.TokenFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain upstream token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return req, nil
}

// do issues req and decodes a successful response into out. A 404 is
// reported as errNotFound (not a failure: the resource is simply gone
// upstream). A 429 forces the fleet-wide daily quota closed and reports
// ErrRateLimited, since the provider knows its own budget better than our
// counters do. Usage is only recorded against the quota on a genuine 2xx,
// so error responses don't eat into the budget.
func (c *Client) do(ctx context.Context, userID uuid.UUID, req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		c.quota.ForceDailyExhausted(ctx)
		return &ErrRateLimited{}
	case resp.StatusCode == http.StatusUnauthorized:
		c.creds.Invalidate(userID)
		return fmt.Errorf("upstream rejected token for user %s", userID)
	case resp.StatusCode >= 300:
		return fmt.Errorf("upstream returned status %d for %s", resp.StatusCode, req.URL.Path)
	}

	c.quota.RecordUsage(ctx)

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetActivity fetches one activity's summary. Returns (nil, nil) if the
// activity is gone upstream (HTTP 404).
func (c *Client) GetActivity(ctx context.Context, userID uuid.UUID, upstreamID int64) (*Activity, error) {
	req, err := c.authedRequest(ctx, userID, http.MethodGet, fmt.Sprintf("/activities/%d", upstreamID))
	if err != nil {
		return nil, err
	}

	var wire activityWire
	if err := c.do(ctx, userID, req, &wire); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	wire.Activity.AthleteID = wire.Athlete.ID
	wire.Activity.Polyline = wire.Map.Polyline
	if wire.Activity.Polyline == "" {
		wire.Activity.Polyline = wire.Map.SummaryPolyline
	}
	return &wire.Activity, nil
}

// ListActivities lists the athlete's activities after the given time,
// following the upstream provider's page/per_page pagination.
func (c *Client) ListActivities(ctx context.Context, userID uuid.UUID, after time.Time, page, perPage int) ([]*Activity, error) {
	path := fmt.Sprintf("/athlete/activities?after=%d&page=%d&per_page=%d", after.Unix(), page, perPage)
	req, err := c.authedRequest(ctx, userID, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	var wires []activityWire
	if err := c.do(ctx, userID, req, &wires); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}

	activities := make([]*Activity, 0, len(wires))
	for _, w := range wires {
		w.Activity.AthleteID = w.Athlete.ID
		a := w.Activity
		activities = append(activities, &a)
	}
	return activities, nil
}

// GetStreams fetches the time-series streams for one activity. Returns nil
// without error if the activity has no recorded streams, or is gone
// upstream (HTTP 404).
func (c *Client) GetStreams(ctx context.Context, userID uuid.UUID, upstreamID int64) (*StreamSet, error) {
	path := fmt.Sprintf("/activities/%d/streams?keys=time,distance,heartrate,altitude,velocity_smooth,latlng,cadence&key_by_type=false", upstreamID)
	req, err := c.authedRequest(ctx, userID, http.MethodGet, path)
	if err != nil {
		return nil, err
	}

	var wires []streamWire
	if err := c.do(ctx, userID, req, &wires); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(wires) == 0 {
		return nil, nil
	}

	set := &StreamSet{}
	for _, w := range wires {
		switch w.Type {
		case "distance":
			_ = json.Unmarshal(w.Data, &set.Distance)
		case "time":
			_ = json.Unmarshal(w.Data, &set.Time)
		case "heartrate":
			_ = json.Unmarshal(w.Data, &set.HeartRate)
		case "altitude":
			_ = json.Unmarshal(w.Data, &set.Altitude)
		case "velocity_smooth":
			_ = json.Unmarshal(w.Data, &set.Velocity)
		case "latlng":
			_ = json.Unmarshal(w.Data, &set.LatLng)
		case "cadence":
			_ = json.Unmarshal(w.Data, &set.Cadence)
		}
	}
	return set, nil
}

// GetLaps fetches the lap summaries for one activity. Returns (nil, nil) if
// the activity is gone upstream (HTTP 404).
func (c *Client) GetLaps(ctx context.Context, userID uuid.UUID, upstreamID int64) ([]Lap, error) {
	req, err := c.authedRequest(ctx, userID, http.MethodGet, fmt.Sprintf("/activities/%d/laps", upstreamID))
	if err != nil {
		return nil, err
	}

	var laps []Lap
	if err := c.do(ctx, userID, req, &laps); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return laps, nil
}

// GetSegmentEfforts fetches the segment effort summaries for one activity.
// Returns (nil, nil) if the activity is gone upstream (HTTP 404).
func (c *Client) GetSegmentEfforts(ctx context.Context, userID uuid.UUID, upstreamID int64) ([]SegmentEffort, error) {
	req, err := c.authedRequest(ctx, userID, http.MethodGet, fmt.Sprintf("/activities/%d/segment_efforts", upstreamID))
	if err != nil {
		return nil, err
	}

	var efforts []SegmentEffort
	if err := c.do(ctx, userID, req, &efforts); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return efforts, nil
}
