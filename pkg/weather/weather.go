// Package weather attaches historical or forecast weather observations to
// activities via Open-Meteo, keyed off each activity's first GPS point and
// start time.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pacecraft/enrichment/pkg/log"
	"github.com/pacecraft/enrichment/pkg/metrics"
	"github.com/pacecraft/enrichment/pkg/storage"
	"github.com/pacecraft/enrichment/pkg/types"
)

const (
	historicalBaseURL = "https://archive-api.open-meteo.com/v1/archive"
	forecastBaseURL   = "https://api.open-meteo.com/v1/forecast"
	hourlyParams      = "temperature_2m,wind_speed_10m,precipitation"

	// historicalThreshold is the activity age past which the archive
	// endpoint is used instead of the forecast endpoint, which only
	// retains a short trailing window.
	historicalThreshold = 5 * 24 * time.Hour

	requestTimeout = 15 * time.Second
)

// GPSPoint is a latitude/longitude pair taken from an activity's stream.
type GPSPoint struct {
	Lat float64
	Lon float64
}

type hourlyBlock struct {
	Time          []string  `json:"time"`
	Temperature2m []float64 `json:"temperature_2m"`
	WindSpeed10m  []float64 `json:"wind_speed_10m"`
	Precipitation []float64 `json:"precipitation"`
}

type openMeteoResponse struct {
	Hourly hourlyBlock `json:"hourly"`
}

// Fetcher retrieves and persists weather observations for activities,
// throttled to one outbound request per 100ms.
type Fetcher struct {
	store   storage.WeatherStore
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Fetcher backed by store.
func New(store storage.WeatherStore) *Fetcher {
	return &Fetcher{
		store:   store,
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
}

// Attach fetches weather for activityID at startDate/gps and persists it.
// Returns nil on success. It also returns nil, without saving anything, when
// the response carries no hourly data. It does not check whether a weather
// record already exists for the activity; SaveWeather overwrites it.
func (f *Fetcher) Attach(ctx context.Context, activityID uuid.UUID, startDate time.Time, gps GPSPoint) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WeatherFetchDuration)

	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("weather rate limiter wait failed: %w", err)
	}

	baseURL := forecastBaseURL
	source := "forecast"
	if time.Since(startDate) > historicalThreshold {
		baseURL = historicalBaseURL
		source = "historical"
	}

	dateStr := startDate.UTC().Format("2006-01-02")
	url := fmt.Sprintf("%s?latitude=%f&longitude=%f&start_date=%s&end_date=%s&hourly=%s&timezone=UTC",
		baseURL, gps.Lat, gps.Lon, dateStr, dateStr, hourlyParams)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		log.WithActivityID(activityID.String()).Warn().Err(err).Msg("open-meteo request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.WithActivityID(activityID.String()).Warn().Int("status", resp.StatusCode).Msg("open-meteo returned non-2xx")
		return fmt.Errorf("open-meteo returned status %d", resp.StatusCode)
	}

	var body openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode open-meteo response: %w", err)
	}
	if len(body.Hourly.Time) == 0 {
		log.WithActivityID(activityID.String()).Warn().Msg("open-meteo response had no hourly data")
		return nil
	}

	idx := closestHourIndex(body.Hourly.Time, startDate)

	record := &types.WeatherRecord{
		ActivityID: activityID,
		ObservedAt: parseHour(body.Hourly.Time[idx], startDate),
		Source:     source,
	}
	record.TemperatureC = valueAt(body.Hourly.Temperature2m, idx)
	record.WindSpeedKPH = valueAt(body.Hourly.WindSpeed10m, idx)
	record.Precipitation = valueAt(body.Hourly.Precipitation, idx)

	if err := f.store.SaveWeather(ctx, record); err != nil {
		return err
	}

	log.WithActivityID(activityID.String()).Info().
		Float64("temperature_c", record.TemperatureC).
		Str("source", source).
		Msg("weather attached")
	return nil
}

// closestHourIndex returns the index of the hourly entry nearest target.
func closestHourIndex(hours []string, target time.Time) int {
	best := 0
	bestDiff := time.Duration(1<<63 - 1)
	for i, h := range hours {
		t, err := time.Parse("2006-01-02T15:04", h)
		if err != nil {
			continue
		}
		diff := target.UTC().Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff {
			bestDiff = diff
			best = i
		}
	}
	return best
}

func parseHour(h string, fallback time.Time) time.Time {
	t, err := time.Parse("2006-01-02T15:04", h)
	if err != nil {
		return fallback
	}
	return t
}

func valueAt(values []float64, idx int) float64 {
	if idx < len(values) {
		return values[idx]
	}
	return 0
}
