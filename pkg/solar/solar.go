package solar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/common"
	"github.com/chargepilot/chargepilot/pkg/location"
	"github.com/chargepilot/chargepilot/pkg/log"
)

const (
	defaultForecastURL = "https://api.open-meteo.com/v1/forecast"

	forecastTimeout = 10 * time.Second
)

// Forecaster answers whether forecast solar alone can cover a charging
// window.
type Forecaster interface {
	// HasEnoughSolar reports whether the forecast PV energy over
	// [start, end) meets targetKWH. Any failure to produce a forecast
	// returns false so callers fall back to grid charging.
	HasEnoughSolar(ctx context.Context, start, end time.Time, targetKWH float64) bool
}

// PVParams describes the panel array used to convert irradiance samples to
// electrical power.
type PVParams struct {
	NumPanels         int
	NominalWatts      float64
	MaxWatts          float64
	NominalIrradiance float64
	Derating          float64
	TiltDegrees       float64
	AzimuthDegrees    float64
}

// PowerKW converts a tilted irradiance sample (W/m2) to array output in kW,
// capped at the array's maximum rating.
func (p PVParams) PowerKW(irradiance float64) float64 {
	nominal := float64(p.NumPanels) * p.NominalWatts
	maximum := float64(p.NumPanels) * p.MaxWatts
	return math.Min(nominal*(irradiance/p.NominalIrradiance)*p.Derating, maximum) / 1000
}

// Configured returns the solar Forecaster configured via lflag. Coordinates
// come from the already-resolved site location.
func Configured(loc *location.Location) Forecaster {
	forecastURL := lflag.String("weather-url", defaultForecastURL, "Irradiance forecast endpoint")
	cachePath := lflag.String("weather-cache", "data/weather_cache.json", "Path of the forecast cache file")
	ttl := lflag.Duration("weather-cache-ttl", time.Hour, "How long cached forecast samples stay fresh")
	numPanels := lflag.String("pv-num-panels", "10", "Number of PV panels")
	nominalWatts := lflag.String("pv-nominal-watts", "400", "Nominal panel rating in W")
	maxWatts := lflag.String("pv-max-watts", "420", "Maximum panel output in W")
	derating := lflag.String("pv-derating", "0.85", "System derating factor")
	tilt := lflag.String("pv-tilt", "30", "Panel tilt in degrees")
	azimuth := lflag.String("pv-azimuth", "180", "Panel azimuth in degrees")

	var f struct{ Forecaster }

	lflag.Do(func() {
		pv := PVParams{NominalIrradiance: 1000}
		var err error
		if pv.NumPanels, err = strconv.Atoi(*numPanels); err != nil {
			panic(fmt.Sprintf("invalid pv-num-panels: %v", err))
		}
		if pv.NominalWatts, err = strconv.ParseFloat(*nominalWatts, 64); err != nil {
			panic(fmt.Sprintf("invalid pv-nominal-watts: %v", err))
		}
		if pv.MaxWatts, err = strconv.ParseFloat(*maxWatts, 64); err != nil {
			panic(fmt.Sprintf("invalid pv-max-watts: %v", err))
		}
		if pv.Derating, err = strconv.ParseFloat(*derating, 64); err != nil {
			panic(fmt.Sprintf("invalid pv-derating: %v", err))
		}
		if pv.TiltDegrees, err = strconv.ParseFloat(*tilt, 64); err != nil {
			panic(fmt.Sprintf("invalid pv-tilt: %v", err))
		}
		if pv.AzimuthDegrees, err = strconv.ParseFloat(*azimuth, 64); err != nil {
			panic(fmt.Sprintf("invalid pv-azimuth: %v", err))
		}
		f.Forecaster = NewClient(*forecastURL, *cachePath, *ttl, loc, pv)
	})

	return &f
}

// Client fetches 15-minute tilted-irradiance samples and keeps them in a
// JSON cache file so repeated gate checks within the TTL cost no network
// calls.
type Client struct {
	client    *http.Client
	url       string
	cachePath string
	ttl       time.Duration
	loc       *location.Location
	pv        PVParams

	mu sync.Mutex

	now func() time.Time
}

// NewClient returns a forecast client writing its cache to cachePath.
func NewClient(forecastURL, cachePath string, ttl time.Duration, loc *location.Location, pv PVParams) *Client {
	return &Client{
		client:    common.HTTPClient(forecastTimeout),
		url:       forecastURL,
		cachePath: cachePath,
		ttl:       ttl,
		loc:       loc,
		pv:        pv,
		now:       time.Now,
	}
}

// Sample is one cached irradiance reading.
type Sample struct {
	Timestamp        string `json:"timestamp"`
	GlobalIrradiance int    `json:"global_irradiance"`
}

type cacheFile struct {
	CachedTimestampUTC string   `json:"cached_timestamp_utc"`
	Data               []Sample `json:"data"`
}

// HasEnoughSolar reports whether mean forecast PV power over [start, end)
// times the window duration meets targetKWH. Any error returns false.
func (c *Client) HasEnoughSolar(ctx context.Context, start, end time.Time, targetKWH float64) bool {
	samples, err := c.samples(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "solar forecast unavailable", slog.Any("error", err))
		return false
	}

	startUTC, endUTC := start.UTC(), end.UTC()
	var sum float64
	var n int
	for _, s := range samples {
		ts, err := time.Parse(time.RFC3339, s.Timestamp)
		if err != nil {
			continue
		}
		if ts.Before(startUTC) || !ts.Before(endUTC) {
			continue
		}
		sum += c.pv.PowerKW(float64(s.GlobalIrradiance))
		n++
	}
	if n == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no forecast samples for window",
			slog.Time("start", startUTC), slog.Time("end", endUTC))
		return false
	}

	meanKW := sum / float64(n)
	energyKWH := meanKW * endUTC.Sub(startUTC).Hours()
	log.Ctx(ctx).InfoContext(ctx, "solar forecast for window",
		slog.Float64("mean_kw", meanKW),
		slog.Float64("energy_kwh", energyKWH),
		slog.Float64("target_kwh", targetKWH))
	return energyKWH >= targetKWH
}

// samples returns cached readings, refreshing from the forecast endpoint
// when the cache is missing or stale.
func (c *Client) samples(ctx context.Context) ([]Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, err := c.readCache(); err == nil {
		return cached, nil
	}

	samples, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.writeCache(samples); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write forecast cache", slog.Any("error", err))
	}
	return samples, nil
}

func (c *Client) readCache() ([]Sample, error) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return nil, err
	}
	var cache cacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, err
	}
	cachedAt, err := time.Parse(time.RFC3339, cache.CachedTimestampUTC)
	if err != nil {
		return nil, err
	}
	if c.now().UTC().Sub(cachedAt) > c.ttl {
		return nil, fmt.Errorf("cache stale")
	}
	return cache.Data, nil
}

func (c *Client) writeCache(samples []Sample) error {
	data, err := json.MarshalIndent(cacheFile{
		CachedTimestampUTC: c.now().UTC().Format(time.RFC3339),
		Data:               samples,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return err
	}
	tmp := c.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.cachePath)
}

type forecastResponse struct {
	Minutely15 struct {
		Time                          []string  `json:"time"`
		GlobalTiltedIrradianceInstant []float64 `json:"global_tilted_irradiance_instant"`
	} `json:"minutely_15"`
}

func (c *Client) fetch(ctx context.Context) ([]Sample, error) {
	lat, lon := c.loc.Latitude, c.loc.Longitude
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("minutely_15", "global_tilted_irradiance_instant")
	q.Set("models", "best_match")
	q.Set("forecast_days", "1")
	q.Set("tilt", strconv.FormatFloat(c.pv.TiltDegrees, 'f', -1, 64))
	q.Set("azimuth", strconv.FormatFloat(c.pv.AzimuthDegrees, 'f', -1, 64))
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, "GET", c.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Minutely15.Time) != len(body.Minutely15.GlobalTiltedIrradianceInstant) {
		return nil, fmt.Errorf("mismatched forecast arrays")
	}

	samples := make([]Sample, 0, len(body.Minutely15.Time))
	for i, ts := range body.Minutely15.Time {
		// Open-Meteo returns zoneless ISO times when timezone=UTC
		parsed, err := time.Parse("2006-01-02T15:04", ts)
		if err != nil {
			continue
		}
		samples = append(samples, Sample{
			Timestamp:        parsed.UTC().Format(time.RFC3339),
			GlobalIrradiance: int(math.Round(body.Minutely15.GlobalTiltedIrradianceInstant[i])),
		})
	}
	return samples, nil
}
