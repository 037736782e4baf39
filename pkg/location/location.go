package location

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/common"
	"github.com/chargepilot/chargepilot/pkg/log"
)

const (
	defaultPostcodeURL = "https://api.postcodes.io/postcodes"

	lookupTimeout = 10 * time.Second
)

// Location is the installation site used for solar forecasting. It is
// resolved once at startup; postcode lookups are cached on disk so the
// geocoder is hit at most once per postcode.
type Location struct {
	Postcode  string  `json:"postcode"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// Configured returns the site Location configured via lflag. When a postcode
// is given it is resolved through the geocoder (with a disk cache); the
// latitude/longitude flags are the fallback.
func Configured() *Location {
	postcode := lflag.String("postcode", "", "Site postcode resolved to coordinates via the geocoder")
	postcodeURL := lflag.String("postcode-url", defaultPostcodeURL, "Geocoder base URL")
	cachePath := lflag.String("location-cache", "data/location_cache.json", "Path of the resolved-location cache file")
	latitude := lflag.String("latitude", "51.5074", "Site latitude, used when no postcode is set")
	longitude := lflag.String("longitude", "-0.1278", "Site longitude, used when no postcode is set")

	loc := &Location{}

	lflag.Do(func() {
		lat, err := strconv.ParseFloat(*latitude, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid latitude: %v", err))
		}
		lon, err := strconv.ParseFloat(*longitude, 64)
		if err != nil {
			panic(fmt.Sprintf("invalid longitude: %v", err))
		}
		loc.Latitude, loc.Longitude = lat, lon

		if *postcode == "" {
			return
		}
		ctx := context.Background()
		resolved, err := Resolve(ctx, *postcodeURL, *postcode, *cachePath)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to resolve postcode, using configured coordinates",
				slog.Any("error", err), slog.String("postcode", *postcode))
			return
		}
		loc.Postcode = resolved.Postcode
		loc.Latitude = resolved.Latitude
		loc.Longitude = resolved.Longitude
		loc.Timezone = resolved.Timezone
	})

	return loc
}

type postcodeResponse struct {
	Result struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"result"`
}

// Resolve looks up the postcode's coordinates, reading and writing the cache
// file at cachePath. A cached entry is only reused when its postcode
// matches.
func Resolve(ctx context.Context, baseURL, postcode, cachePath string) (*Location, error) {
	if cached, err := readCache(cachePath); err == nil && cached.Postcode == postcode {
		return cached, nil
	}

	client := common.HTTPClient(lookupTimeout)
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL+"/"+postcode, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body postcodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Result.Latitude == nil || body.Result.Longitude == nil {
		return nil, fmt.Errorf("postcode %s has no coordinates", postcode)
	}

	loc := &Location{
		Postcode:  postcode,
		Latitude:  *body.Result.Latitude,
		Longitude: *body.Result.Longitude,
	}
	if err := writeCache(cachePath, loc); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to write location cache", slog.Any("error", err))
	}
	return loc, nil
}

func readCache(path string) (*Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func writeCache(path string, loc *Location) error {
	data, err := json.MarshalIndent(loc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
