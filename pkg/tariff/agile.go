package tariff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/common"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/types"
)

const defaultAgileURL = "https://api.octopus.energy/v1/products/AGILE-18-02-21/electricity-tariffs/E-1R-AGILE-18-02-21-H/standard-unit-rates/"

const agileTimeout = 10 * time.Second

// Source provides half-hour tariff rates.
type Source interface {
	// Rates returns all rates the tariff endpoint currently publishes,
	// sorted by start time.
	Rates(ctx context.Context) ([]types.Rate, error)

	// RateFor returns the unit rate covering the start of the given
	// window. The second return is false when no covering rate could be
	// fetched; callers treat that as "price unknown", not as an error.
	RateFor(ctx context.Context, start, end time.Time) (float64, bool)
}

// Configured returns the tariff Source configured via lflag.
func Configured() Source {
	agileURL := lflag.String("agile-url", defaultAgileURL, "Tariff unit-rates endpoint")

	var s struct{ Source }

	lflag.Do(func() {
		s.Source = NewAgile(*agileURL)
	})

	return &s
}

// Agile fetches rates from an Octopus Agile style unit-rates endpoint.
type Agile struct {
	client *http.Client
	url    string
}

// NewAgile returns a client for the given unit-rates URL.
func NewAgile(rateURL string) *Agile {
	return &Agile{
		client: common.HTTPClient(agileTimeout),
		url:    rateURL,
	}
}

type agileResponse struct {
	Results []types.Rate `json:"results"`
}

func (a *Agile) fetch(ctx context.Context, rateURL string) ([]types.Rate, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rateURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body agileResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	rates := body.Results
	sort.Slice(rates, func(i, j int) bool { return rates[i].ValidFrom.Before(rates[j].ValidFrom) })
	return rates, nil
}

// Rates returns every published rate sorted by start time.
func (a *Agile) Rates(ctx context.Context) ([]types.Rate, error) {
	rates, err := a.fetch(ctx, a.url)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	return rates, nil
}

// RateFor queries the endpoint for the hour around the window and returns
// the rate covering its start.
func (a *Agile) RateFor(ctx context.Context, start, end time.Time) (float64, bool) {
	q := url.Values{}
	q.Set("period_from", start.UTC().Add(-time.Hour).Format(time.RFC3339))
	q.Set("period_to", end.UTC().Add(time.Hour).Format(time.RFC3339))

	rates, err := a.fetch(ctx, a.url+"?"+q.Encode())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch rate for slot",
			slog.Any("error", err), slog.Time("start", start))
		return 0, false
	}

	startUTC := start.UTC()
	for _, r := range rates {
		if r.Covers(startUTC) {
			return r.PencePerKWH, true
		}
	}
	return 0, false
}
