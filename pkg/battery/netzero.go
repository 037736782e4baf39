package battery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/common"
	"github.com/chargepilot/chargepilot/pkg/log"
	"github.com/chargepilot/chargepilot/pkg/types"
)

const (
	defaultNetZeroURL = "https://api.netzero.energy/api/v1"

	netzeroTimeout = 10 * time.Second
)

// Configured returns the battery Controller configured via lflag.
func Configured() Controller {
	baseURL := lflag.String("netzero-url", defaultNetZeroURL, "Base URL of the battery control API")
	apiKey := lflag.String("netzero-api-key", "", "Bearer token for the battery control API")
	siteID := lflag.String("site-id", "", "Site identifier on the battery control API")
	simulation := lflag.Bool("simulation", false, "Return canned battery responses without network calls")

	var c struct{ Controller }

	lflag.Do(func() {
		if *simulation {
			c.Controller = NewSimulator()
			return
		}
		if *apiKey == "" || *siteID == "" {
			panic("netzero-api-key and site-id are required unless simulation is enabled")
		}
		c.Controller = NewNetZero(*baseURL, *siteID, *apiKey)
	})

	return &c
}

// NetZero drives a battery through the NetZero config endpoint.
type NetZero struct {
	client *http.Client
	url    string
	apiKey string
}

// NewNetZero returns a client for the given site. All requests are bounded
// by a 10 second timeout and treated as failures beyond it.
func NewNetZero(baseURL, siteID, apiKey string) *NetZero {
	return &NetZero{
		client: common.HTTPClient(netzeroTimeout),
		url:    fmt.Sprintf("%s/%s/config", strings.TrimSuffix(baseURL, "/"), siteID),
		apiKey: apiKey,
	}
}

type netzeroLive struct {
	PercentageCharged *float64 `json:"percentage_charged"`
	GridStatus        string   `json:"grid_status"`
	IslandStatus      string   `json:"island_status"`
	BatteryPower      float64  `json:"battery_power"`
	SolarPower        float64  `json:"solar_power"`
	LoadPower         float64  `json:"load_power"`
	Timestamp         string   `json:"timestamp"`
}

type netzeroConfig struct {
	LiveStatus        *netzeroLive `json:"live_status"`
	PercentageCharged *float64     `json:"percentage_charged"`
	GridCharging      bool         `json:"grid_charging"`
	GridStatus        string       `json:"grid_status"`
	IslandStatus      string       `json:"island_status"`
	Timestamp         string       `json:"timestamp"`
}

// Status returns the battery's live state, preferring live_status fields
// over the top-level config fields when both are present.
func (n *NetZero) Status(ctx context.Context) (types.BatteryStatus, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", n.url, nil)
	if err != nil {
		return types.BatteryStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return types.BatteryStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.BatteryStatus{}, fmt.Errorf("status %d", resp.StatusCode)
	}

	var cfg netzeroConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return types.BatteryStatus{}, err
	}

	live := cfg.LiveStatus
	if live == nil {
		live = &netzeroLive{}
	}

	percentage := 0.0
	if live.PercentageCharged != nil {
		percentage = *live.PercentageCharged
	} else if cfg.PercentageCharged != nil {
		percentage = *cfg.PercentageCharged
	}

	status := types.BatteryStatus{
		PercentageCharged: math.Round(percentage*100) / 100,
		GridCharging:      cfg.GridCharging,
		GridStatus:        firstNonEmpty(live.GridStatus, cfg.GridStatus),
		IslandStatus:      firstNonEmpty(live.IslandStatus, cfg.IslandStatus, "unknown"),
		BatteryPower:      live.BatteryPower,
		SolarPower:        live.SolarPower,
		LoadPower:         live.LoadPower,
		Timestamp:         firstNonEmpty(live.Timestamp, cfg.Timestamp),
	}

	log.Ctx(ctx).DebugContext(ctx, "battery status",
		slog.Float64("soc", status.PercentageCharged),
		slog.String("island", status.IslandStatus),
		slog.Bool("grid_charging", status.GridCharging))
	return status, nil
}

// SetCharge posts the reserve percent and grid-charging flag, plus the
// operational mode when one is given.
func (n *NetZero) SetCharge(ctx context.Context, reserve int, gridCharging bool, mode string) error {
	payload := struct {
		BackupReservePercent int    `json:"backup_reserve_percent"`
		GridCharging         bool   `json:"grid_charging"`
		OperationalMode      string `json:"operational_mode,omitempty"`
	}{
		BackupReservePercent: reserve,
		GridCharging:         gridCharging,
		OperationalMode:      mode,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	log.Ctx(ctx).InfoContext(ctx, "battery set_charge ok",
		slog.Int("reserve", reserve),
		slog.Bool("grid_charging", gridCharging))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
