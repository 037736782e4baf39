package tariff

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ratesBody = `{"results": [
	{"valid_from": "2026-03-01T03:00:00Z", "valid_to": "2026-03-01T03:30:00Z", "value_inc_vat": 8.1},
	{"valid_from": "2026-03-01T02:00:00Z", "valid_to": "2026-03-01T02:30:00Z", "value_inc_vat": 5.25},
	{"valid_from": "2026-03-01T02:30:00Z", "valid_to": "2026-03-01T03:00:00Z", "value_inc_vat": 6.3}
]}`

func TestRatesSorted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ratesBody))
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	rates, err := a.Rates(context.Background())
	require.NoError(t, err)
	require.Len(t, rates, 3)
	assert.Equal(t, 5.25, rates[0].PencePerKWH)
	assert.Equal(t, 6.3, rates[1].PencePerKWH)
	assert.Equal(t, 8.1, rates[2].PencePerKWH)
}

func TestRatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	_, err := a.Rates(context.Background())
	assert.Error(t, err)
}

func TestRateForMatchesSlotStart(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(ratesBody))
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	start := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	rate, ok := a.RateFor(context.Background(), start, end)
	require.True(t, ok)
	assert.Equal(t, 6.3, rate)
	assert.Contains(t, query, "period_from=2026-03-01T01%3A30%3A00Z")
	assert.Contains(t, query, "period_to=2026-03-01T04%3A00%3A00Z")
}

func TestRateForBoundaryIsHalfOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(ratesBody))
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	// 02:30 belongs to the [02:30, 03:00) window, not [02:00, 02:30)
	rate, ok := a.RateFor(context.Background(), time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC), time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, 6.3, rate)
}

func TestRateForUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	_, ok := a.RateFor(context.Background(), time.Now(), time.Now().Add(30*time.Minute))
	assert.False(t, ok)
}

func TestRateForErrorReturnsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAgile(srv.URL)
	_, ok := a.RateFor(context.Background(), time.Now(), time.Now().Add(30*time.Minute))
	assert.False(t, ok)
}
