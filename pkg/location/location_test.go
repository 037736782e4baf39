package location

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCachesLookup(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/SN40GJ", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":200,"result":{"latitude":51.55,"longitude":-1.78}}`))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "location.json")

	loc, err := Resolve(context.Background(), srv.URL, "SN40GJ", cache)
	require.NoError(t, err)
	assert.Equal(t, 51.55, loc.Latitude)
	assert.Equal(t, -1.78, loc.Longitude)

	// second resolve for the same postcode is served from the cache
	loc, err = Resolve(context.Background(), srv.URL, "SN40GJ", cache)
	require.NoError(t, err)
	assert.Equal(t, 51.55, loc.Latitude)
	assert.Equal(t, int32(1), hits.Load())

	// a different postcode goes back to the geocoder
	_, err = Resolve(context.Background(), srv.URL, "SW1A1AA", cache)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestResolveMissingCoordinates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":200,"result":{}}`))
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), srv.URL, "XX00XX", filepath.Join(t.TempDir(), "location.json"))
	assert.Error(t, err)
}

func TestResolveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Resolve(context.Background(), srv.URL, "XX00XX", filepath.Join(t.TempDir(), "location.json"))
	assert.Error(t, err)
}
