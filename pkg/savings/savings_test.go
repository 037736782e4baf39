package savings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargepilot/chargepilot/pkg/types"
)

func TestActiveSessionsFiltersOngoing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if strings.Contains(req.Query, "obtainKrakenToken") {
			input := req.Variables["input"].(map[string]interface{})
			assert.Equal(t, "sk_test", input["APIKey"])
			_, _ = w.Write([]byte(`{"data": {"obtainKrakenToken": {"token": "jwt-123"}}}`))
			return
		}

		assert.Equal(t, "JWT jwt-123", r.Header.Get("Authorization"))
		assert.Equal(t, "A-1234", req.Variables["accountNumber"])
		_, _ = w.Write([]byte(`{"data": {"savingSessions": {"events": [
			{"id": "1", "code": "s1", "startAt": "2026-03-01T17:00:00Z", "endAt": "2026-03-01T18:00:00Z", "status": "ONGOING"},
			{"id": "2", "code": "s2", "startAt": "2026-03-02T17:00:00Z", "endAt": "2026-03-02T18:00:00Z", "status": "UPCOMING"},
			{"id": "3", "code": "s3", "startAt": "2026-02-28T17:00:00Z", "endAt": "2026-02-28T18:00:00Z", "status": "FINISHED"}
		], "eventCount": 3}}}`))
	}))
	defer srv.Close()

	k := NewKraken(srv.URL, "sk_test", "A-1234")
	sessions, err := k.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), sessions[0].StartAt)
}

func TestActiveSessionsTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"obtainKrakenToken": {"token": ""}}}`))
	}))
	defer srv.Close()

	k := NewKraken(srv.URL, "bad", "A-1234")
	_, err := k.ActiveSessions(context.Background())
	assert.Error(t, err)
}

func TestOverlaps(t *testing.T) {
	sessions := []types.SavingSession{{
		StartAt: time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC),
	}}

	at := func(h, m int) time.Time { return time.Date(2026, 3, 1, h, m, 0, 0, time.UTC) }

	assert.True(t, Overlaps(at(17, 15), at(17, 45), sessions), "inside")
	assert.True(t, Overlaps(at(16, 45), at(17, 15), sessions), "straddles start")
	assert.True(t, Overlaps(at(17, 45), at(18, 15), sessions), "straddles end")
	assert.False(t, Overlaps(at(16, 0), at(17, 0), sessions), "ends exactly at session start")
	assert.False(t, Overlaps(at(18, 0), at(19, 0), sessions), "starts exactly at session end")
	assert.False(t, Overlaps(at(17, 0), at(17, 30), nil), "no sessions")
}
