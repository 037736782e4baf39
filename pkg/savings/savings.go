package savings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/chargepilot/chargepilot/pkg/common"
	"github.com/chargepilot/chargepilot/pkg/types"
)

const (
	defaultGraphQLURL = "https://api.octopus.energy/v1/graphql/"

	krakenTimeout = 10 * time.Second
)

const obtainTokenMutation = `
mutation obtainKrakenToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) { token }
}`

const savingSessionsQuery = `
query SavingSessions($accountNumber: String) {
  savingSessions(accountNumber: $accountNumber) {
    events {
      id
      code
      startAt
      endAt
      status
    }
    eventCount
  }
}`

// Source provides the utility's demand-response sessions.
type Source interface {
	// ActiveSessions returns sessions currently labelled ongoing.
	ActiveSessions(ctx context.Context) ([]types.SavingSession, error)
}

// Configured returns the saving-session Source configured via lflag. With no
// API key configured it returns a Source that always reports no sessions.
func Configured() Source {
	graphqlURL := lflag.String("octopus-graphql-url", defaultGraphQLURL, "Utility GraphQL endpoint for saving sessions")
	apiKey := lflag.String("octopus-api-key", "", "Utility API key; saving sessions are skipped when empty")
	accountNumber := lflag.String("octopus-account-number", "", "Utility account number")

	var s struct{ Source }

	lflag.Do(func() {
		if *apiKey == "" {
			s.Source = disabled{}
			return
		}
		s.Source = NewKraken(*graphqlURL, *apiKey, *accountNumber)
	})

	return &s
}

type disabled struct{}

func (disabled) ActiveSessions(ctx context.Context) ([]types.SavingSession, error) {
	return nil, nil
}

// Kraken fetches saving sessions over the Kraken GraphQL API, obtaining a
// short-lived JWT from the API key on each query.
type Kraken struct {
	client        *http.Client
	url           string
	apiKey        string
	accountNumber string
}

// NewKraken returns a client for the given GraphQL endpoint.
func NewKraken(graphqlURL, apiKey, accountNumber string) *Kraken {
	return &Kraken{
		client:        common.HTTPClient(krakenTimeout),
		url:           graphqlURL,
		apiKey:        apiKey,
		accountNumber: accountNumber,
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type sessionEvent struct {
	ID      string    `json:"id"`
	Code    string    `json:"code"`
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
	Status  string    `json:"status"`
}

// ActiveSessions returns every session the account currently has in the
// ongoing state.
func (k *Kraken) ActiveSessions(ctx context.Context) ([]types.SavingSession, error) {
	token, err := k.obtainToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain token: %w", err)
	}

	var body struct {
		Data struct {
			SavingSessions struct {
				Events []sessionEvent `json:"events"`
			} `json:"savingSessions"`
		} `json:"data"`
	}
	err = k.post(ctx, graphqlRequest{
		Query:     savingSessionsQuery,
		Variables: map[string]interface{}{"accountNumber": k.accountNumber},
	}, "JWT "+token, &body)
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}

	var sessions []types.SavingSession
	for _, e := range body.Data.SavingSessions.Events {
		if e.Status != "ONGOING" {
			continue
		}
		sessions = append(sessions, types.SavingSession{StartAt: e.StartAt, EndAt: e.EndAt})
	}
	return sessions, nil
}

func (k *Kraken) obtainToken(ctx context.Context) (string, error) {
	var body struct {
		Data struct {
			ObtainKrakenToken struct {
				Token string `json:"token"`
			} `json:"obtainKrakenToken"`
		} `json:"data"`
	}
	err := k.post(ctx, graphqlRequest{
		Query:     obtainTokenMutation,
		Variables: map[string]interface{}{"input": map[string]interface{}{"APIKey": k.apiKey}},
	}, "", &body)
	if err != nil {
		return "", err
	}
	if body.Data.ObtainKrakenToken.Token == "" {
		return "", fmt.Errorf("empty token")
	}
	return body.Data.ObtainKrakenToken.Token, nil
}

func (k *Kraken) post(ctx context.Context, payload graphqlRequest, auth string, dest interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", k.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// Overlaps reports whether any session intersects the half-open window
// [start, end).
func Overlaps(start, end time.Time, sessions []types.SavingSession) bool {
	for _, s := range sessions {
		if start.Before(s.EndAt) && end.After(s.StartAt) {
			return true
		}
	}
	return false
}
