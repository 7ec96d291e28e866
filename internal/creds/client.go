// Package creds fetches venue API credentials from the backend service.
// Credentials unlock authenticated REST endpoints (asset transfer status);
// the engine runs public-only without them.
package creds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"spreadscan/internal/market"
	"spreadscan/internal/venue"
)

// ErrUnauthorized signals a rejected service secret. Callers downgrade to
// public-only operation instead of failing.
var ErrUnauthorized = errors.New("creds: service secret rejected")

type wireCredentials struct {
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	Passphrase string `json:"passphrase,omitempty"`
	UserID     string `json:"userId"`
}

// Client talks to the backend's internal credentials API.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchAll returns the first credential set per venue. Venues the backend
// knows nothing about are absent from the map.
func (c *Client) FetchAll(ctx context.Context) (map[market.VenueID]*venue.Credentials, error) {
	var byVenue map[string][]wireCredentials
	if err := c.get(ctx, "/api/v1/internal/credentials", &byVenue); err != nil {
		return nil, err
	}

	out := make(map[market.VenueID]*venue.Credentials, len(byVenue))
	for name, list := range byVenue {
		if len(list) == 0 {
			continue
		}
		out[market.VenueID(name)] = &venue.Credentials{
			APIKey:     list[0].APIKey,
			APISecret:  list[0].APISecret,
			Passphrase: list[0].Passphrase,
		}
	}
	return out, nil
}

// FetchVenue returns the first credential set for one venue, or nil when the
// backend has none.
func (c *Client) FetchVenue(ctx context.Context, id market.VenueID) (*venue.Credentials, error) {
	var list []wireCredentials
	if err := c.get(ctx, "/api/v1/internal/credentials/"+string(id), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &venue.Credentials{
		APIKey:     list[0].APIKey,
		APISecret:  list[0].APISecret,
		Passphrase: list[0].Passphrase,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Service "+c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("credentials fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("credentials fetch: status %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Inject fetches credentials and hands them to the matching connectors.
// Failures are logged and swallowed: authenticated endpoints are an
// enrichment, never a precondition.
func Inject(ctx context.Context, c *Client, connectors map[market.VenueID]venue.Connector) {
	byVenue, err := c.FetchAll(ctx)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			log.Warn().Msg("service secret rejected, running public-only")
		} else {
			log.Warn().Err(err).Msg("credential fetch failed, running public-only")
		}
		return
	}
	for id, conn := range connectors {
		cred, ok := byVenue[id]
		if !ok {
			continue
		}
		type credentialed interface {
			SetCredentials(*venue.Credentials)
		}
		if cc, ok := conn.(credentialed); ok {
			cc.SetCredentials(cred)
			log.Info().Str("venue", string(id)).Msg("credentials injected")
		}
	}
}
