package creds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadscan/internal/market"
)

func TestFetchAllMapsFirstCredentialPerVenue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/internal/credentials", r.URL.Path)
		assert.Equal(t, "Service s3cret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"binance": [
				{"apiKey": "k1", "apiSecret": "s1", "userId": "u1"},
				{"apiKey": "k2", "apiSecret": "s2", "userId": "u2"}
			],
			"kucoin": [{"apiKey": "k3", "apiSecret": "s3", "passphrase": "p3", "userId": "u1"}],
			"okx": []
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	got, err := c.FetchAll(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[market.Binance].APIKey)
	assert.Equal(t, "s1", got[market.Binance].APISecret)
	assert.Equal(t, "p3", got[market.KuCoin].Passphrase)
	assert.NotContains(t, got, market.OKX, "venue with an empty list is dropped")
}

func TestFetchAllUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong")
	_, err := c.FetchAll(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestFetchVenue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/internal/credentials/bybit", r.URL.Path)
		_, _ = w.Write([]byte(`[{"apiKey": "k", "apiSecret": "s", "userId": "u"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	cred, err := c.FetchVenue(context.Background(), market.Bybit)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "k", cred.APIKey)
}

func TestFetchVenueEmptyIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	cred, err := c.FetchVenue(context.Background(), market.Bybit)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestFetchAllSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "s3cret")
	_, err := c.FetchAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
