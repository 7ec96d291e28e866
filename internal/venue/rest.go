package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"spreadscan/internal/telemetry"
)

const restTimeout = 30 * time.Second

// RESTClient is the shared REST plumbing for one venue: a rate limiter so we
// respect venue request budgets, and a circuit breaker so a failing venue is
// skipped instead of hammered during bootstrap.
type RESTClient struct {
	venue   string
	base    string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewRESTClient builds a client for baseURL, allowing rps requests per second
// with a small burst.
func NewRESTClient(venue, baseURL string, rps float64) *RESTClient {
	return &RESTClient{
		venue:   venue,
		base:    baseURL,
		http:    &http.Client{Timeout: restTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        venue,
			MaxRequests: 2,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Get fetches base+path?query and decodes the JSON body into out.
func (c *RESTClient) Get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

// Post issues an empty-bodied POST (token bootstrap endpoints) and decodes
// the JSON response into out.
func (c *RESTClient) Post(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, q, nil, out)
}

// SignedGet is Get with a binance-style HMAC-SHA256 signature: a timestamp is
// appended to the query, the whole query string is signed, and the API key
// travels in hdrKey.
func (c *RESTClient) SignedGet(ctx context.Context, path string, q url.Values, creds *Credentials, hdrKey string, out any) error {
	if creds == nil || creds.APIKey == "" {
		return fmt.Errorf("%s: no credentials for signed request", c.venue)
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	q.Set("signature", Sign(creds.APISecret, q.Encode()))
	return c.do(ctx, http.MethodGet, path, q, map[string]string{hdrKey: creds.APIKey}, out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, q url.Values, headers map[string]string, out any) error {
	endpoint := path
	timer := telemetry.NewTimer()
	defer timer.Observe(telemetry.RestFetchDuration, c.venue, endpoint)

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	body, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s %s: status %d: %s", c.venue, path, resp.StatusCode, truncate(b, 200))
		}
		return b, nil
	})
	if err != nil {
		telemetry.RestFetchErrors.WithLabelValues(c.venue, endpoint).Inc()
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		telemetry.RestFetchErrors.WithLabelValues(c.venue, endpoint).Inc()
		return fmt.Errorf("%s %s: decode: %w", c.venue, path, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
