// Package fetch performs the authenticated remote call for one
// domain/period and normalizes rows into the canonical shape.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meterboard/telemetry/internal/auth"
	"github.com/meterboard/telemetry/internal/credentials"
	"github.com/meterboard/telemetry/internal/telemetry"
)

var ErrUnauthorized = errors.New("telemetry API rejected the bearer token")

// Config holds fetcher settings.
type Config struct {
	Host    string
	Timeout time.Duration
	// TokenExpiredDebounce bounds how often OnTokenExpired fires.
	TokenExpiredDebounce time.Duration
	// OnTokenExpired runs (debounced) when the API returns 401/403.
	OnTokenExpired func()
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client fetches device totals. A fresh cancellation context is
// created per call and any previous one for the same cache key is
// cancelled first, so superseding requests never race a stale one.
type Client struct {
	host    string
	http    *http.Client
	gate    *credentials.Gate
	tokens  auth.TokenSource
	log     *slog.Logger

	onTokenExpired func()
	debounce       time.Duration

	mu               sync.Mutex
	cancels          map[string]*flight
	lastTokenExpired time.Time
}

// flight tracks one in-flight call's cancellation token.
type flight struct {
	cancel context.CancelFunc
}

// NewClient builds a fetcher behind the credential gate.
func NewClient(cfg Config, gate *credentials.Gate, tokens auth.TokenSource) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	debounce := cfg.TokenExpiredDebounce
	if debounce <= 0 {
		debounce = time.Minute
	}
	return &Client{
		host:           strings.TrimRight(cfg.Host, "/"),
		http:           httpClient,
		gate:           gate,
		tokens:         tokens,
		log:            log,
		onTokenExpired: cfg.OnTokenExpired,
		debounce:       debounce,
		cancels:        make(map[string]*flight),
	}
}

type apiRow struct {
	ID         json.Number     `json:"id"`
	CustomerID json.Number     `json:"customer_id"`
	Name       string          `json:"name"`
	Label      string          `json:"label"`
	TotalValue decimal.Decimal `json:"total_value"`
	DeviceType string          `json:"device_type"`
	SlaveID    json.Number     `json:"slave_id"`
	CentralID  json.Number     `json:"central_id"`
}

type envelope struct {
	Data []apiRow `json:"data"`
}

// Fetch waits on the credential gate, calls the API, and returns
// normalized rows.
func (c *Client) Fetch(ctx context.Context, domain telemetry.Domain, period telemetry.Period) ([]telemetry.DeviceTotal, error) {
	creds, err := c.gate.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain bearer token: %w", err)
	}

	key := telemetry.CacheKey(domain, period)
	ctx, fl := c.supersede(ctx, key)
	defer c.settle(key, fl)

	endpoint := fmt.Sprintf("%s/api/v1/telemetry/customers/%s/%s/devices/totals",
		c.host, url.PathEscape(creds.CustomerID), url.PathEscape(string(domain)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("startTime", period.Start.Format("2006-01-02"))
	q.Set("endTime", period.End.Format("2006-01-02"))
	q.Set("deep", "1")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry request for %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.emitTokenExpired()
		return nil, fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("telemetry API returned status %d for %s", resp.StatusCode, domain)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	rows, err := parseRows(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", domain, err)
	}

	c.log.Debug("fetched device totals",
		"domain", domain, "rows", len(rows), "took", time.Since(start))
	return normalize(rows, creds.CustomerID, domain), nil
}

// parseRows tolerates either a bare array or a {data:[...]} envelope.
func parseRows(body []byte) ([]apiRow, error) {
	var rows []apiRow
	if err := json.Unmarshal(body, &rows); err == nil {
		return rows, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Data, nil
}

func normalize(rows []apiRow, customerID string, domain telemetry.Domain) []telemetry.DeviceTotal {
	out := make([]telemetry.DeviceTotal, 0, len(rows))
	for _, row := range rows {
		label := row.Label
		if label == "" {
			label = row.Name
		}
		cid := row.CustomerID.String()
		if cid == "" {
			cid = customerID
		}
		out = append(out, telemetry.DeviceTotal{
			ID:         row.ID.String(),
			CustomerID: cid,
			Label:      label,
			Value:      row.TotalValue,
			DeviceType: deviceTypeFor(row.DeviceType, domain),
			SlaveID:    row.SlaveID.String(),
			CentralID:  row.CentralID.String(),
		})
	}
	return out
}

// deviceTypeFor defaults the device type to the domain name when the
// API omits it.
func deviceTypeFor(apiType string, domain telemetry.Domain) string {
	if apiType != "" {
		return apiType
	}
	return string(domain)
}

// supersede cancels any previous in-flight context for key and
// registers a fresh one.
func (c *Client) supersede(ctx context.Context, key string) (context.Context, *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.cancels[key]; ok {
		prev.cancel()
	}
	cctx, cancel := context.WithCancel(ctx)
	fl := &flight{cancel: cancel}
	c.cancels[key] = fl
	return cctx, fl
}

// settle removes the registry entry if it is still ours and releases
// the context.
func (c *Client) settle(key string, fl *flight) {
	c.mu.Lock()
	if current, ok := c.cancels[key]; ok && current == fl {
		delete(c.cancels, key)
	}
	c.mu.Unlock()
	fl.cancel()
}

// CancelKey aborts any in-flight call for the cache key.
func (c *Client) CancelKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fl, ok := c.cancels[key]; ok {
		fl.cancel()
		delete(c.cancels, key)
	}
}

// CancelDomain aborts every in-flight call for the domain.
func (c *Client) CancelDomain(domain telemetry.Domain) {
	prefix := string(domain) + "|"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, fl := range c.cancels {
		if strings.HasPrefix(key, prefix) {
			fl.cancel()
			delete(c.cancels, key)
		}
	}
}

func (c *Client) emitTokenExpired() {
	c.mu.Lock()
	if time.Since(c.lastTokenExpired) < c.debounce {
		c.mu.Unlock()
		return
	}
	c.lastTokenExpired = time.Now()
	fn := c.onTokenExpired
	c.mu.Unlock()

	c.log.Warn("telemetry API reported an expired token")
	if fn != nil {
		fn()
	}
}
