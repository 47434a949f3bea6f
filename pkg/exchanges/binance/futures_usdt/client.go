// Package futures_usdt binds Binance USDT-M futures to the exchange Client contract.
package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"copytrade-core/pkg/exchanges/common"
)

const (
	mainnetREST = "https://fapi.binance.com"
	testnetREST = "https://testnet.binancefuture.com"
	mainnetWS   = "wss://fstream.binance.com/ws/"
	testnetWS   = "wss://stream.binancefuture.com/ws/"

	weightLimit    = 2400
	filtersTTL     = time.Hour
	allOrdersLimit = 500
)

var errNoCredentials = errors.New("binance usdt futures: API key/secret required")

// Config holds Binance USDT-M futures settings for one account.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	// Symbols are always included when reading order history.
	Symbols []string
	// RPS paces requests; zero disables pacing.
	RPS float64
	// BaseURL overrides the REST endpoint.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client handles Binance USDT-M futures for one account.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	log         *zap.Logger
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter

	dual atomic.Bool

	filtersMu      sync.Mutex
	filters        map[string]common.SymbolFilters
	filtersFetched time.Time

	// symbols seen in positions or open orders, or hinted by the caller
	trackedMu sync.Mutex
	tracked   map[string]struct{}
}

var (
	_ common.Client        = (*Client)(nil)
	_ common.SymbolTracker = (*Client)(nil)
)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := mainnetREST
	if cfg.Testnet {
		base = testnetREST
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		log:        log.Named("binance"),
		tracked:    make(map[string]struct{}),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.log)
	c.rateLimiter = common.NewRateLimiter(cfg.RPS, weightLimit, time.Minute, c.log)
	return c
}

// WSBaseURL is the user-data stream endpoint matching the REST environment.
func (c *Client) WSBaseURL() string {
	if c.cfg.Testnet {
		return testnetWS
	}
	return mainnetWS
}

// SyncTime refreshes the local/exchange clock offset.
func (c *Client) SyncTime(ctx context.Context) error {
	return c.timeSync.Sync(ctx)
}

// Ping verifies connectivity and that the credentials can read the account.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.timeSync.Sync(ctx); err != nil {
		return fmt.Errorf("binance usdt futures ping: %w", err)
	}
	_, err := c.GetBalance(ctx)
	return err
}

// GetServerTime fetches futures server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey")
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey")
	return err
}

// CloseListenKey invalidates the listen key.
func (c *Client) CloseListenKey(ctx context.Context) error {
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey")
	return err
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

// doSigned signs params and sends them.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errNoCredentials
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req     *http.Request
		err     error
		encoded = params.Encode()
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req)
}

// doKeyed sends an API-key-only request (listen key management).
func (c *Client) doKeyed(ctx context.Context, method, path string) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, errNoCredentials
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	if err := c.rateLimiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance usdt futures %s %s: %w", req.Method, req.URL.Path, parseAPIError(res.StatusCode, body))
	}
	return body, nil
}
