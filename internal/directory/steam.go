package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cs2-scanner/internal/config"
	"github.com/cs2-scanner/internal/metrics"
	"github.com/cs2-scanner/internal/types"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/proxy"
)

const serverListPath = "/IGameServersService/GetServerList/v1/"

// SteamClient queries the Steam game server directory
type SteamClient struct {
	baseURL string
	appID   int
	region  int
	timeout time.Duration
	client  *fasthttp.Client
	metrics *metrics.Collector

	keyMu  sync.RWMutex
	apiKey string

	rateLimitMu sync.RWMutex
	rateLimit   RateLimitInfo
}

type RateLimitInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     int       `json:"reset"`
	UpdatedAt time.Time `json:"updated_at"`
}

type serverListResponse struct {
	Response struct {
		Servers []steamServer `json:"servers"`
	} `json:"response"`
}

type steamServer struct {
	SteamID    string `json:"steamid"`
	Addr       string `json:"addr"`
	Name       string `json:"name"`
	Map        string `json:"map"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Bots       int    `json:"bots"`
	Version    string `json:"version"`
}

func NewSteamClient(cfg config.DirectoryConfig, metricsCollector *metrics.Collector) (*SteamClient, error) {
	client := &fasthttp.Client{
		MaxConnsPerHost:     100,
		ReadTimeout:         cfg.RequestTimeout(),
		WriteTimeout:        cfg.RequestTimeout(),
		MaxIdleConnDuration: 1 * time.Minute,
	}

	if cfg.SOCKS5Proxy != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.SOCKS5Proxy, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		client.Dial = func(addr string) (net.Conn, error) {
			return dialer.Dial("tcp", addr)
		}
	}

	return &SteamClient{
		baseURL: cfg.BaseURL,
		appID:   cfg.AppID,
		region:  cfg.Region,
		timeout: cfg.RequestTimeout(),
		client:  client,
		metrics: metricsCollector,
		apiKey:  cfg.APIKey,
	}, nil
}

func (c *SteamClient) SetAPIKey(key string) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	c.apiKey = key
}

func (c *SteamClient) HasCredential() bool {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey != ""
}

func (c *SteamClient) key() string {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.apiKey
}

func (c *SteamClient) GetRateLimitInfo() RateLimitInfo {
	c.rateLimitMu.RLock()
	defer c.rateLimitMu.RUnlock()
	return c.rateLimit
}

func (c *SteamClient) updateRateLimit(resp *fasthttp.Response) {
	limit := string(resp.Header.Peek("X-Ratelimit-Limit"))
	remaining := string(resp.Header.Peek("X-Ratelimit-Remaining"))
	reset := string(resp.Header.Peek("X-Ratelimit-Reset"))
	if limit == "" && remaining == "" && reset == "" {
		return
	}

	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	if val, err := strconv.Atoi(limit); err == nil {
		c.rateLimit.Limit = val
	}
	if val, err := strconv.Atoi(remaining); err == nil {
		c.rateLimit.Remaining = val
		c.metrics.SetUpstreamRemaining(val)
	}
	if val, err := strconv.Atoi(reset); err == nil {
		c.rateLimit.Reset = val
	}
	c.rateLimit.UpdatedAt = time.Now()
}

// Filter builds the directory filter expression for a category
func (c *SteamClient) Filter(category string) string {
	return fmt.Sprintf(`appid\%d\region\%d\map\%s`, c.appID, c.region, category)
}

func (c *SteamClient) FetchPage(ctx context.Context, category string, offset, limit int) ([]types.ServerRecord, error) {
	params := url.Values{}
	params.Set("key", c.key())
	params.Set("filter", c.Filter(category))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))

	payload, err := doRequest[serverListResponse](ctx, c, c.baseURL+serverListPath+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	records := make([]types.ServerRecord, 0, len(payload.Response.Servers))
	for _, s := range payload.Response.Servers {
		if s.SteamID == "" {
			continue
		}
		records = append(records, types.ServerRecord{
			SteamID:    s.SteamID,
			Addr:       s.Addr,
			Name:       s.Name,
			Map:        s.Map,
			Players:    s.Players,
			MaxPlayers: s.MaxPlayers,
			Bots:       s.Bots,
			Version:    s.Version,
			LastSeen:   now,
		})
	}

	return records, nil
}

func doRequest[T any](ctx context.Context, client *SteamClient, requestURL string) (*T, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(requestURL)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline := time.Now().Add(client.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := client.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	client.updateRateLimit(resp)

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode())
	}

	var result T
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &result, nil
}
