// Package proxy implements the federating API proxy: per-IP routing to
// the responsible upstream, parallel fan-out over all upstreams, and
// duplicate-MAC merging.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hearthd/hearthd/internal/config"
)

// Upstream errors map to 504 and 502 on the single-client endpoint.
var (
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// healthTimeout caps health-check calls independently of the configured
// upstream timeout.
const healthTimeout = 2 * time.Second

// Upstream is one per-node read API and the /24 network it answers for.
type Upstream struct {
	Host    string
	BaseURL string
	Network *net.IPNet
}

// Contains reports whether this upstream is responsible for ip.
func (u Upstream) Contains(ip net.IP) bool {
	return u.Network != nil && u.Network.Contains(ip)
}

// Client calls the upstream read APIs over one shared HTTP client.
type Client struct {
	http  *http.Client
	token string
}

// NewClient creates an upstream client with the configured per-request
// timeout.
func NewClient(timeout time.Duration, token string) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		token: token,
	}
}

// upstreamRecord is one lease row as the per-node API returns it.
type upstreamRecord struct {
	MAC              string `json:"mac"`
	IP               string `json:"ip"`
	Hostname         string `json:"hostname"`
	ClientID         string `json:"client_id"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	ExpireAt         string `json:"expire_at"`
	TimeToExpiry     string `json:"time_to_expiry"`
	IsExpired        bool   `json:"is_expired"`
	LeaseType        string `json:"lease_type"`
	IsBlocked        bool   `json:"is_blocked"`
	IsCustomHostname bool   `json:"is_custom_hostname"`
	TrustFlag        bool   `json:"trust_flag"`
	SourceServer     string `json:"source_server,omitempty"`
}

// upstreamClients is the per-node /api/clients payload.
type upstreamClients struct {
	Clients  []upstreamRecord `json:"clients"`
	Total    int              `json:"total"`
	IsCached bool             `json:"is_cached"`
}

func (c *Client) get(ctx context.Context, baseURL, path string, out interface{}) (int, []byte, error) {
	u := fmt.Sprintf("%s%s?token=%s", baseURL, path, url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating upstream request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, classifyTransportError(err)
	}

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decoding upstream response: %w", err)
		}
	}
	return resp.StatusCode, body, nil
}

// GetClient forwards the single-client read to one upstream. The raw
// body comes back so non-200 responses pass through unchanged.
func (c *Client) GetClient(ctx context.Context, u Upstream, ip string) (int, map[string]interface{}, error) {
	var decoded map[string]interface{}
	status, body, err := c.get(ctx, u.BaseURL, "/api/client/"+ip, nil)
	if err != nil {
		return 0, nil, err
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return status, nil, fmt.Errorf("decoding upstream response: %w", err)
	}
	return status, decoded, nil
}

// ListClients fetches the full client list from one upstream.
func (c *Client) ListClients(ctx context.Context, u Upstream) (upstreamClients, error) {
	var payload upstreamClients
	status, _, err := c.get(ctx, u.BaseURL, "/api/clients", &payload)
	if err != nil {
		return payload, err
	}
	if status != http.StatusOK {
		return payload, fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, status)
	}
	return payload, nil
}

// Healthy reports whether one upstream answers its health endpoint.
func (c *Client) Healthy(ctx context.Context, u Upstream) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

// classifyTransportError separates timeouts from other transport faults.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// upstreamsFromConfig builds the routing table from the proxy config.
func upstreamsFromConfig(cfg *config.ProxyConfig) []Upstream {
	ups := make([]Upstream, 0, len(cfg.Proxy.Servers))
	for _, srv := range cfg.Proxy.Servers {
		ups = append(ups, Upstream{
			Host:    srv.Host,
			BaseURL: "http://" + srv.Addr(),
			Network: srv.Network,
		})
	}
	return ups
}
