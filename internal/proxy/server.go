package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/errgroup"

	"github.com/hearthd/hearthd/internal/config"
)

const (
	cacheSize          = 256
	cacheKeyAllClients = "all_clients"
)

// Server is the federating proxy. It mirrors the per-node read API and
// fans requests out to the configured upstream servers.
type Server struct {
	upstreams  []Upstream
	client     *Client
	cache      gcache.Cache
	cacheTTL   time.Duration
	token      string
	addr       string
	policy     string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates the proxy server from a validated proxy config.
func NewServer(cfg *config.ProxyConfig, logger *slog.Logger) *Server {
	return &Server{
		upstreams: upstreamsFromConfig(cfg),
		client:    NewClient(cfg.UpstreamTimeout(), cfg.Proxy.APIToken),
		cache:     gcache.New(cacheSize).LRU().Build(),
		cacheTTL:  cfg.ProxyCacheTTL(),
		token:     cfg.Proxy.APIToken,
		addr:      cfg.Proxy.Listen,
		policy:    cfg.Proxy.DuplicateMACPolicy,
		logger:    logger,
	}
}

// Listen binds the proxy listener and prepares routes.
func (s *Server) Listen() (net.Listener, error) {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("binding proxy server to %s: %w", s.addr, err)
	}

	s.logger.Info("proxy server listening",
		"address", ln.Addr().String(), "upstreams", len(s.upstreams))
	return ln, nil
}

// Serve accepts connections on the listener. Blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("proxy server: %w", err)
	}
	return nil
}

// Start is a convenience that calls Listen + Serve. Blocks until shutdown.
func (s *Server) Start() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Stop gracefully shuts down the proxy server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/client/{ip}", s.requireToken(s.handleClient))
	mux.HandleFunc("GET /api/clients", s.requireToken(s.handleClients))
}

// requireToken guards an endpoint with the shared API token. The token
// comes from the ?token= query parameter or an Authorization: Bearer
// header. An empty configured token denies everything.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.URL.Query().Get("token")
		if presented == "" {
			const prefix = "Bearer "
			if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) {
				presented = auth[len(prefix):]
			}
		}
		if s.token == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// handleClient routes the single-client read to the one upstream whose
// subnet contains the address.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("ip")
	ip := net.ParseIP(raw)
	if ip == nil {
		writeError(w, http.StatusBadRequest, "Invalid IP address")
		return
	}

	var target *Upstream
	for i := range s.upstreams {
		if s.upstreams[i].Contains(ip) {
			target = &s.upstreams[i]
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusBadRequest, "No DHCP server responsible for this IP subnet")
		return
	}

	if cached := s.cacheGet(raw); cached != nil {
		body := copyBody(cached.(map[string]interface{}))
		body["is_cached"] = true
		writeJSON(w, http.StatusOK, body)
		return
	}

	status, body, err := s.client.GetClient(r.Context(), *target, raw)
	if err != nil {
		s.logger.Warn("upstream request failed",
			"upstream", target.Host, "ip", raw, "error", err)
		if errors.Is(err, ErrUpstreamTimeout) {
			writeError(w, http.StatusGatewayTimeout, "DHCP server timeout")
			return
		}
		writeError(w, http.StatusBadGateway, "DHCP server unavailable")
		return
	}

	if status != http.StatusOK {
		writeJSON(w, status, body)
		return
	}

	body["is_proxy"] = true
	body["is_dhcp_cached"] = body["is_cached"]
	body["is_cached"] = false
	body["source_server"] = target.Host
	s.cachePut(raw, body)
	writeJSON(w, http.StatusOK, body)
}

// clientsResponse is the aggregated list payload.
type clientsResponse struct {
	Clients            []upstreamRecord  `json:"clients"`
	Total              int               `json:"total"`
	IsCached           bool              `json:"is_cached"`
	IsProxy            bool              `json:"is_proxy"`
	IsDHCPCached       []bool            `json:"is_dhcp_cached"`
	DuplicateMACPolicy string            `json:"duplicate_mac_policy"`
	GeneratedAt        string            `json:"generated_at"`
	Errors             map[string]string `json:"errors"`
}

// handleClients fans the list read out to every upstream in parallel
// and merges the results. A failing upstream lands in the errors map
// without failing the aggregate.
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if cached := s.cacheGet(cacheKeyAllClients); cached != nil {
		resp := *cached.(*clientsResponse)
		resp.IsCached = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	results := make([]upstreamClients, len(s.upstreams))
	failed := make([]error, len(s.upstreams))

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(len(s.upstreams))
	for i, up := range s.upstreams {
		i, up := i, up
		g.Go(func() error {
			payload, err := s.client.ListClients(ctx, up)
			if err != nil {
				failed[i] = err
				return nil
			}
			results[i] = payload
			return nil
		})
	}
	_ = g.Wait()

	var (
		records    []upstreamRecord
		dhcpCached = make([]bool, 0, len(s.upstreams))
		errMap     map[string]string
	)
	for i, up := range s.upstreams {
		if err := failed[i]; err != nil {
			s.logger.Warn("upstream list failed", "upstream", up.Host, "error", err)
			if errMap == nil {
				errMap = make(map[string]string)
			}
			errMap[up.Host] = err.Error()
			dhcpCached = append(dhcpCached, false)
			continue
		}
		dhcpCached = append(dhcpCached, results[i].IsCached)
		for _, rec := range results[i].Clients {
			rec.SourceServer = up.Host
			records = append(records, rec)
		}
	}

	merged := mergeRecords(s.policy, records)
	resp := &clientsResponse{
		Clients:            merged,
		Total:              len(merged),
		IsProxy:            true,
		IsDHCPCached:       dhcpCached,
		DuplicateMACPolicy: s.policy,
		GeneratedAt:        time.Now().Format(recordTimeFormat),
		Errors:             errMap,
	}
	s.cachePut(cacheKeyAllClients, resp)
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth probes every upstream in parallel. The proxy is ok while
// at least one upstream still answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type result struct {
		host string
		err  error
	}

	var wg sync.WaitGroup
	out := make([]result, len(s.upstreams))
	for i, up := range s.upstreams {
		wg.Add(1)
		go func(i int, up Upstream) {
			defer wg.Done()
			out[i] = result{host: up.Host, err: s.client.Healthy(r.Context(), up)}
		}(i, up)
	}
	wg.Wait()

	alive := 0
	servers := make(map[string]string, len(out))
	for _, res := range out {
		if res.err == nil {
			alive++
			servers[res.host] = "ok"
		} else {
			servers[res.host] = res.err.Error()
		}
	}

	status := "ok"
	code := http.StatusOK
	if alive == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"alive":   alive,
		"servers": servers,
	})
}

func (s *Server) cacheGet(key string) interface{} {
	if s.cacheTTL <= 0 {
		return nil
	}
	v, err := s.cache.Get(key)
	if err != nil {
		return nil
	}
	return v
}

func (s *Server) cachePut(key string, v interface{}) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cache.SetWithExpire(key, v, s.cacheTTL)
}

func copyBody(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
