package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/metrics"
)

const cacheKeyAllClients = "all_clients"

// handleHealth reports liveness. No auth so probes stay simple.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"leases":         s.registry.Store().Count(),
	})
}

// handleGetClient returns the live lease holding an address.
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if net.ParseIP(ip) == nil {
		JSONError(w, http.StatusBadRequest, "Invalid IP address")
		return
	}

	if cached := s.cacheGet(ip); cached != nil {
		view := *cached.(*clientView)
		view.IsCached = true
		JSONResponse(w, http.StatusOK, view)
		return
	}

	l := s.registry.GetByIP(ip)
	if l == nil {
		JSONError(w, http.StatusNotFound, "Client not found")
		return
	}

	view := newClientView(l)
	s.cachePut(ip, &view)
	JSONResponse(w, http.StatusOK, view)
}

// handleListClients returns every live lease, pre-expired rows excluded.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	if cached := s.cacheGet(cacheKeyAllClients); cached != nil {
		view := *cached.(*clientsView)
		view.IsCached = true
		JSONResponse(w, http.StatusOK, view)
		return
	}

	clients := make([]clientView, 0)
	for _, l := range s.registry.All() {
		if l.IsExpired {
			continue
		}
		clients = append(clients, newClientView(l))
	}

	view := clientsView{Clients: clients, Total: len(clients)}
	s.cachePut(cacheKeyAllClients, &view)
	JSONResponse(w, http.StatusOK, view)
}

// handleHistory returns lease history events, newest first.
// Query params: mac, action, limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			JSONError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := s.hist.Query(history.QueryParams{
		MAC:    r.URL.Query().Get("mac"),
		Action: r.URL.Query().Get("action"),
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("querying history", "error", err)
		JSONError(w, http.StatusInternalServerError, "History query failed")
		return
	}

	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, newEventView(e))
	}
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": views,
		"total":  len(views),
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
	metrics.APICacheHits.Inc()
	return v
}

func (s *Server) cachePut(key string, v interface{}) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cache.SetWithExpire(key, v, s.cacheTTL)
}

// invalidateCache drops all memoized responses after an admin mutation.
func (s *Server) invalidateCache() {
	s.cache.Purge()
}
