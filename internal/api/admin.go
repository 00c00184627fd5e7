package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hearthd/hearthd/internal/history"
	"github.com/hearthd/hearthd/internal/lease"
)

// adminRequest is the body shape shared by the admin endpoints. Unused
// fields are ignored per endpoint.
type adminRequest struct {
	MAC         string            `json:"mac"`
	IP          string            `json:"ip"`
	Hostname    string            `json:"hostname"`
	Trusted     bool              `json:"trusted"`
	Assignments []adminAssignment `json:"assignments"`
}

type adminAssignment struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

func decodeAdminRequest(w http.ResponseWriter, r *http.Request) (adminRequest, bool) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if req.MAC == "" && len(req.Assignments) == 0 {
		JSONError(w, http.StatusBadRequest, "mac is required")
		return req, false
	}
	return req, true
}

// writeAdminResult maps registry errors to HTTP statuses and returns the
// fresh row on success.
func (s *Server) writeAdminResult(w http.ResponseWriter, mac string, err error) {
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrNotFound):
			JSONError(w, http.StatusNotFound, "Client not found")
		case errors.Is(err, lease.ErrIPConflict):
			JSONError(w, http.StatusConflict, "IP address already in use")
		case errors.Is(err, lease.ErrMacBlocked):
			JSONError(w, http.StatusConflict, "Device is blocked")
		case errors.Is(err, lease.ErrInvalidTransition):
			JSONError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("admin operation failed", "mac", mac, "error", err)
			JSONError(w, http.StatusInternalServerError, "Operation failed")
		}
		return
	}

	s.invalidateCache()

	resp := map[string]interface{}{"status": "ok", "mac": mac}
	if l := s.registry.Get(mac); l != nil {
		view := newClientView(l)
		resp["client"] = view
	}
	JSONResponse(w, http.StatusOK, resp)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC, s.registry.BlockDevice(req.MAC, history.ChannelWeb))
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC, s.registry.UnblockDevice(req.MAC, history.ChannelWeb))
}

// handleStatic converts a device to a static binding, creating the row
// when the MAC is unknown. Accepts a single assignment or a bulk list.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}

	if len(req.Assignments) > 0 {
		failed := make(map[string]string)
		for _, a := range req.Assignments {
			if err := s.assignStatic(a.MAC, a.IP, a.Hostname); err != nil {
				failed[a.MAC] = err.Error()
			}
		}
		s.invalidateCache()
		status := http.StatusOK
		if len(failed) > 0 {
			status = http.StatusMultiStatus
		}
		JSONResponse(w, status, map[string]interface{}{
			"status":   "ok",
			"assigned": len(req.Assignments) - len(failed),
			"failed":   failed,
		})
		return
	}

	if req.IP == "" {
		JSONError(w, http.StatusBadRequest, "ip is required")
		return
	}
	s.writeAdminResult(w, req.MAC, s.assignStatic(req.MAC, req.IP, req.Hostname))
}

func (s *Server) assignStatic(mac, ip, hostname string) error {
	if s.registry.Get(mac) == nil {
		_, err := s.registry.CreateLease(mac, ip, hostname, lease.TypeStatic,
			"", lease.CreateStaticLease, history.ChannelWeb)
		return err
	}

	if err := s.registry.UpdateLeaseType(mac, lease.TypeStatic, history.ChannelWeb); err != nil {
		return err
	}
	if _, err := s.registry.UpdateIP(mac, ip, "", history.ChannelWeb); err != nil {
		return err
	}
	if hostname != "" {
		return s.registry.UpdateHostname(mac, hostname, history.ChannelWeb)
	}
	return nil
}

func (s *Server) handleDynamic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC,
		s.registry.UpdateLeaseType(req.MAC, lease.TypeDynamic, history.ChannelWeb))
}

func (s *Server) handleHostname(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	if req.Hostname == "" {
		JSONError(w, http.StatusBadRequest, "hostname is required")
		return
	}
	s.writeAdminResult(w, req.MAC,
		s.registry.UpdateHostname(req.MAC, req.Hostname, history.ChannelWeb))
}

func (s *Server) handleHostnameReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC, s.registry.ResetHostname(req.MAC, history.ChannelWeb))
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC,
		s.registry.SetTrustFlag(req.MAC, req.Trusted, history.ChannelWeb))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC, s.registry.ResetLease(req.MAC, history.ChannelWeb))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAdminRequest(w, r)
	if !ok {
		return
	}
	s.writeAdminResult(w, req.MAC, s.registry.Delete(req.MAC, history.ChannelWeb))
}
