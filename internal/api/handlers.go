package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/invdhcp/invdhcpd/internal/dhcp"
	"github.com/invdhcp/invdhcpd/internal/inventory"
)

// controlTimeout bounds how long a handler waits for the dispatch goroutine.
const controlTimeout = 5 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.version,
		"timestamp":      time.Now().Unix(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleClearCache empties both inventory query caches.
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	n, err := s.controller.ClearCaches(ctx)
	if err != nil {
		s.controlError(w, err)
		return
	}
	s.logger.Info("cache cleared via api", "invalidated", n, "remote", r.RemoteAddr)
	JSONResponse(w, http.StatusOK, map[string]int{"invalidated": n})
}

// handleListOffers returns the offer table, optionally filtered by ?state=.
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), controlTimeout)
	defer cancel()

	offers, err := s.controller.Offers(ctx)
	if err != nil {
		s.controlError(w, err)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]dhcp.OfferInfo, 0, len(offers))
		for _, o := range offers {
			if o.State == state {
				filtered = append(filtered, o)
			}
		}
		offers = filtered
	}
	JSONResponse(w, http.StatusOK, offers)
}

type hostLookupResponse struct {
	MAC        string                  `json:"mac"`
	Primary    []*inventory.HostRecord `json:"primary"`
	Management []*inventory.HostRecord `json:"management"`
}

// handleLookupHost runs both DHCP inventory queries for a hardware address
// without going through the caches.
func (s *Server) handleLookupHost(w http.ResponseWriter, r *http.Request) {
	mac, err := inventory.NormalizeMAC(r.PathValue("mac"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, "invalid_mac", err.Error())
		return
	}

	primary, err := s.gateway.Query(r.Context(), inventory.PortMACQuery(s.portKey, s.portNumber, mac))
	if err != nil {
		s.logger.Error("inventory lookup failed", "mac", mac, "error", err)
		JSONError(w, http.StatusBadGateway, "inventory_error", err.Error())
		return
	}
	management, err := s.gateway.Query(r.Context(), inventory.ManagementQuery(s.portKey, s.portNumber, mac))
	if err != nil {
		s.logger.Error("inventory lookup failed", "mac", mac, "error", err)
		JSONError(w, http.StatusBadGateway, "inventory_error", err.Error())
		return
	}

	if primary == nil {
		primary = []*inventory.HostRecord{}
	}
	if management == nil {
		management = []*inventory.HostRecord{}
	}
	JSONResponse(w, http.StatusOK, hostLookupResponse{MAC: mac, Primary: primary, Management: management})
}

func (s *Server) controlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dhcp.ErrServerStopped):
		JSONError(w, http.StatusServiceUnavailable, "server_stopped", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		JSONError(w, http.StatusGatewayTimeout, "timeout", "dhcp server did not respond")
	default:
		JSONError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
