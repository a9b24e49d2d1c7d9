package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

// ICEPath serves the ICE server list clients configure their peer
// connections with.
const ICEPath = "/ice"

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is the unix expiry of minted TURN credentials, when any.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "ice_config_invalid", err.Error())
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := iceResponse{ICEServers: servers}

	if s.turn != nil {
		withCreds, creds, err := s.turn.ICEServers(servers)
		if err != nil {
			s.log.Error("failed to mint TURN credentials", "err", err)
			WriteError(w, http.StatusInternalServerError, "internal_error", "failed to mint TURN credentials")
			return
		}
		resp.ICEServers = withCreds
		resp.ExpiresAt = creds.ExpiryUnix
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}
