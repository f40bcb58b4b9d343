package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"marshal/pkg/blocklist"
)

// message is the popup request envelope.
type message struct {
	Action string `json:"action"`
	Active *bool  `json:"active,omitempty"`
	Site   string `json:"site,omitempty"`
}

var siteActions = map[string]bool{
	"addCustomSite":      true,
	"removeCustomSite":   true,
	"toggleDefaultSite":  true,
	"enableDefaultSite":  true,
	"disableDefaultSite": true,
	"enableCustomSite":   true,
	"disableCustomSite":  true,
}

func (s *Server) applySiteAction(ctx context.Context, action, host string) error {
	switch action {
	case "addCustomSite":
		return s.rec.AddCustomSite(ctx, host)
	case "removeCustomSite":
		return s.rec.RemoveCustomSite(ctx, host)
	case "toggleDefaultSite":
		return s.rec.ToggleDefaultSite(ctx, host)
	case "enableDefaultSite", "disableDefaultSite":
		return s.rec.SetDefaultSiteEnabled(ctx, host, action == "enableDefaultSite")
	case "enableCustomSite", "disableCustomSite":
		return s.rec.SetCustomSiteEnabled(ctx, host, action == "enableCustomSite")
	}
	return fmt.Errorf("unknown action %q", action)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg message
	if err := decodeJSON(w, r, &msg); err != nil {
		writeDecodeError(w, err)
		return
	}
	ctx := r.Context()

	switch msg.Action {
	case "toggleStudyMode":
		if msg.Active == nil {
			writeError(w, http.StatusBadRequest, "toggleStudyMode requires \"active\"")
			return
		}
		if err := s.rec.SetStudyMode(ctx, *msg.Active); err != nil {
			s.unavailable(w, msg.Action, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "active": *msg.Active})
	case "getBlockedSites":
		lists, err := s.rec.Lists(ctx)
		if err != nil {
			s.unavailable(w, msg.Action, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"default":         lists.Default,
			"custom":          lists.Custom,
			"disabledDefault": lists.DisabledDefault,
			"disabledCustom":  lists.DisabledCustom,
		})
	case "getStats":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": s.rec.Stats(ctx, s.topSites)})
	case "getStatus":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.rec.Status()})
	default:
		if !siteActions[msg.Action] {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", msg.Action))
			return
		}
		host, err := blocklist.NormalizeHost(msg.Site)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.applySiteAction(ctx, msg.Action, host); err != nil {
			s.unavailable(w, msg.Action, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "site": host})
	}
}

func (s *Server) unavailable(w http.ResponseWriter, action string, err error) {
	s.log.Error("message failed", "action", action, "error", err)
	status := http.StatusServiceUnavailable
	if errors.Is(err, context.Canceled) {
		status = http.StatusRequestTimeout
	}
	writeError(w, status, err.Error())
}
