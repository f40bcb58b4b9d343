package api

import (
	"html/template"
	"net"
	"net/http"
	"slices"

	"marshal/pkg/blocklist"
	"marshal/pkg/telemetry"
)

var blockedPage = template.Must(template.New("blocked").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Blocked by Marshal</title>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; text-align: center; color: #222; }
.stats { display: flex; justify-content: space-around; margin: 2rem 0; }
.stat strong { display: block; font-size: 2rem; }
</style>
</head>
<body>
<h1>Stay focused</h1>
{{if .Site}}<p><strong>{{.Site}}</strong> is blocked while study mode is on.</p>{{else}}<p>This site is blocked while study mode is on.</p>{{end}}
<div class="stats">
<div class="stat"><strong id="blocked-count">{{.Stats.BlockedAttempts}}</strong>blocks today</div>
<div class="stat"><strong id="time-saved">{{.Stats.TimeSavedText}}</strong>time saved</div>
</div>
{{if .Removable}}<button id="remove" data-site="{{.Site}}">Remove from block list</button>
<script>
document.getElementById("remove").addEventListener("click", function (ev) {
  fetch("/api/messages", {
    method: "POST",
    headers: {"Content-Type": "application/json"},
    body: JSON.stringify({action: "toggleDefaultSite", site: ev.target.dataset.site})
  }).then(function () { ev.target.disabled = true; ev.target.textContent = "Removed"; });
});
</script>{{end}}
</body>
</html>
`))

type blockedPageData struct {
	Site      string
	Removable bool
	Stats     telemetry.Summary
}

// handleBlockedPage renders the page shown instead of a blocked site. The
// site comes from the "site" query parameter or, for DNS redirects, from the
// Host header.
func (s *Server) handleBlockedPage(w http.ResponseWriter, r *http.Request) {
	site := r.URL.Query().Get("site")
	if site == "" {
		site = hostOnly(r.Host)
	}
	data := blockedPageData{Stats: s.rec.Stats(r.Context(), s.topSites)}
	if host, err := blocklist.NormalizeHost(site); err == nil {
		data.Site = host
		if lists, err := s.rec.Lists(r.Context()); err == nil {
			data.Removable = slices.Contains(lists.Default, host) && !slices.Contains(lists.DisabledDefault, host)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := blockedPage.Execute(w, data); err != nil {
		s.log.Error("failed to render blocked page", "error", err)
	}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
