package api

import (
	_ "embed"
	"html/template"
	"log"
	"net/http"
)

//go:embed dashboard.html
var dashboardHTML string

var dashboardTmpl = template.Must(template.New("dashboard").Parse(dashboardHTML))

type dashboardData struct {
	Session   string
	RefreshMs int
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	err := dashboardTmpl.Execute(w, dashboardData{
		Session:   s.opts.Session,
		RefreshMs: s.opts.RefreshMs,
	})
	if err != nil {
		log.Printf("[Metrics server] render dashboard: %v", err)
	}
}
