package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/webalive/collab-server/internal/collab"
	"github.com/webalive/collab-server/internal/httpx/response"
)

// Router builds the full HTTP routing tree.
func (a *ServerApp) Router() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("server app is nil")
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", a.health)
	mux.HandleFunc("/debug/metrics", a.debugMetrics)
	mux.HandleFunc("/collaboration/", a.handleCollaboration)
	mux.HandleFunc("/events", a.Events.HandleUpgrade)

	return mux, nil
}

func (a *ServerApp) health(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *ServerApp) debugMetrics(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, collab.MetricsSnapshot())
}

func (a *ServerApp) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	roomName := strings.TrimPrefix(r.URL.Path, "/collaboration/")
	if roomName == "" || roomName == r.URL.Path {
		response.Error(w, http.StatusNotFound, "Not found")
		return
	}
	a.Supervisor.HandleUpgrade(w, r, roomName)
}
