package scheduler

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Register installs GET /api/scheduler/projects and
// GET /api/scheduler/targets/{id} on mux.
func (v *View) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/scheduler/projects", v.handleProjects)
	mux.HandleFunc("/api/scheduler/targets/", v.handleTarget)
}

func (v *View) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	projects, err := v.ListProjects(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(projects)
}

func (v *View) handleTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/scheduler/targets/")
	if id == "" {
		http.Error(w, "missing target id", http.StatusBadRequest)
		return
	}
	target, err := v.GetTarget(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(target)
}
