package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pallet-run/palletd/internal/config"
	"github.com/pallet-run/palletd/internal/skill"
)

// NewDebugMux builds a small diagnostic surface (skill/tool introspection),
// kept as a separate chi mux from the primary gin surface so it can be
// bound on a debug-only address (spec D.1's optional debug bind).
func NewDebugMux(cfg *config.Config, dispatcher *skill.Dispatcher) *chi.Mux {
	mux := chi.NewRouter()
	mux.Get("/v1/debug/skills", handleDebugSkills(dispatcher))
	mux.Get("/v1/debug/tools", handleDebugTools(cfg))
	return mux
}

func handleDebugSkills(dispatcher *skill.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{OK: true, Data: map[string]interface{}{"skills": dispatcher.Names()}})
	}
}

func handleDebugTools(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, envelope{OK: true, Data: map[string]interface{}{
			"tools": []string{"read_file", "write_file", "list_dir", "run_cmd"},
			"mcp_enabled": cfg.Tool.MCPEnabled,
		}})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
