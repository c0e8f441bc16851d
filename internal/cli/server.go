package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/harry-kp/apm-agent/internal/agent"
)

// newMux serves the live feed and the journal API for one session.
func newMux(m *monitor, client *agent.Client) *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", m.hub.HandleWebSocket)

	// API endpoints
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		session, err := m.store.GetSession(m.session.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, session)
	})
	mux.HandleFunc("/api/exchanges", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		exchanges, err := m.store.GetExchanges(m.session.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, exchanges)
	})
	mux.HandleFunc("/api/insights", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		insights, err := m.store.GetInsights(m.session.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, insights)
	})
	mux.HandleFunc("/api/summary", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		summary, err := m.analyzer.Summary()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, summary)
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		writeJSON(w, client.Status())
	})
	mux.HandleFunc("/api/export", func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		data, err := m.store.ExportSession(m.session.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=session-%s.json", m.session.ID))
		w.Write(data)
	})

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !client.Status().Connected {
			http.Error(w, "collector unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	jsonData, err := json.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(jsonData)
}
