package httpx

import (
	"log/slog"
	"net/http"

	"github.com/labforge/labmesh/internal/instrument"
)

type RouterConfig struct {
	Log         *slog.Logger
	Instruments *instrument.Handler
	// Metrics, when set, is mounted at /metrics (typically promhttp).
	Metrics http.Handler
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	if h := cfg.Instruments; h != nil {
		mux.Handle("POST /instruments/config/sync",
			WithRoute("/instruments/config/sync", http.HandlerFunc(h.SyncAllConfigs)))
		mux.Handle("POST /instruments/{id}/config/sync",
			WithRoute("/instruments/{id}/config/sync", http.HandlerFunc(h.SyncConfig)))
		mux.Handle("POST /instruments/{id}/reagents",
			WithRoute("/instruments/{id}/reagents", http.HandlerFunc(h.InstallReagent)))
		mux.Handle("DELETE /instruments/{id}/reagents/{code}",
			WithRoute("/instruments/{id}/reagents/{code}", http.HandlerFunc(h.UninstallReagent)))
		mux.Handle("POST /instruments/{id}/reagents/sync",
			WithRoute("/instruments/{id}/reagents/sync", http.HandlerFunc(h.SyncReagents)))
		mux.Handle("GET /instruments/{id}/reagents",
			WithRoute("/instruments/{id}/reagents", http.HandlerFunc(h.ListReagents)))
	}

	var h http.Handler = mux
	h = RequestID(h)
	h = AccessLog(cfg.Log)(h)

	return h
}
