package handlers

import (
	"encoding/json"
	"net/http"

	"kbengine/internal/domain"
	"kbengine/internal/infra"
	"kbengine/internal/pipeline"
)

// App bundles the handler dependencies.
type App struct {
	Service *pipeline.Service
	Store   domain.Store
	Logger  infra.Logger
	// MaxUploadBytes bounds multipart upload size.
	MaxUploadBytes int64
}

func NewApp(service *pipeline.Service, store domain.Store, logger infra.Logger, maxUploadBytes int64) *App {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 64 << 20
	}
	return &App{Service: service, Store: store, Logger: logger, MaxUploadBytes: maxUploadBytes}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) jsonError(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"error": msg})
}
