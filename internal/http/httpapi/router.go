package httpapi

import (
	stdhttp "net/http"

	"kbengine/internal/http/handlers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(app *handlers.App) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/documents", func(r chi.Router) {
		r.Post("/", app.UploadDocument)
		r.Get("/{id}", app.GetDocument)
		r.Get("/{id}/events", app.ListDocumentEvents)
		r.Post("/{id}/jobs", app.CreateJob)
		r.Post("/{id}/analysis-jobs", app.CreateAnalysisJobs)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/{id}", app.GetJob)
	})

	return r
}
