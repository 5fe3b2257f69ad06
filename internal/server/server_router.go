package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func buildRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health/info
	r.Get("/healthz", healthzHandler)
	r.Get("/api/v1/server-info", serverInfoHandler)

	r.Group(func(r chi.Router) {
		r.Use(s.withSession)
		r.Use(checkCSRF)

		// Job API
		r.Post("/jobs/start/", s.jobStartHandler)
		r.Post("/jobs/step/", s.jobStepHandler)
		r.Post("/jobs/pause/", s.jobPauseHandler)
		r.Post("/jobs/resume/", s.jobResumeHandler)
		r.Post("/jobs/cancel/", s.jobCancelHandler)
		r.Post("/jobs/finalize/", s.jobFinalizeHandler)
		r.Get("/status-retry/", s.retryStatusHandler)

		// Lookup data
		r.Get("/api/creditos/", s.creditsHandler)
		r.Get("/api/detalhes/{cnpj}/", s.detailsHandler)
		r.Get("/cnpj/{cnpj}/", s.officeHandler)

		// History
		r.Get("/api/historico/", s.historyHandler)
		r.Post("/historico/limpar/", s.clearHistoryHandler)

		// Exports
		r.Get("/export/resultado/{format}/", s.exportResultsHandler)
		r.Get("/export/historico/{format}/", s.exportHistoryHandler)
	})

	return r
}
