package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"
)

func NewRouter(app *App, allowedOrigins []string) http.Handler {
	if app.Logger == nil {
		app.Logger = hclog.NewNullLogger()
	}
	app.Logger = app.Logger.Named("api")

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ping", PingHandler)

	if app.Sessions != nil {
		r.Handle("/ws", app.Sessions)
	}
	if app.Metrics != nil {
		r.Handle("/metrics", app.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", app.StatsHandler)
		r.Get("/decisions", app.DecisionsHandler)
		r.Get("/decisions/{id}/snapshot", app.SnapshotHandler)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", app.ListSessionsHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetSessionHandler)
				r.Get("/frame", app.FrameHandler)
				r.Put("/rules", app.UpdateRulesHandler)
				r.Post("/command", app.CommandHandler)
				r.Post("/strategy", app.StrategyHandler)
				r.Post("/stats/reset", app.ResetStatsHandler)
			})
		})
	})

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	accessLog := app.Logger.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})
	return handlers.LoggingHandler(accessLog, cors(r))
}
