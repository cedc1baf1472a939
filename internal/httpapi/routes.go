package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func SetupRoutes(a *API, ws http.Handler) http.Handler {
	if a.Log == nil {
		a.Log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.Log.Named("http")))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.Healthz)
	r.Get("/ws", ws.ServeHTTP)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.GetSession)
			r.Delete("/", a.EndSession)
			r.Post("/join", a.JoinSession)
			r.Post("/start", a.StartSession)
			r.Post("/media-grant", a.MediaGrant)
		})
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
