package http

import (
	"encoding/json"
	"net/http"
	"time"

	"PeachCredit/internal/auth"
	"PeachCredit/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	Router *chi.Mux
}

// NewServer mounts the public routes. Webhooks authenticate by provider
// signature and the checkout return is open to the redirected browser;
// everything else user-facing sits behind the JWT middleware.
func NewServer(handler *Handler, verifier *auth.Verifier, log *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logging.OrNop(log)))
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/payments", func(r chi.Router) {
		r.Post("/webhooks/{gateway}", handler.Webhook)
		r.Get("/packages", handler.Packages)
		r.With(verifier.Optional).Get("/return/{gateway}", handler.Return)
		r.With(verifier.Middleware).Post("/checkout", handler.CreateCheckout)
	})

	r.Route("/credits", func(r chi.Router) {
		r.Use(verifier.Middleware)
		r.Get("/balance", handler.Balance)
		r.Get("/history", handler.History)
		r.Get("/stream", handler.Stream)
	})

	r.With(verifier.Middleware).Post("/operations/{tier}", handler.RunOperation)

	return &Server{Router: r}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
