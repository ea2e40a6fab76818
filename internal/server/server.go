// Package server wires the HTTP API together: routing, middleware, metrics
// exposure and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/smsledger/internal/handlers"
	"github.com/rumor-ml/commons.systems/smsledger/internal/middleware"
)

// Server is the HTTP front end.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the router and returns a server ready to listen on addr.
// An empty apiKey leaves the API unauthenticated.
func New(addr string, api *handlers.API, registry *prometheus.Registry, apiKey string, log zerolog.Logger) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", api.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.APIKey(apiKey))
	apiRouter.HandleFunc("/sms", api.IngestSMS).Methods(http.MethodPost)
	apiRouter.HandleFunc("/transactions", api.ListTransactions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/transactions/{id}", api.DeleteTransaction).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/transactions/{id}/category", api.UpdateCategory).Methods(http.MethodPost)
	apiRouter.HandleFunc("/balances", api.ListBalances).Methods(http.MethodGet)
	apiRouter.HandleFunc("/pending", api.ListPending).Methods(http.MethodGet)
	apiRouter.HandleFunc("/pending/stream", api.StreamPending).Methods(http.MethodGet)
	apiRouter.HandleFunc("/pending/{id}/confirm", api.ConfirmPending).Methods(http.MethodPost)
	apiRouter.HandleFunc("/pending/{id}/reject", api.RejectPending).Methods(http.MethodPost)
	apiRouter.HandleFunc("/cashback/retroactive", api.RetroactiveCashback).Methods(http.MethodPost)

	var handler http.Handler = r
	handler = middleware.RequestLog(log)(handler)
	handler = middleware.CORS(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: handler,
			// No WriteTimeout: the SSE stream holds its connection open.
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe blocks serving requests until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
