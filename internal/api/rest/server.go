// Package rest provides functionality for initializing a server.
package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/danilovkiri/dk-go-smsbroker/internal/api/rest/handlers"
	"github.com/danilovkiri/dk-go-smsbroker/internal/api/rest/middleware"
	"github.com/danilovkiri/dk-go-smsbroker/internal/config"
	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"
)

// NewRouter sets routing for the user and anonymous API surfaces.
func NewRouter(urlHandler *handlers.Handler, tokenHandler *middleware.TokenHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	loginGroup := r.Group(nil)
	loginGroup.Post("/api/register", urlHandler.HandleRegister())
	loginGroup.Post("/api/login", urlHandler.HandleLogin())
	directGroup := r.Group(nil)
	directGroup.Post("/api/direct/generate", urlHandler.HandleDirectGenerate())
	directGroup.Get("/api/direct/status", urlHandler.HandleDirectStatus())
	directGroup.Post("/api/direct/cancel", urlHandler.HandleDirectCancel())
	mainGroup := r.Group(nil)
	mainGroup.Use(tokenHandler.TokenHandle)
	mainGroup.Get("/api/me", urlHandler.HandleGetMe())
	mainGroup.Get("/api/orders", urlHandler.HandleGetOrders())
	mainGroup.Post("/api/order/generate", urlHandler.HandleGenerate())
	mainGroup.Get("/api/order/{orderID}/status", urlHandler.HandleStatus())
	mainGroup.Post("/api/order/{orderID}/cancel", urlHandler.HandleCancel())
	return r
}

// InitServer returns a http.Server object ready to be listening and serving.
func InitServer(cfg *config.ServerConfig, service handlers.Service, log *zerolog.Logger) (*http.Server, error) {
	if service == nil {
		return nil, errors.New("nil service was passed to server initializer")
	}
	tokenHandler, err := middleware.NewTokenHandler(service)
	if err != nil {
		return nil, err
	}
	urlHandler, err := handlers.InitHandlers(service, cfg, log)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      NewRouter(urlHandler, tokenHandler),
		IdleTimeout:  60 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv, nil
}
