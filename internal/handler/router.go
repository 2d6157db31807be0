package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vasiliy-maslov/storefront/internal/order"
)

const requestTimeout = 30 * time.Second

type RouterDeps struct {
	Orders order.Service
	DB     Pinger
	// Authenticate resolves the optional bearer identity. Nil leaves every caller anonymous.
	Authenticate func(http.Handler) http.Handler
	// Idempotency wraps POST /orders. Nil disables Idempotency-Key handling.
	Idempotency func(http.Handler) http.Handler
}

func NewRouter(deps RouterDeps) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))
	if deps.Authenticate != nil {
		router.Use(deps.Authenticate)
	}

	NewHealthHandler(deps.DB).RegisterRoutes(router)

	var createMiddlewares []func(http.Handler) http.Handler
	if deps.Idempotency != nil {
		createMiddlewares = append(createMiddlewares, deps.Idempotency)
	}
	NewOrderHandler(deps.Orders).RegisterRoutes(router, createMiddlewares...)

	return router
}
