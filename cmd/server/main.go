package main

import (
	"context"
	"net/http"

	"exchange/internal/api"
	"exchange/internal/auth"
	"exchange/internal/book"
	"exchange/internal/config"
	"exchange/internal/db"
	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Main entry point: wires the database, ledger, matching engine,
// websocket hub, and HTTP server together.
func main() {
	ctx := context.Background()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	led := ledger.New(database)
	books := book.NewManager()
	hub := ws.NewHub(database, log)
	eng := engine.New(database, led, books, hub, log)

	// Rebuild the in-memory books from open orders before serving.
	if err := eng.WarmBooks(ctx); err != nil {
		log.Fatal("failed to warm order books", zap.Error(err))
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	handler := api.NewHandler(eng, authService, log)

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", hub.ServeWS)

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetOpenOrders)
		r.Get("/orders/{id}", handler.GetOrder)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Put("/orders/{id}", handler.ModifyOrder)
		r.Get("/user/orders", handler.GetUserOrders)
		r.Get("/user/balances", handler.GetUserBalances)
		r.Put("/user/balances/{asset}", handler.UpdateUserBalance)
		r.Get("/transactions", handler.GetTransactions)
		r.Get("/user/transactions", handler.GetUserTransactions)
	})

	// Push book snapshots on committed changes.
	go hub.Run(ctx)

	log.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
