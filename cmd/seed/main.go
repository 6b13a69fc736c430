package main

import (
	"context"
	"fmt"
	"os"

	"exchange/internal/auth"
	"exchange/internal/book"
	"exchange/internal/config"
	"exchange/internal/db"
	"exchange/internal/engine"
	"exchange/internal/ledger"
	"exchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Seed the database with demo users, balances, and resting orders.
// Orders are submitted through the engine so reservations stay
// consistent with the book.
func main() {
	ctx := context.Background()

	log, err := zap.NewDevelopment()
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

	// Skip when trades already exist.
	trades, err := database.GetRecentTrades(ctx, 1)
	if err != nil {
		log.Fatal("failed to check trades", zap.Error(err))
	}
	if len(trades) > 0 {
		fmt.Println("database already seeded")
		os.Exit(0)
	}

	authService := auth.NewAuthService(database, cfg.JWTSecret)
	led := ledger.New(database)
	eng := engine.New(database, led, book.NewManager(), engine.NopNotifier{}, log)

	userIDs := make(map[string]int64)
	for _, name := range []string{"trader1", "trader2"} {
		user, err := database.GetUserByUsername(ctx, name)
		if err != nil {
			user, err = authService.Register(ctx, name, "password123")
			if err != nil {
				log.Fatal("failed to create user", zap.String("username", name), zap.Error(err))
			}
		}
		userIDs[name] = user.ID
	}

	type seedOrder struct {
		user     string
		side     models.Side
		price    string
		quantity string
	}
	orders := []seedOrder{
		{"trader1", models.SideBuy, "29500", "0.1"},
		{"trader1", models.SideBuy, "29000", "0.2"},
		{"trader2", models.SideSell, "30500", "0.1"},
		{"trader2", models.SideSell, "31000", "0.15"},
		// Crossing pair: produces one trade at the resting ask price.
		{"trader2", models.SideSell, "30000", "0.05"},
		{"trader1", models.SideBuy, "30000", "0.05"},
	}

	for _, so := range orders {
		price := decimal.RequireFromString(so.price)
		quantity := decimal.RequireFromString(so.quantity)
		order, err := eng.SubmitOrder(ctx, userIDs[so.user], "BTCUSD", so.side, models.OrderTypeLimit, quantity, price)
		if err != nil {
			log.Fatal("failed to seed order", zap.Error(err))
		}
		fmt.Printf("seeded order %d: %s %s %s BTCUSD @ %s -> %s\n",
			order.ID, so.user, so.side, so.quantity, so.price, order.Status)
	}

	fmt.Println("seeding complete")
}
