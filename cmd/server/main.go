package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"

	"github.com/clearlabs/credits-backend/internal/config"
	"github.com/clearlabs/credits-backend/internal/database"
	"github.com/clearlabs/credits-backend/internal/handlers"
	mW "github.com/clearlabs/credits-backend/internal/middleware"
	"github.com/clearlabs/credits-backend/internal/providers"
	"github.com/clearlabs/credits-backend/internal/services"
)

// @title Credits Backend API
// @version 1.0
// @description Transactional credit ledger and payment reconciliation service
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)

	config.Setup()

	db := database.InitDatabase()
	defer db.Close()

	database.RunMigrations()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	provider, err := providers.FromConfig()
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize payment provider")
	}
	log.WithField("provider", provider.Name()).Info("Payment provider configured")

	ledgerService := services.NewLedgerService(db)
	paymentService := services.NewPaymentService(db, ledgerService, provider)

	ledgerHandler := handlers.NewLedgerHandler(ledgerService)
	paymentHandler := handlers.NewPaymentHandler(paymentService)
	adminHandler := handlers.NewAdminHandler(paymentService, ledgerService)
	rateLimiter := mW.NewRateLimiter(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Gateway-facing endpoints (no auth; the webhook authenticates by
	// signature and source IP)
	r.Post("/payment/result", paymentHandler.Result)
	r.Get("/payment/success", paymentHandler.Success)
	r.Get("/payment/fail", paymentHandler.Fail)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/payments/packages", paymentHandler.ListPackages)

		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			r.Get("/credits/balance", ledgerHandler.GetBalance)
			r.With(rateLimiter.Limit).Post("/credits/deduct", ledgerHandler.Deduct)

			r.Post("/payments/create", paymentHandler.CreateOrder)

			r.Group(func(r chi.Router) {
				r.Use(mW.AdminOnly)

				r.Post("/admin/payments/refund", adminHandler.Refund)
				r.Get("/admin/ledger/audit", adminHandler.AuditLedger)
			})
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.WithField("port", port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Fatal("Server forced to shutdown")
	}

	log.Info("Server stopped")
}
