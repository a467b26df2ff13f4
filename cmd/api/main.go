package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/api"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/config"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/gateway"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/hub"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/service"
	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ledger, err := store.New(cfg.DBSource)
	if err != nil {
		logger.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	if err := ledger.EnsureSchema(context.Background()); err != nil {
		logger.Error("schema setup failed", "error", err)
		os.Exit(1)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.GatewayBaseURL,
		ConsumerKey:    cfg.GatewayConsumerKey,
		ConsumerSecret: cfg.GatewayConsumerSecret,
		Shortcode:      cfg.GatewayShortcode,
		Passkey:        cfg.GatewayPasskey,
		CallbackURL:    cfg.CallbackBaseURL + "/callback?secret=" + cfg.CallbackSecret,
		Timeout:        cfg.GatewayTimeout,
	})

	// Initialize Layers
	liveHub := hub.New(service.NewSnapshots(ledger), cfg.HeartbeatInterval, logger)
	payments := service.NewPayments(ledger, gw, liveHub, logger)
	reconciler := service.NewReconciler(ledger, liveHub, logger)
	handler := api.NewHandler(payments, reconciler, liveHub, cfg.CallbackSecret, logger)
	defer liveHub.Shutdown()

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthHandler).Methods("GET")
	r.HandleFunc("/pay", handler.PayHandler).Methods("POST")
	r.HandleFunc("/callback", handler.CallbackHandler).Methods("POST")
	r.HandleFunc("/override/{reference}", handler.OverrideHandler).Methods("POST")
	r.HandleFunc("/snapshot/{identity}", handler.SnapshotHandler).Methods("GET")
	r.HandleFunc("/stream/{identity}", handler.StreamHandler).Methods("GET")

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
