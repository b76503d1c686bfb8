package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/pedro-hbl/gopher-ledger/internal/account"
	"github.com/pedro-hbl/gopher-ledger/internal/backend"
	"github.com/pedro-hbl/gopher-ledger/internal/config"
	"github.com/pedro-hbl/gopher-ledger/internal/gateway"
	"github.com/pedro-hbl/gopher-ledger/internal/metrics"
)

var handler *gateway.Handler

func init() {
	// Set up logging
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// Backends are created once per execution environment and reused across
	// invocations.
	store, txlog, err := backend.Open(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Error opening backends: %v", err)
	}

	svc := account.NewService(store, txlog,
		account.WithLogger(logger),
		account.WithMetrics(metrics.NewCollector()))
	handler = gateway.NewHandler(svc, logger)

	log.Printf("Ledger function initialized (store=%s, log=%s)", cfg.Store.Backend, cfg.Log.Backend)
}

func main() {
	lambda.Start(handler.Handle)
}
