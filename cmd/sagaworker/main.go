package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/choreo-saga/internal/adminhttp"
	"github.com/jcmexdev/choreo-saga/internal/pkg/bus"
	"github.com/jcmexdev/choreo-saga/internal/pkg/telemetry"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/dispatch"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/events"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/identity"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/journal/sqlitestore"
	"github.com/jcmexdev/choreo-saga/internal/sagacore/recovery"
)

// main is the worked example process named in the external-interfaces
// section: it wires a durable journal, the in-process bus, a dispatch
// engine per participant, startup recovery and the admin HTTP surface for
// two toy participants (reserve_inventory, charge_payment) on the
// "widget_order" saga. A real deployment swaps sqlitestore/bus for whatever
// durable store and broker it actually runs, behind the same interfaces.
func main() {
	telemetry.InitLogger()
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.SetupTracer(ctx, getEnv("OTEL_SERVICE_NAME", "sagaworker"))
	if err != nil {
		log.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	store, err := sqlitestore.Open(getEnv("SAGAWORKER_DB_PATH", "sagaworker.db"))
	if err != nil {
		log.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	b := bus.New(bus.WithLogger(log))

	inventoryStep := &reserveInventoryStep{log: log}
	paymentStep := &chargePaymentStep{log: log}

	inventoryStats := recovery.NewParticipantStats(nil)
	paymentStats := recovery.NewParticipantStats(nil)

	inventoryEngine := dispatch.New(store, b, identity.WallClock, inventoryStats, log.With("participant", inventoryStep.StepName()))
	paymentEngine := dispatch.New(store, b, identity.WallClock, paymentStats, log.With("participant", paymentStep.StepName()))

	b.Subscribe("widget_order", inventoryStep.StepName(), func(ctx context.Context, ev events.ChoreographyEvent) error {
		return inventoryEngine.HandleSagaEvent(ctx, inventoryStep, ev)
	})
	b.Subscribe("widget_order", paymentStep.StepName(), func(ctx context.Context, ev events.ChoreographyEvent) error {
		return paymentEngine.HandleSagaEvent(ctx, paymentStep, ev)
	})

	if _, err := recovery.Recover(ctx, inventoryEngine, inventoryStep, store); err != nil {
		log.Error("inventory recovery failed", "error", err)
		os.Exit(1)
	}
	if _, err := recovery.Recover(ctx, paymentEngine, paymentStep, store); err != nil {
		log.Error("payment recovery failed", "error", err)
		os.Exit(1)
	}

	adminHandler := adminhttp.NewHandler(
		func(ctx context.Context) ([]identity.SagaId, error) {
			invIDs, err := recovery.Recover(ctx, inventoryEngine, inventoryStep, store)
			if err != nil {
				return nil, err
			}
			payIDs, err := recovery.Recover(ctx, paymentEngine, paymentStep, store)
			if err != nil {
				return nil, err
			}
			return append(invIDs, payIDs...), nil
		},
		func() map[string]recovery.Snapshot {
			return map[string]recovery.Snapshot{
				inventoryStep.StepName(): inventoryStats.Snapshot(),
				paymentStep.StepName():   paymentStats.Snapshot(),
			}
		},
	)

	adminAddr := ":" + getEnv("ADMIN_PORT", "8090")
	adminServer := &http.Server{Addr: adminAddr, Handler: adminhttp.NewRouter(adminHandler)}
	go func() {
		log.Info("admin HTTP surface running", "addr", adminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
