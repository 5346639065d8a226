package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/sellerledger/recovery-engine/internal/api"
	"github.com/sellerledger/recovery-engine/internal/config"
	"github.com/sellerledger/recovery-engine/internal/detect"
	"github.com/sellerledger/recovery-engine/internal/marketplace"
	"github.com/sellerledger/recovery-engine/internal/store"
	"github.com/sellerledger/recovery-engine/internal/syncer"
	"github.com/sellerledger/recovery-engine/pkg/models"
)

func main() {
	log.Println("Starting SellerLedger Recovery Engine (Microservice: seller-recovery-pipeline)...")

	cfg := config.FromEnv()

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// DEMO_MODE=1 runs fully in-process: in-memory store, stub marketplace.
	// ────────────────────────────────────────────────────────────────────

	var db store.Store
	var client marketplace.Client

	if cfg.DemoMode {
		log.Println("DEMO_MODE enabled: using in-memory store and stub marketplace data")
		db, client = demoFixtures()
	} else {
		dbURL := requireEnv("DATABASE_URL")
		pg, err := store.Connect(dbURL)
		if err != nil {
			log.Fatalf("FATAL: Failed to connect to PostgreSQL: %v", err)
		}
		defer pg.Close()
		if err := pg.InitSchema(); err != nil {
			log.Printf("Warning: DB schema init failed: %v", err)
		}
		db = pg

		client = marketplace.NewHTTPClient(marketplace.Config{
			BaseURL:     requireEnv("MARKETPLACE_BASE_URL"),
			Token:       requireEnv("MARKETPLACE_TOKEN"),
			PageTimeout: cfg.MarketPageTimeout,
			MaxRetries:  cfg.MarketPageRetries,
		})
	}

	// Setup WebSocket Hub and the progress event bus feeding it
	wsHub := api.NewHub()
	go wsHub.Run()

	bus := syncer.NewBus()
	stopPump := api.PumpProgressEvents(wsHub, bus)
	defer stopPump()

	mgr := syncer.New(db, client, bus, syncer.Config{
		BatchSize:     cfg.UpsertBatchSize,
		RepoTimeout:   cfg.RepoBatchTimeout,
		HardCap:       cfg.SyncHardCap,
		MaxConcurrent: cfg.GlobalConcurrency,
		LookbackDays:  int(cfg.CorrelationLookback / (24 * time.Hour)),
		DetectConfig: detect.Config{
			FeeDriftBaselineDays:   cfg.FeeDriftBaselineDays,
			FeeDriftMinHistoryDays: cfg.FeeDriftMinHistoryDays,
			FeeDriftMinSamples:     cfg.FeeDriftMinSamples,
			MicroLeakMinOccurrence: cfg.MicroLeakMinOccurrence,
			MicroLeakMinValue:      cfg.MicroLeakMinValue,
			CorrelationLookback:    cfg.CorrelationLookback,
		},
	})
	defer mgr.Close()

	// Periodic sync scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched := syncer.NewScheduler(db, mgr, cfg.SyncInterval, cfg.MinBetweenSyncs)
	go sched.Run(ctx)

	// Setup the Gin Router
	r := api.SetupRouter(db, mgr, wsHub, cfg.AllowedOrigins)

	log.Printf("Engine running on :%s (API Node: seller-recovery-pipeline)\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// demoFixtures seeds an in-memory store and stub marketplace with one
// seller whose records trip several detection families.
func demoFixtures() (store.Store, marketplace.Client) {
	db := store.NewMemoryStore()
	now := time.Now().UTC()

	if err := db.UpsertSellerAccount(context.Background(), &models.SellerAccount{
		SellerID: "demo-seller", Marketplaces: []string{"US"}, ConnectedAt: now, Sandbox: true,
	}); err != nil {
		log.Fatalf("FATAL: Failed to seed demo seller: %v", err)
	}

	stub := marketplace.NewStubClient(100)
	err := stub.Load(models.KindShipments,
		models.Shipment{ShipmentID: "DEMO-SH1", ShippedDate: now.AddDate(0, 0, -12), ExpectedQty: 40, ReceivedQty: 31},
	)
	if err == nil {
		err = stub.Load(models.KindOrders,
			models.Order{OrderID: "DEMO-O1", OrderDate: now.AddDate(0, 0, -25), TotalAmount: 120, Status: "Shipped"},
			models.Order{OrderID: "DEMO-O2", OrderDate: now.AddDate(0, 0, -20), TotalAmount: 60, Status: "Canceled"},
		)
	}
	if err == nil {
		err = stub.Load(models.KindReturns,
			models.Return{ReturnID: "DEMO-R1", OrderID: "DEMO-O1", RefundAmount: 40, ReturnedDate: now.AddDate(0, 0, -18)},
		)
	}
	if err == nil {
		err = stub.Load(models.KindSettlements,
			models.Settlement{SettlementID: "DEMO-ST1", SettlementDate: now.AddDate(0, 0, -7), Amount: 300, Fees: 75},
		)
	}
	if err == nil {
		err = stub.Load(models.KindFinancialEvents,
			models.FinancialEvent{EventID: "DEMO-F1", EventType: "Commission", Amount: 15, OrderID: "DEMO-O2", PostedDate: now.AddDate(0, 0, -19)},
		)
	}
	if err != nil {
		log.Fatalf("FATAL: Failed to seed demo marketplace data: %v", err)
	}
	return db, stub
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}
