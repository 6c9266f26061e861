// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// PEC Bridge — SdI Exchange Service
//
// Entry point for the PEC bridge service. It:
//  1. Loads multi-company configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Syncs configured companies into the database
//  4. Polls each company's PEC mailbox over IMAP for SdI traffic
//  5. Applies SdI notifications and PEC transport receipts to invoices
//  6. Serves an admin HTTP API for health checks and invoice dispatch
//  7. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sdilink/pecbridge/internal/config"
	"github.com/sdilink/pecbridge/internal/dedup"
	"github.com/sdilink/pecbridge/internal/dispatch"
	"github.com/sdilink/pecbridge/internal/httpapi"
	"github.com/sdilink/pecbridge/internal/mailbox"
	"github.com/sdilink/pecbridge/internal/mailer"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/pipeline"
	"github.com/sdilink/pecbridge/internal/queue"
	"github.com/sdilink/pecbridge/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting PEC bridge service")

	// --- Phase 1: Configuration and Connections ---

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"companies", len(cfg.Companies),
		"poll_interval", cfg.PollInterval,
		"max_error_count", cfg.MaxErrorCount,
		"monotonic_states", cfg.MonotonicStates,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Postgres")

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb)

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}

	// --- Phase 2: Company Sync ---

	accounts := make([]mailbox.Account, 0, len(cfg.Companies))
	mailers := make(map[int64]dispatch.Mailer, len(cfg.Companies))
	for _, cc := range cfg.Companies {
		company := models.Company{
			Alias:       cc.Alias,
			CountryCode: cc.CountryCode,
			FiscalCode:  cc.FiscalCode,
			VAT:         cc.VAT,
			PecAddress:  cc.PecAddress,
			SdIAddress:  cc.SdIAddress,
		}
		id, err := st.UpsertCompany(ctx, company)
		if err != nil {
			slog.Error("failed to sync company", "alias", cc.Alias, "error", err)
			os.Exit(1)
		}
		company.ID = id
		accounts = append(accounts, mailbox.Account{
			Company: company,
			Fetcher: mailbox.NewIMAPFetcher(cc.Mailbox),
		})
		mailers[id] = mailer.NewSender(cc.PecAddress, cc.Mailbox)
		slog.Info("company registered", "alias", cc.Alias, "company_id", id, "pec", cc.PecAddress)
	}

	// --- Phase 3: Mailbox Poller ---

	pipe := pipeline.New(st, filter, publisher, cfg.MonotonicStates)
	handle := func(ctx context.Context, company models.Company, msg *models.RawMessage) error {
		pipe.Process(ctx, company, msg)
		return nil
	}
	poller := mailbox.NewPoller(accounts, st, handle, cfg.PollInterval, cfg.MaxErrorCount)
	go poller.Run(ctx)

	// --- Phase 4: Admin HTTP Server ---

	mailerFor := func(companyID int64) dispatch.Mailer {
		return mailers[companyID]
	}
	dispatcher := dispatch.New(st, mailerFor, dispatch.NewStoredRenderer(st), publisher)

	api := httpapi.NewHandler(dispatcher, map[string]httpapi.Pinger{
		"postgres": httpapi.PingFunc(pgPool.Ping),
		"redis":    httpapi.PingFunc(publisher.Ping),
	})
	ready, err := httpapi.Serve(ctx, cfg.Port, api)
	if err != nil {
		slog.Error("failed to start admin server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("admin server listening", "port", cfg.Port)

	// --- Graceful Shutdown ---

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("shutdown signal received", "signal", sig.String())

	cancel()
	// Give the poller and admin server a moment to wind down.
	time.Sleep(2 * time.Second)
	slog.Info("PEC bridge service stopped")
}
