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

// PEC Bridge — Manual Dispatch Command
//
// Standalone CLI tool that exports an invoice's FatturaPA XML and sends
// it to SdI over PEC. Intended for operators retrying a single invoice
// outside the admin HTTP API.
//
// Usage:
//
//	go run ./cmd/dispatch/ --invoice <id>
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sdilink/pecbridge/internal/config"
	"github.com/sdilink/pecbridge/internal/dispatch"
	"github.com/sdilink/pecbridge/internal/mailer"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/queue"
	"github.com/sdilink/pecbridge/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	invoiceFlag := flag.Int64("invoice", 0, "Invoice ID to dispatch (required)")
	flag.Parse()

	if *invoiceFlag == 0 {
		fmt.Fprintf(os.Stderr, "Error: --invoice is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to Postgres ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
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

	// --- Build Dispatcher ---
	inv, err := st.InvoiceByID(ctx, *invoiceFlag)
	if err != nil {
		slog.Error("failed to load invoice", "invoice_id", *invoiceFlag, "error", err)
		os.Exit(1)
	}
	if inv == nil {
		slog.Error("invoice not found", "invoice_id", *invoiceFlag)
		os.Exit(1)
	}

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
		mailers[id] = mailer.NewSender(cc.PecAddress, cc.Mailbox)
	}
	mailerFor := func(companyID int64) dispatch.Mailer {
		return mailers[companyID]
	}

	dispatcher := dispatch.New(st, mailerFor, dispatch.NewStoredRenderer(st), publisher)

	res := dispatcher.Dispatch(ctx, *invoiceFlag)
	if !res.OK {
		slog.Error("dispatch failed", "invoice_id", *invoiceFlag, "detail", res.Detail)
		os.Exit(1)
	}
	slog.Info("dispatch completed",
		"invoice_id", *invoiceFlag,
		"filename", res.Filename,
		"detail", res.Detail,
	)
}
