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

// PEC Bridge — Unmatched Message Replay Command
//
// Standalone CLI tool that re-runs parked PEC messages through the
// inbound pipeline. Messages that now resolve to an invoice (typically
// because the invoice was created or exported after the notification
// arrived) are applied and removed from the holding area.
//
// Usage:
//
//	go run ./cmd/replay/ [--limit 100]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sdilink/pecbridge/internal/config"
	"github.com/sdilink/pecbridge/internal/pipeline"
	"github.com/sdilink/pecbridge/internal/queue"
	"github.com/sdilink/pecbridge/internal/replay"
	"github.com/sdilink/pecbridge/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	limitFlag := flag.Int("limit", 100, "Maximum number of parked messages to replay")
	flag.Parse()

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

	// Parked messages already passed the dedup filter once, so the
	// replay pipeline runs without it.
	pipe := pipeline.New(st, nil, publisher, cfg.MonotonicStates)
	runner := replay.NewRunner(st, pipe)

	res, err := runner.Run(ctx, *limitFlag)
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}
	slog.Info("replay completed",
		"scanned", res.Scanned,
		"matched", res.Matched,
		"unmatched", res.Unmatched,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
}
