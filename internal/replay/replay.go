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

// Package replay re-runs the matching pipeline over parked unmatched
// messages. SdI notifications regularly arrive before the invoice record
// exists on our side; once the record appears, a replay binds them.
package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/store"
)

// Store is the persistence surface the replayer needs.
type Store interface {
	ListUnmatched(ctx context.Context, limit int) ([]store.UnmatchedMessage, error)
	DeleteUnmatched(ctx context.Context, id int64) error
	CompanyByID(ctx context.Context, id int64) (*models.Company, error)
}

// Processor is the inbound pipeline. The replayer runs it without dedup,
// since every parked message has by definition been seen before.
type Processor interface {
	Process(ctx context.Context, company models.Company, raw *models.RawMessage) models.MatchResult
}

// Result summarises a completed replay run.
type Result struct {
	Scanned   int
	Matched   int
	Unmatched int
	Errors    int
	Elapsed   time.Duration
}

// Runner replays parked messages through the pipeline.
type Runner struct {
	store     Store
	processor Processor
}

// NewRunner creates a replay runner.
func NewRunner(st Store, processor Processor) *Runner {
	return &Runner{store: st, processor: processor}
}

// Run replays up to limit parked messages. A message that now matches an
// invoice is removed from the holding area; the rest stay parked for the
// next run.
func (r *Runner) Run(ctx context.Context, limit int) (*Result, error) {
	start := time.Now()

	msgs, err := r.store.ListUnmatched(ctx, limit)
	if err != nil {
		return nil, err
	}

	slog.Info("starting unmatched replay", "parked", len(msgs))

	res := &Result{Scanned: len(msgs)}
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}

		company, err := r.store.CompanyByID(ctx, m.CompanyID)
		if err != nil || company == nil {
			slog.Error("replay: company lookup failed",
				"unmatched_id", m.ID,
				"company_id", m.CompanyID,
				"error", err,
			)
			res.Errors++
			continue
		}

		raw := m.Raw
		match := r.processor.Process(ctx, *company, &raw)
		if match.InvoiceID == 0 {
			res.Unmatched++
			continue
		}

		if err := r.store.DeleteUnmatched(ctx, m.ID); err != nil {
			slog.Error("replay: failed to remove matched message",
				"unmatched_id", m.ID, "error", err)
			res.Errors++
			continue
		}
		res.Matched++

		slog.Info("replayed message matched invoice",
			"unmatched_id", m.ID,
			"invoice_id", match.InvoiceID,
			"type", match.Type,
		)
	}

	res.Elapsed = time.Since(start)
	slog.Info("unmatched replay complete",
		"scanned", res.Scanned,
		"matched", res.Matched,
		"still_unmatched", res.Unmatched,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
	return res, nil
}
