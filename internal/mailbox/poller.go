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

package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/sdilink/pecbridge/internal/models"
)

// Handler is called for each fetched message. Routing on the sender
// happens downstream; transport receipts arrive from the company's own
// PEC provider, not from the exchange system.
type Handler func(ctx context.Context, company models.Company, msg *models.RawMessage) error

// HealthStore tracks per-company poll health across restarts.
type HealthStore interface {
	CompanyEnabled(ctx context.Context, id int64) (bool, error)
	IncrementPollError(ctx context.Context, id int64) (int, error)
	ResetPollError(ctx context.Context, id int64) error
	SetCompanyEnabled(ctx context.Context, id int64, enabled bool) error
}

// Account pairs a company with the fetcher for its mailbox.
type Account struct {
	Company models.Company
	Fetcher Fetcher
}

// Poller periodically drains every company mailbox and hands messages to
// the pipeline. A mailbox that fails too many polls in a row is disabled
// rather than retried forever; an operator re-enables it after fixing
// the credentials or the provider outage.
type Poller struct {
	accounts  []Account
	health    HealthStore
	handler   Handler
	interval  time.Duration
	maxErrors int
}

// NewPoller creates a poller over the given accounts.
func NewPoller(accounts []Account, health HealthStore, handler Handler, interval time.Duration, maxErrors int) *Poller {
	return &Poller{
		accounts:  accounts,
		health:    health,
		handler:   handler,
		interval:  interval,
		maxErrors: maxErrors,
	}
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	slog.Info("mailbox poller starting",
		"accounts", len(p.accounts),
		"interval", p.interval,
	)

	// Do an initial poll immediately
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("mailbox poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	for _, acct := range p.accounts {
		if ctx.Err() != nil {
			return
		}
		p.pollAccount(ctx, acct)
	}
}

func (p *Poller) pollAccount(ctx context.Context, acct Account) {
	company := acct.Company

	enabled, err := p.health.CompanyEnabled(ctx, company.ID)
	if err != nil {
		slog.Error("failed to read company state", "company", company.Alias, "error", err)
		return
	}
	if !enabled {
		slog.Debug("company polling disabled", "company", company.Alias)
		return
	}

	msgs, err := acct.Fetcher.Fetch(ctx)
	if err != nil {
		n, herr := p.health.IncrementPollError(ctx, company.ID)
		if herr != nil {
			slog.Error("failed to record poll error", "company", company.Alias, "error", herr)
		}
		slog.Error("mailbox fetch failed",
			"company", company.Alias,
			"consecutive_errors", n,
			"error", err,
		)
		if n >= p.maxErrors {
			if derr := p.health.SetCompanyEnabled(ctx, company.ID, false); derr != nil {
				slog.Error("failed to disable company", "company", company.Alias, "error", derr)
				return
			}
			slog.Error("company polling disabled after repeated failures",
				"company", company.Alias,
				"consecutive_errors", n,
			)
		}
		return
	}

	if err := p.health.ResetPollError(ctx, company.ID); err != nil {
		slog.Error("failed to reset poll errors", "company", company.Alias, "error", err)
	}

	if len(msgs) == 0 {
		return
	}
	slog.Info("fetched pec messages", "company", company.Alias, "count", len(msgs))

	for _, msg := range msgs {
		if err := p.handler(ctx, company, msg); err != nil {
			slog.Error("failed to process message",
				"company", company.Alias,
				"message_id", msg.MessageID,
				"error", err,
			)
		}
	}
}
