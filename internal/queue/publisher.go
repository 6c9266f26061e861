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

// Package queue publishes invoice state-change events to Redis.
// Downstream consumers (ERP sync jobs, notification mailers) pop them
// from a list; the bridge itself never reads them back.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sdilink/pecbridge/internal/lifecycle"
)

// Publisher sends invoice events to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// StateChange is the JSON payload published for each invoice transition.
type StateChange struct {
	EventID      string                      `json:"event_id"`
	InvoiceID    int64                       `json:"invoice_id"`
	CompanyID    int64                       `json:"company_id"`
	Transmission lifecycle.TransmissionState `json:"transmission_state"`
	Pec          lifecycle.PecState          `json:"pec_state,omitempty"`
	Detail       string                      `json:"detail,omitempty"`
	OccurredAt   time.Time                   `json:"occurred_at"`
}

// PublishStateChange serialises an invoice transition and pushes it to
// Redis. Consumers pop with BRPOP, so LPUSH keeps FIFO order.
func (p *Publisher) PublishStateChange(ctx context.Context, ev *StateChange) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal state change: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published invoice state change",
		"event_id", ev.EventID,
		"invoice_id", ev.InvoiceID,
		"transmission_state", ev.Transmission,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
