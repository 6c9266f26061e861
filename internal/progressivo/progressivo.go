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

// Package progressivo allocates the per-sender transmission counter that
// names an outbound invoice. Allocation is idempotent across repeated
// exports of the same invoice: an existing artifact name keeps its
// counter.
package progressivo

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math/big"

	"github.com/sdilink/pecbridge/internal/grammar"
)

// alphabet matches the counterparty's observed counters: uppercase first,
// then digits, then lowercase.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789abcdefghijklmnopqrstuvwxyz"

const (
	size       = 5
	maxRetries = 20
)

// ExistsChecker answers whether an artifact with the given name already
// exists for a company. Injected so allocation is testable without a
// data store.
type ExistsChecker interface {
	Exists(ctx context.Context, filename string, companyID int64) (bool, error)
}

// Allocator produces collision-checked progressivo values.
type Allocator struct {
	checker ExistsChecker
}

// New creates an allocator backed by the given collision checker.
func New(checker ExistsChecker) *Allocator {
	return &Allocator{checker: checker}
}

// Allocate returns the progressivo to use for an export.
//
// If existingFilename already carries a valid progressivo it is reused
// unchanged. Otherwise up to 20 random candidates are checked against
// {senderID}_{candidate}.xml; if every one collides the last candidate is
// accepted anyway — a repeat of a 1-in-62^5 event twenty times over is not
// worth failing an export for. With no senderID (missing fiscal identity)
// the check is skipped entirely.
func (a *Allocator) Allocate(ctx context.Context, existingFilename, senderID string, companyID int64) string {
	if p, ok := grammar.ExtractProgressivo(existingFilename); ok {
		return p
	}

	if senderID == "" || a.checker == nil {
		return random(size)
	}

	var candidate string
	for i := 0; i < maxRetries; i++ {
		candidate = random(size)
		name := senderID + "_" + candidate + ".xml"
		exists, err := a.checker.Exists(ctx, name, companyID)
		if err != nil {
			// A broken checker must not block the export.
			slog.Warn("progressivo collision check failed, accepting candidate",
				"candidate", candidate,
				"error", err,
			)
			return candidate
		}
		if !exists {
			return candidate
		}
	}
	return candidate
}

func random(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform entropy source is
			// gone; nothing sensible to do but give up loudly.
			panic(err)
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out)
}
