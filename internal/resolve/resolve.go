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

// Package resolve binds an inbound PEC message to the one invoice it
// concerns. Nothing about the inputs is reliable — subjects are free
// text, filenames are heuristic, XML sometimes does not parse — so
// resolution is an ordered list of fallible strategies combined with a
// first-success rule. A strategy failing is routine, not an error; only
// exhausting every strategy is a miss.
package resolve

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sdilink/pecbridge/internal/grammar"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

// Lookup is the invoice-store capability the resolver needs. The
// filename lookup runs the store's own exactness cascade; the key lookup
// is the last-resort company+progressivo search.
type Lookup interface {
	InvoiceByFilename(ctx context.Context, filename string, companyID int64) (*models.Invoice, error)
	InvoiceByKey(ctx context.Context, senderID, progressivo string, companyID int64) (*models.Invoice, error)
}

// Resolver maps inbound messages to invoices.
type Resolver struct {
	lookup Lookup
}

// New creates a resolver over the given invoice lookup.
func New(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// strategy is one fallible resolution attempt.
type strategy struct {
	name string
	run  func(ctx context.Context) (*models.Invoice, error)
}

// Resolve returns the best-matching invoice for a message, or nil when
// every strategy misses. companyID scopes the tenant-restricted lookup
// tiers; 0 means no tenant context. Strategy errors are absorbed and
// logged — a malformed input must never abort the caller's batch.
func (r *Resolver) Resolve(ctx context.Context, subject string, atts []models.ParsedAttachment, companyID int64) *models.Invoice {
	strategies := r.strategies(subject, atts, companyID)

	for _, s := range strategies {
		inv, err := s.run(ctx)
		if err != nil {
			slog.Debug("resolver strategy failed",
				"strategy", s.name,
				"subject", subject,
				"error", err,
			)
			continue
		}
		if inv != nil {
			slog.Info("resolver matched invoice",
				"strategy", s.name,
				"invoice_id", inv.ID,
			)
			return inv
		}
	}
	return nil
}

func (r *Resolver) strategies(subject string, atts []models.ParsedAttachment, companyID int64) []strategy {
	var out []strategy

	// fallbackKey remembers the first transmission key seen anywhere, for
	// the final company+key strategy.
	var fallbackKey *grammar.Key
	noteKey := func(k grammar.Key) {
		if fallbackKey == nil {
			fallbackKey = &k
		}
	}

	byFilename := func(name string) func(ctx context.Context) (*models.Invoice, error) {
		return func(ctx context.Context) (*models.Invoice, error) {
			return r.lookup.InvoiceByFilename(ctx, name, companyID)
		}
	}

	// 1. Filename token embedded in the subject: a notification name
	// (derive the invoice it refers to) or an invoice name directly.
	if notif, ok := grammar.ExtractNotificationFilename(subject); ok {
		if derived, ok := grammar.DeriveInvoiceFilename(notif); ok {
			if k, ok := grammar.ParseNotificationFilename(notif); ok {
				noteKey(k)
			}
			out = append(out, strategy{name: "subject-notification", run: byFilename(derived)})
		}
	} else if name, ok := grammar.ExtractInvoiceFilename(subject); ok {
		if k, ok := grammar.ParseTransmissionKey(grammar.StripExtensions(name)); ok {
			noteKey(k)
		}
		out = append(out, strategy{name: "subject-token", run: byFilename(name)})
	}

	// 2. Legacy "<label>: <key>" subject convention.
	if i := strings.LastIndexByte(subject, ':'); i >= 0 {
		if tail := strings.TrimSpace(subject[i+1:]); tail != "" {
			out = append(out, strategy{name: "subject-tail", run: byFilename(tail)})
		}
	}

	// 3. Attachment-based strategies, in order, per attachment.
	for _, att := range atts {
		fname := att.Filename
		content := att.Content

		if derived, ok := grammar.DeriveInvoiceFilename(fname); ok && derived != grammar.NormalizeXMLFilename(fname) {
			out = append(out, strategy{name: "attachment-derived", run: byFilename(derived)})
		}
		if k, ok := grammar.ParseNotificationFilename(fname); ok {
			noteKey(k)
			reconstructed := grammar.NormalizeXMLFilename(k.String() + ".xml")
			out = append(out, strategy{name: "attachment-key", run: byFilename(reconstructed)})
		}
		if name, ok := grammar.ExtractInvoiceFilename(fname); ok {
			out = append(out, strategy{name: "attachment-token", run: byFilename(name)})
		}
		out = append(out, strategy{name: "attachment-xml", run: func(ctx context.Context) (*models.Invoice, error) {
			name, ok := filenameFromNotificationXML(content)
			if !ok {
				return nil, nil
			}
			return r.lookup.InvoiceByFilename(ctx, name, companyID)
		}})
	}

	// 4. Best-effort company+key search, only with tenant context.
	if companyID != 0 {
		out = append(out, strategy{name: "company-key", run: func(ctx context.Context) (*models.Invoice, error) {
			if fallbackKey == nil {
				return nil, nil
			}
			return r.lookup.InvoiceByKey(ctx, fallbackKey.SenderID, fallbackKey.Progressivo, companyID)
		}})
	}

	return out
}

// filenameFromNotificationXML reads the NomeFile field an SdI
// notification uses to name the invoice file it refers to.
func filenameFromNotificationXML(content []byte) (string, bool) {
	raw := sdixml.DecodeMaybeBase64(content)
	if len(raw) == 0 {
		return "", false
	}
	doc, err := sdixml.Parse(raw)
	if err != nil {
		return "", false
	}
	name := doc.Text("NomeFile")
	if name == "" {
		return "", false
	}
	return grammar.NormalizeXMLFilename(name), true
}
