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

package store

import (
	"context"
	"strings"

	"github.com/sdilink/pecbridge/internal/grammar"
	"github.com/sdilink/pecbridge/internal/models"
)

// InvoiceByFilename binds a filename seen in inbound mail to an invoice.
// SdI renames, re-signs and re-wraps files on its way through, so the
// search runs in tiers of decreasing exactness and stops at the first
// hit: exact match on the invoice's own canonical artifact, then fuzzy
// match on it, then exact and fuzzy matches on any invoice-owned
// attachment. All comparisons are case-insensitive and every tier is
// restricted to outbound invoices; inbound supplier documents own
// invoice-shaped attachments too and must never absorb a notification.
// Within a tier the newest invoice wins. companyID of 0 disables the
// tenant scoping of the first two tiers.
func (s *Store) InvoiceByFilename(ctx context.Context, filename string, companyID int64) (*models.Invoice, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return nil, nil
	}

	names := candidateNames(filename)
	patterns := likePatterns(filename)

	// Tier 1: exact name of the canonical artifact.
	inv, err := s.invoiceByArtifactExact(ctx, names, companyID)
	if err != nil || inv != nil {
		return inv, err
	}

	// Tier 2: fuzzy name of the canonical artifact.
	inv, err = s.invoiceByArtifactLike(ctx, patterns, companyID)
	if err != nil || inv != nil {
		return inv, err
	}

	// Tier 3: exact name of any invoice-owned attachment (notification
	// files persisted on earlier messages count too).
	inv, err = s.invoiceByOwnedExact(ctx, names)
	if err != nil || inv != nil {
		return inv, err
	}

	// Tier 4: fuzzy name of any invoice-owned attachment.
	return s.invoiceByOwnedLike(ctx, patterns)
}

// InvoiceByKey is the last-resort search: match the sender identity
// against the company's fiscal identity and the progressivo against the
// invoice number or payment reference.
func (s *Store) InvoiceByKey(ctx context.Context, senderID, progressivo string, companyID int64) (*models.Invoice, error) {
	if senderID == "" || progressivo == "" {
		return nil, nil
	}
	sub := "%" + likeEscape(progressivo) + "%"
	row := s.q.QueryRow(ctx, invoiceColumns+`
		JOIN companies c ON c.id = i.company_id
		WHERE LOWER(c.country_code || c.fiscal_code) = LOWER($1)
		  AND ($2 = 0 OR i.company_id = $2)
		  AND i.direction = 'out'
		  AND (LOWER(i.number) = LOWER($3) OR i.number ILIKE $4 OR i.payment_reference ILIKE $4)
		ORDER BY i.created_at DESC
		LIMIT 1
	`, senderID, companyID, progressivo, sub)
	return scanInvoice(row)
}

func (s *Store) invoiceByArtifactExact(ctx context.Context, names []string, companyID int64) (*models.Invoice, error) {
	row := s.q.QueryRow(ctx, invoiceColumns+`
		JOIN attachments a ON a.id = i.attachment_id
		WHERE LOWER(a.name) = ANY($1)
		  AND ($2 = 0 OR i.company_id = $2)
		  AND i.direction = 'out'
		ORDER BY i.created_at DESC
		LIMIT 1
	`, names, companyID)
	return scanInvoice(row)
}

func (s *Store) invoiceByArtifactLike(ctx context.Context, patterns []string, companyID int64) (*models.Invoice, error) {
	row := s.q.QueryRow(ctx, invoiceColumns+`
		JOIN attachments a ON a.id = i.attachment_id
		WHERE a.name ILIKE ANY($1)
		  AND ($2 = 0 OR i.company_id = $2)
		  AND i.direction = 'out'
		ORDER BY i.created_at DESC
		LIMIT 1
	`, patterns, companyID)
	return scanInvoice(row)
}

func (s *Store) invoiceByOwnedExact(ctx context.Context, names []string) (*models.Invoice, error) {
	row := s.q.QueryRow(ctx, invoiceColumns+`
		JOIN attachments a ON a.owner_kind = 'invoice' AND a.owner_id = i.id
		WHERE LOWER(a.name) = ANY($1)
		  AND i.direction = 'out'
		ORDER BY i.created_at DESC
		LIMIT 1
	`, names)
	return scanInvoice(row)
}

func (s *Store) invoiceByOwnedLike(ctx context.Context, patterns []string) (*models.Invoice, error) {
	row := s.q.QueryRow(ctx, invoiceColumns+`
		JOIN attachments a ON a.owner_kind = 'invoice' AND a.owner_id = i.id
		WHERE a.name ILIKE ANY($1)
		  AND i.direction = 'out'
		ORDER BY i.created_at DESC
		LIMIT 1
	`, patterns)
	return scanInvoice(row)
}

// candidateNames expands a filename into every spelling the same file may
// be stored under: the signed/unsigned extension variants of the full
// name, plus the bare-progressivo spellings when the name carries a
// transmission key. Names are lowercased for the case-insensitive exact
// tiers.
func candidateNames(filename string) []string {
	base := grammar.StripExtensions(filename)
	raw := []string{
		filename,
		grammar.NormalizeXMLFilename(filename),
		base + ".xml",
		base + ".xml.p7m",
		base + ".p7m",
	}
	if key, ok := grammar.ParseTransmissionKey(base); ok {
		raw = append(raw,
			key.Progressivo,
			key.Progressivo+".xml",
			key.Progressivo+".xml.p7m",
			key.Progressivo+".p7m",
		)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, n := range raw {
		n = strings.ToLower(n)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// likePatterns builds the fuzzy patterns for a filename: suffix and
// substring on the full base, plus the progressivo-suffix spelling when
// a transmission key is present.
func likePatterns(filename string) []string {
	base := grammar.StripExtensions(filename)
	out := []string{
		"%" + likeEscape(base) + ".xml",
		"%" + likeEscape(base) + "%",
	}
	if key, ok := grammar.ParseTransmissionKey(base); ok {
		out = append(out, "%\\_"+likeEscape(key.Progressivo)+".xml")
	}
	return out
}

// likeEscape quotes LIKE metacharacters so filename fragments match
// literally. Transmission keys contain underscores.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
