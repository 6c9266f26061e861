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

// Package store provides the Postgres-backed persistence layer: companies,
// invoices, stored attachments, the audit log and the unmatched-message
// holding area. All writes the pipeline makes to an invoice go through
// here, and the filename lookup cascade that binds inbound mail to
// invoices lives here too.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sdilink/pecbridge/internal/lifecycle"
	"github.com/sdilink/pecbridge/internal/models"
)

// rowQuerier is the slice of the pool the single-row lookups run on.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides CRUD operations over the bridge schema.
type Store struct {
	pool *pgxpool.Pool
	q    rowQuerier
}

// NewStore creates a store backed by the given Postgres pool.
// It ensures the schema exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool, q: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure bridge schema: %w", err)
	}
	slog.Info("bridge store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS companies (
			id           BIGSERIAL PRIMARY KEY,
			alias        TEXT NOT NULL UNIQUE,
			country_code TEXT DEFAULT '',
			fiscal_code  TEXT DEFAULT '',
			vat          TEXT DEFAULT '',
			pec_address  TEXT NOT NULL,
			sdi_address  TEXT NOT NULL,
			enabled      BOOLEAN DEFAULT TRUE,
			error_count  INT DEFAULT 0,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS invoices (
			id                 BIGSERIAL PRIMARY KEY,
			company_id         BIGINT NOT NULL REFERENCES companies(id),
			direction          TEXT NOT NULL DEFAULT 'out',
			number             TEXT DEFAULT '',
			payment_reference  TEXT DEFAULT '',
			transmission_state TEXT DEFAULT '',
			pec_state          TEXT DEFAULT '',
			attachment_id      BIGINT DEFAULT 0,
			is_sent            BOOLEAN DEFAULT FALSE,
			header             TEXT DEFAULT '',
			created_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_invoices_company ON invoices(company_id);
		CREATE INDEX IF NOT EXISTS idx_invoices_number ON invoices(number);

		CREATE TABLE IF NOT EXISTS attachments (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL,
			mimetype   TEXT DEFAULT 'application/xml',
			owner_kind TEXT NOT NULL,
			owner_id   BIGINT NOT NULL,
			company_id BIGINT DEFAULT 0,
			content    BYTEA NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_name ON attachments(name);
		CREATE INDEX IF NOT EXISTS idx_attachments_owner ON attachments(owner_kind, owner_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id         BIGSERIAL PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id   BIGINT NOT NULL,
			company_id BIGINT DEFAULT 0,
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_owner ON audit_log(owner_kind, owner_id);

		CREATE TABLE IF NOT EXISTS unmatched_messages (
			id         BIGSERIAL PRIMARY KEY,
			company_id BIGINT DEFAULT 0,
			message_id TEXT NOT NULL UNIQUE,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// WithInvoiceLock runs fn while holding a transaction-scoped advisory
// lock on the invoice. Export and send for the same invoice serialise on
// this lock across all bridge instances.
func (s *Store) WithInvoiceLock(ctx context.Context, invoiceID int64, fn func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin invoice lock tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, invoiceID); err != nil {
		return fmt.Errorf("acquire invoice lock: %w", err)
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertCompany inserts or updates a company keyed on its alias and
// returns its ID. Configuration is the source of truth for everything
// except the runtime enabled/error_count pair, which survives restarts.
func (s *Store) UpsertCompany(ctx context.Context, c models.Company) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO companies (alias, country_code, fiscal_code, vat, pec_address, sdi_address)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (alias) DO UPDATE SET
			country_code = EXCLUDED.country_code,
			fiscal_code  = EXCLUDED.fiscal_code,
			vat          = EXCLUDED.vat,
			pec_address  = EXCLUDED.pec_address,
			sdi_address  = EXCLUDED.sdi_address,
			updated_at   = NOW()
		RETURNING id
	`, c.Alias, c.CountryCode, c.FiscalCode, c.VAT, c.PecAddress, c.SdIAddress).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// CompanyByID retrieves a single company.
func (s *Store) CompanyByID(ctx context.Context, id int64) (*models.Company, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, alias, country_code, fiscal_code, vat, pec_address, sdi_address
		FROM companies
		WHERE id = $1
	`, id)
	var c models.Company
	err := row.Scan(&c.ID, &c.Alias, &c.CountryCode, &c.FiscalCode, &c.VAT, &c.PecAddress, &c.SdIAddress)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CompanyEnabled reports whether the company's mailbox polling is still
// enabled.
func (s *Store) CompanyEnabled(ctx context.Context, id int64) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx, `SELECT enabled FROM companies WHERE id = $1`, id).Scan(&enabled)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return enabled, err
}

// IncrementPollError bumps the company's consecutive poll failure count
// and returns the new value.
func (s *Store) IncrementPollError(ctx context.Context, id int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE companies
		SET error_count = error_count + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING error_count
	`, id).Scan(&n)
	return n, err
}

// ResetPollError clears the consecutive failure count after a successful
// poll.
func (s *Store) ResetPollError(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE companies
		SET error_count = 0, updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// SetCompanyEnabled toggles mailbox polling for a company.
func (s *Store) SetCompanyEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE companies
		SET enabled = $1, updated_at = NOW()
		WHERE id = $2
	`, enabled, id)
	return err
}

// CreateInvoice inserts a new invoice and fills in its ID.
func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO invoices
			(company_id, direction, number, payment_reference,
			 transmission_state, pec_state, attachment_id, is_sent, header)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, inv.CompanyID, inv.Direction, inv.Number, inv.PaymentReference,
		inv.Transmission, inv.Pec, inv.AttachmentID, inv.IsSent, inv.Header,
	).Scan(&inv.ID, &inv.CreatedAt)
}

// InvoiceByID retrieves a single invoice.
func (s *Store) InvoiceByID(ctx context.Context, id int64) (*models.Invoice, error) {
	row := s.pool.QueryRow(ctx, invoiceColumns+` WHERE i.id = $1`, id)
	return scanInvoice(row)
}

// SetStates records the outcome of a notification on an invoice. The
// transmission state is always written; the PEC state only when the
// outcome carries one; the header always reflects the latest message.
func (s *Store) SetStates(ctx context.Context, id int64, t lifecycle.TransmissionState, p lifecycle.PecState, header string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET transmission_state = $1,
		    pec_state = CASE WHEN $2 = '' THEN pec_state ELSE $2 END,
		    header = $3
		WHERE id = $4
	`, string(t), string(p), header, id)
	return err
}

// SetPecState writes only the PEC state, for transport receipts that say
// nothing about the SdI lifecycle.
func (s *Store) SetPecState(ctx context.Context, id int64, p lifecycle.PecState, header string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET pec_state = $1, header = $2
		WHERE id = $3
	`, string(p), header, id)
	return err
}

// SetInvoiceAttachment binds the canonical XML artifact to its invoice.
func (s *Store) SetInvoiceAttachment(ctx context.Context, invoiceID, attachmentID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices SET attachment_id = $1 WHERE id = $2
	`, attachmentID, invoiceID)
	return err
}

// MarkSent flags the invoice as handed to the PEC provider.
func (s *Store) MarkSent(ctx context.Context, invoiceID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices SET is_sent = TRUE WHERE id = $1
	`, invoiceID)
	return err
}

// AppendAudit records one audit line against an owning record.
func (s *Store) AppendAudit(ctx context.Context, ownerKind string, ownerID, companyID int64, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (owner_kind, owner_id, company_id, message)
		VALUES ($1, $2, $3, $4)
	`, ownerKind, ownerID, companyID, message)
	return err
}

// UnmatchedMessage is a fetched PEC message no strategy could bind to an
// invoice, parked for later replay.
type UnmatchedMessage struct {
	ID        int64
	CompanyID int64
	Raw       models.RawMessage
	CreatedAt time.Time
}

// SaveUnmatched parks a message for replay. Saving the same Message-Id
// twice is a no-op.
func (s *Store) SaveUnmatched(ctx context.Context, companyID int64, raw *models.RawMessage) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal unmatched message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO unmatched_messages (company_id, message_id, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`, companyID, raw.MessageID, payload)
	return err
}

// ListUnmatched returns parked messages, oldest first.
func (s *Store) ListUnmatched(ctx context.Context, limit int) ([]UnmatchedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, payload, created_at
		FROM unmatched_messages
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UnmatchedMessage
	for rows.Next() {
		var (
			m       UnmatchedMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.CompanyID, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &m.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal unmatched message %d: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteUnmatched removes a parked message after a successful replay.
func (s *Store) DeleteUnmatched(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM unmatched_messages WHERE id = $1`, id)
	return err
}

const invoiceColumns = `
	SELECT i.id, i.company_id, i.direction, i.number, i.payment_reference,
	       i.transmission_state, i.pec_state, i.attachment_id, i.is_sent,
	       i.header, i.created_at
	FROM invoices i`

// scanInvoice scans a single row into an Invoice.
func scanInvoice(row pgx.Row) (*models.Invoice, error) {
	var inv models.Invoice
	err := row.Scan(
		&inv.ID, &inv.CompanyID, &inv.Direction, &inv.Number, &inv.PaymentReference,
		&inv.Transmission, &inv.Pec, &inv.AttachmentID, &inv.IsSent,
		&inv.Header, &inv.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
