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

// Package pipeline processes one inbound PEC message end to end: dedup,
// envelope unwrapping, invoice resolution, notification classification
// and the resulting state transition. Every failure below the transport
// is absorbed here; a malformed message degrades to an unmatched audit
// entry, never an aborted batch.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sdilink/pecbridge/internal/envelope"
	"github.com/sdilink/pecbridge/internal/grammar"
	"github.com/sdilink/pecbridge/internal/lifecycle"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/notify"
	"github.com/sdilink/pecbridge/internal/queue"
	"github.com/sdilink/pecbridge/internal/resolve"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	resolve.Lookup

	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	CreateAttachment(ctx context.Context, att *models.Attachment) error
	SetInvoiceAttachment(ctx context.Context, invoiceID, attachmentID int64) error
	SetStates(ctx context.Context, id int64, t lifecycle.TransmissionState, p lifecycle.PecState, header string) error
	AppendAudit(ctx context.Context, ownerKind string, ownerID, companyID int64, message string) error
	SaveUnmatched(ctx context.Context, companyID int64, raw *models.RawMessage) error
}

// Dedup filters already-seen messages. May be nil (replay runs without).
type Dedup interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
}

// Events receives invoice state-change notifications. May be nil.
type Events interface {
	PublishStateChange(ctx context.Context, ev *queue.StateChange) error
}

// Pipeline binds inbound messages to invoices and applies transitions.
type Pipeline struct {
	store     Store
	resolver  *resolve.Resolver
	dedup     Dedup
	events    Events
	monotonic bool
}

// New creates a pipeline. monotonic suppresses transitions that would
// move an invoice backwards in its lifecycle.
func New(store Store, dedup Dedup, events Events, monotonic bool) *Pipeline {
	return &Pipeline{
		store:     store,
		resolver:  resolve.New(store),
		dedup:     dedup,
		events:    events,
		monotonic: monotonic,
	}
}

// Process handles one fetched message and reports what it did.
func (p *Pipeline) Process(ctx context.Context, company models.Company, raw *models.RawMessage) models.MatchResult {
	if p.dedup != nil && raw.MessageID != "" {
		isNew, err := p.dedup.IsNew(ctx, raw.MessageID)
		if err != nil {
			// A broken dedup store must not stall inbound mail; the
			// state machine tolerates replays.
			slog.Warn("dedup check failed, processing anyway",
				"message_id", raw.MessageID, "error", err)
		} else if !isNew {
			slog.Info("duplicate message skipped", "message_id", raw.MessageID)
			return models.MatchResult{}
		}
	}

	envelope.Unwrap(raw)

	notifAtts, invoiceAtts := splitAttachments(raw.Attachments)

	// Mail from the SdI domain carrying both a FatturaPA file and an SdI
	// notification is a supplier invoice addressed to us, not an outcome
	// for one of ours. Mail from anyone else takes the resolver route,
	// whatever it carries.
	if len(invoiceAtts) > 0 && len(notifAtts) > 0 && raw.FromSdI(company.SdIAddress) {
		return p.createInbound(ctx, company, raw, invoiceAtts)
	}

	inv := p.resolver.Resolve(ctx, raw.Subject, raw.Attachments, company.ID)
	if inv == nil {
		return p.unmatched(ctx, company, raw)
	}

	if len(notifAtts) > 0 {
		return p.applyNotifications(ctx, company, inv, notifAtts)
	}
	return p.applyReceipt(ctx, inv, raw.Subject)
}

// applyNotifications runs classify+apply for every notification file on
// the message. The last applied outcome wins the result.
func (p *Pipeline) applyNotifications(ctx context.Context, company models.Company, inv *models.Invoice, atts []models.ParsedAttachment) models.MatchResult {
	res := models.MatchResult{InvoiceID: inv.ID}

	for _, att := range atts {
		content := sdixml.DecodeMaybeBase64(att.Content)

		var (
			t   notify.Type
			out lifecycle.Outcome
		)
		doc, err := sdixml.Parse(content)
		if err != nil {
			t = notify.TypeFromFilename(att.Filename)
			out = lifecycle.ApplyFallback(t, att.Filename, err.Error())
		} else {
			t = notify.Classify(doc)
			if t == notify.Unknown {
				if ft := notify.TypeFromFilename(att.Filename); ft != notify.Unknown {
					t = ft
				}
			}
			out = lifecycle.Apply(t, doc)
		}
		if p.monotonic {
			out = lifecycle.Monotonic(inv.Transmission, out)
		}

		if out.Transmission == inv.Transmission && out.Pec == lifecycle.PecUnchanged {
			// Monotonic guard suppressed the transition; keep the audit.
			if err := p.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, out.Detail); err != nil {
				slog.Error("failed to audit suppressed transition", "invoice_id", inv.ID, "error", err)
			}
			res.Type = t
			res.AuditMessage = out.Detail
			continue
		}

		if err := p.store.SetStates(ctx, inv.ID, out.Transmission, out.Pec, out.Detail); err != nil {
			slog.Error("failed to persist transition",
				"invoice_id", inv.ID, "type", t, "error", err)
			continue
		}
		inv.Transmission = out.Transmission
		if out.Pec != lifecycle.PecUnchanged {
			inv.Pec = out.Pec
		}

		if err := p.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, out.Detail); err != nil {
			slog.Error("failed to audit transition", "invoice_id", inv.ID, "error", err)
		}
		p.keepNotificationFile(ctx, inv, att)
		p.publish(ctx, inv, out.Detail)

		res.Type = t
		res.Transmission = out.Transmission
		res.Pec = out.Pec
		res.AuditMessage = out.Detail

		slog.Info("notification applied",
			"company", company.Alias,
			"invoice_id", inv.ID,
			"type", t,
			"transmission_state", out.Transmission,
		)
	}
	return res
}

// applyReceipt handles transport receipts: PEC provider mail about our
// own send, with no SdI payload.
func (p *Pipeline) applyReceipt(ctx context.Context, inv *models.Invoice, subject string) models.MatchResult {
	pec, label, ok := lifecycle.ApplyReceipt(subject)
	if !ok {
		slog.Info("matched invoice but nothing to apply",
			"invoice_id", inv.ID, "subject", subject)
		return models.MatchResult{InvoiceID: inv.ID}
	}

	trans := inv.Transmission
	if trans == lifecycle.TransmissionNone {
		trans = lifecycle.Processing
	}
	if err := p.store.SetStates(ctx, inv.ID, trans, pec, label); err != nil {
		slog.Error("failed to persist receipt", "invoice_id", inv.ID, "error", err)
		return models.MatchResult{InvoiceID: inv.ID}
	}
	inv.Transmission = trans
	inv.Pec = pec
	if err := p.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, label); err != nil {
		slog.Error("failed to audit receipt", "invoice_id", inv.ID, "error", err)
	}
	p.publish(ctx, inv, label)

	return models.MatchResult{
		InvoiceID:    inv.ID,
		Transmission: trans,
		Pec:          pec,
		AuditMessage: label,
	}
}

// createInbound records a supplier invoice delivered to us by SdI and
// binds every attachment to it.
func (p *Pipeline) createInbound(ctx context.Context, company models.Company, raw *models.RawMessage, invoiceAtts []models.ParsedAttachment) models.MatchResult {
	inv := &models.Invoice{
		CompanyID: company.ID,
		Direction: models.DirectionIn,
		Header:    fmt.Sprintf("Fattura fornitore ricevuta via SdI: %s", invoiceAtts[0].Filename),
	}
	if err := p.store.CreateInvoice(ctx, inv); err != nil {
		slog.Error("failed to create inbound invoice",
			"company", company.Alias, "message_id", raw.MessageID, "error", err)
		return p.unmatched(ctx, company, raw)
	}

	for _, att := range raw.Attachments {
		stored := &models.Attachment{
			Name:      att.Filename,
			Mimetype:  "application/xml",
			OwnerKind: models.OwnerInvoice,
			OwnerID:   inv.ID,
			CompanyID: company.ID,
			Content:   sdixml.DecodeMaybeBase64(att.Content),
		}
		if err := p.store.CreateAttachment(ctx, stored); err != nil {
			slog.Error("failed to store inbound attachment",
				"invoice_id", inv.ID, "name", att.Filename, "error", err)
			continue
		}
		if stored.Name == invoiceAtts[0].Filename && inv.AttachmentID == 0 {
			if err := p.store.SetInvoiceAttachment(ctx, inv.ID, stored.ID); err != nil {
				slog.Error("failed to bind inbound artifact", "invoice_id", inv.ID, "error", err)
			} else {
				inv.AttachmentID = stored.ID
			}
		}
	}

	if err := p.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, company.ID, inv.Header); err != nil {
		slog.Error("failed to audit inbound invoice", "invoice_id", inv.ID, "error", err)
	}
	slog.Info("inbound supplier invoice created",
		"company", company.Alias,
		"invoice_id", inv.ID,
		"file", invoiceAtts[0].Filename,
	)

	return models.MatchResult{
		InvoiceID:    inv.ID,
		Type:         notify.MT,
		AuditMessage: inv.Header,
	}
}

// unmatched parks the message for replay and leaves a trace on the
// company record so operators can investigate.
func (p *Pipeline) unmatched(ctx context.Context, company models.Company, raw *models.RawMessage) models.MatchResult {
	msg := fmt.Sprintf("Notifica PEC non riconducibile a una fattura: %q (Message-Id: %s)", raw.Subject, raw.MessageID)
	if err := p.store.AppendAudit(ctx, models.OwnerCompany, company.ID, company.ID, msg); err != nil {
		slog.Error("failed to audit unmatched message",
			"message_id", raw.MessageID, "error", err)
	}
	if err := p.store.SaveUnmatched(ctx, company.ID, raw); err != nil {
		slog.Error("failed to park unmatched message",
			"message_id", raw.MessageID, "error", err)
	}
	slog.Info("message did not match any invoice",
		"company", company.Alias,
		"message_id", raw.MessageID,
		"subject", raw.Subject,
	)
	return models.MatchResult{AuditMessage: msg}
}

// keepNotificationFile persists the notification XML on the invoice so
// later lookups (and auditors) can find it.
func (p *Pipeline) keepNotificationFile(ctx context.Context, inv *models.Invoice, att models.ParsedAttachment) {
	stored := &models.Attachment{
		Name:      att.Filename,
		Mimetype:  "application/xml",
		OwnerKind: models.OwnerInvoice,
		OwnerID:   inv.ID,
		CompanyID: inv.CompanyID,
		Content:   sdixml.DecodeMaybeBase64(att.Content),
	}
	if err := p.store.CreateAttachment(ctx, stored); err != nil {
		slog.Error("failed to store notification file",
			"invoice_id", inv.ID, "name", att.Filename, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, inv *models.Invoice, detail string) {
	if p.events == nil {
		return
	}
	ev := &queue.StateChange{
		InvoiceID:    inv.ID,
		CompanyID:    inv.CompanyID,
		Transmission: inv.Transmission,
		Pec:          inv.Pec,
		Detail:       detail,
	}
	if err := p.events.PublishStateChange(ctx, ev); err != nil {
		slog.Error("failed to publish state change", "invoice_id", inv.ID, "error", err)
	}
}

// splitAttachments separates SdI notification files from FatturaPA
// invoice files. A notification filename is also a valid invoice
// filename shape, so the notification test runs first.
func splitAttachments(atts []models.ParsedAttachment) (notif, invoice []models.ParsedAttachment) {
	for _, att := range atts {
		switch {
		case notify.IsNotificationCandidate(att.Filename):
			notif = append(notif, att)
		case grammar.IsInvoiceFilename(att.Filename):
			invoice = append(invoice, att)
		}
	}
	return notif, invoice
}
