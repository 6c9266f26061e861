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

// Package dispatch drives the outbound side: turn an invoice's XML into
// a named transmission artifact and hand it to SdI over PEC. Export and
// Send are separate steps because a failed send must be retryable
// without re-allocating the progressivo.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sdilink/pecbridge/internal/grammar"
	"github.com/sdilink/pecbridge/internal/lifecycle"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/progressivo"
	"github.com/sdilink/pecbridge/internal/queue"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	progressivo.ExistsChecker

	InvoiceByID(ctx context.Context, id int64) (*models.Invoice, error)
	CompanyByID(ctx context.Context, id int64) (*models.Company, error)
	AttachmentByID(ctx context.Context, id int64) (*models.Attachment, error)
	CreateAttachment(ctx context.Context, att *models.Attachment) error
	RenameAttachment(ctx context.Context, id int64, name string) error
	SetInvoiceAttachment(ctx context.Context, invoiceID, attachmentID int64) error
	SetStates(ctx context.Context, id int64, t lifecycle.TransmissionState, p lifecycle.PecState, header string) error
	SetPecState(ctx context.Context, id int64, p lifecycle.PecState, header string) error
	MarkSent(ctx context.Context, invoiceID int64) error
	AppendAudit(ctx context.Context, ownerKind string, ownerID, companyID int64, message string) error
	WithInvoiceLock(ctx context.Context, invoiceID int64, fn func(ctx context.Context) error) error
}

// Mailer delivers one PEC message.
type Mailer interface {
	Send(ctx context.Context, to, subject string, att models.ParsedAttachment) error
}

// MailerFor returns the sender for a company's own mailbox.
type MailerFor func(companyID int64) Mailer

// Renderer supplies the invoice XML and its export-validation verdict.
// A non-empty problem list blocks export and surfaces verbatim in the
// audit trail.
type Renderer interface {
	Render(ctx context.Context, inv *models.Invoice, company *models.Company) (xml []byte, problems []string, err error)
}

// Events receives invoice state-change notifications. May be nil.
type Events interface {
	PublishStateChange(ctx context.Context, ev *queue.StateChange) error
}

// Dispatcher orchestrates export and send for outbound invoices.
type Dispatcher struct {
	store     Store
	alloc     *progressivo.Allocator
	mailerFor MailerFor
	render    Renderer
	events    Events
}

// New creates a dispatcher.
func New(store Store, mailerFor MailerFor, render Renderer, events Events) *Dispatcher {
	return &Dispatcher{
		store:     store,
		alloc:     progressivo.New(store),
		mailerFor: mailerFor,
		render:    render,
		events:    events,
	}
}

// Export creates (or reuses) the invoice's transmission artifact. It
// returns the artifact name, or the validation problems that blocked the
// export. A blocked export changes no state beyond the audit entry.
func (d *Dispatcher) Export(ctx context.Context, inv *models.Invoice) (string, []string, error) {
	company, err := d.store.CompanyByID(ctx, inv.CompanyID)
	if err != nil {
		return "", nil, fmt.Errorf("load company %d: %w", inv.CompanyID, err)
	}
	if company == nil {
		return "", nil, fmt.Errorf("invoice %d references unknown company %d", inv.ID, inv.CompanyID)
	}

	xmlBytes, problems, err := d.render.Render(ctx, inv, company)
	if err != nil {
		return "", nil, fmt.Errorf("render invoice %d: %w", inv.ID, err)
	}
	if company.SenderID() == "" {
		problems = append(problems, "identità fiscale della società incompleta")
	}
	if len(problems) > 0 {
		msg := strings.Join(problems, "\n")
		if err := d.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, msg); err != nil {
			slog.Error("failed to audit export problems", "invoice_id", inv.ID, "error", err)
		}
		return "", problems, nil
	}

	var existingName string
	if inv.AttachmentID != 0 {
		att, err := d.store.AttachmentByID(ctx, inv.AttachmentID)
		if err != nil {
			return "", nil, fmt.Errorf("load artifact %d: %w", inv.AttachmentID, err)
		}
		if att != nil {
			existingName = att.Name
		}
	}

	senderID := company.SenderID()
	prog := d.alloc.Allocate(ctx, existingName, senderID, inv.CompanyID)
	expected := senderID + "_" + prog + ".xml"

	// An existing artifact on the same progressivo is reused whatever it
	// ended up named; re-export of an already-exported invoice is a no-op.
	reusedProg, _ := grammar.ExtractProgressivo(existingName)
	name := expected
	if existingName != "" && reusedProg == prog {
		name = existingName
		slog.Debug("reusing transmission artifact", "invoice_id", inv.ID, "name", name)
	} else {
		stamped, err := sdixml.StampProgressivo(xmlBytes, prog)
		if err != nil {
			return "", nil, fmt.Errorf("stamp progressivo: %w", err)
		}

		att := &models.Attachment{
			Name:      expected,
			Mimetype:  "application/xml",
			OwnerKind: models.OwnerInvoice,
			OwnerID:   inv.ID,
			CompanyID: inv.CompanyID,
			Content:   stamped,
		}
		if err := d.store.CreateAttachment(ctx, att); err != nil {
			return "", nil, fmt.Errorf("create artifact: %w", err)
		}
		if err := d.store.SetInvoiceAttachment(ctx, inv.ID, att.ID); err != nil {
			return "", nil, fmt.Errorf("bind artifact: %w", err)
		}
		inv.AttachmentID = att.ID

		// The fiscal identity inside the XML wins over the configured
		// one when they differ. Never fails the export.
		if paese, codice, hprog, ok := sdixml.TransmissionHeader(stamped); ok && paese != "" && codice != "" {
			official := paese + codice + "_" + hprog + ".xml"
			if official != name {
				if err := d.store.RenameAttachment(ctx, att.ID, official); err != nil {
					slog.Warn("artifact rename failed", "invoice_id", inv.ID, "name", official, "error", err)
				} else {
					name = official
				}
			}
		}
	}

	header := fmt.Sprintf("XML FatturaPA generato: %s", name)
	if err := d.store.SetPecState(ctx, inv.ID, lifecycle.PecToSend, header); err != nil {
		return "", nil, fmt.Errorf("set pec state: %w", err)
	}
	inv.Pec = lifecycle.PecToSend
	inv.Header = header
	if err := d.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, header); err != nil {
		slog.Error("failed to audit export", "invoice_id", inv.ID, "error", err)
	}

	return name, nil, nil
}

// Send delivers the invoice's artifact to the company's SdI address.
func (d *Dispatcher) Send(ctx context.Context, inv *models.Invoice) error {
	company, err := d.store.CompanyByID(ctx, inv.CompanyID)
	if err != nil {
		return fmt.Errorf("load company %d: %w", inv.CompanyID, err)
	}
	if company == nil {
		return fmt.Errorf("invoice %d references unknown company %d", inv.ID, inv.CompanyID)
	}
	att, err := d.store.AttachmentByID(ctx, inv.AttachmentID)
	if err != nil {
		return fmt.Errorf("load artifact %d: %w", inv.AttachmentID, err)
	}
	if att == nil {
		return fmt.Errorf("invoice %d has no transmission artifact", inv.ID)
	}

	sendErr := d.mailerFor(inv.CompanyID).Send(ctx, company.SdIAddress, att.Name,
		models.ParsedAttachment{Filename: att.Name, Content: att.Content})
	if sendErr != nil {
		header := sendErr.Error()
		if err := d.store.SetStates(ctx, inv.ID, lifecycle.TransmissionNone, lifecycle.PecError, header); err != nil {
			slog.Error("failed to record send failure", "invoice_id", inv.ID, "error", err)
		}
		inv.Transmission = lifecycle.TransmissionNone
		inv.Pec = lifecycle.PecError
		if err := d.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, header); err != nil {
			slog.Error("failed to audit send failure", "invoice_id", inv.ID, "error", err)
		}
		d.publish(ctx, inv, header)
		return fmt.Errorf("send %s: %w", att.Name, sendErr)
	}

	header := fmt.Sprintf("Fattura inviata a SdI all'indirizzo %s", company.SdIAddress)
	if err := d.store.SetStates(ctx, inv.ID, lifecycle.Processing, lifecycle.PecSent, header); err != nil {
		return fmt.Errorf("record send success: %w", err)
	}
	inv.Transmission = lifecycle.Processing
	inv.Pec = lifecycle.PecSent
	if err := d.store.MarkSent(ctx, inv.ID); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	inv.IsSent = true
	if err := d.store.AppendAudit(ctx, models.OwnerInvoice, inv.ID, inv.CompanyID, header); err != nil {
		slog.Error("failed to audit send", "invoice_id", inv.ID, "error", err)
	}
	d.publish(ctx, inv, header)
	return nil
}

// Dispatch runs Export then Send under the per-invoice advisory lock, so
// concurrent dispatches of the same invoice cannot double-allocate or
// double-send.
func (d *Dispatcher) Dispatch(ctx context.Context, invoiceID int64) models.DispatchResult {
	var res models.DispatchResult
	err := d.store.WithInvoiceLock(ctx, invoiceID, func(ctx context.Context) error {
		inv, err := d.store.InvoiceByID(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv == nil {
			return fmt.Errorf("invoice %d not found", invoiceID)
		}

		name, problems, err := d.Export(ctx, inv)
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			res = models.DispatchResult{Filename: "", Detail: strings.Join(problems, "; ")}
			return nil
		}

		if err := d.Send(ctx, inv); err != nil {
			res = models.DispatchResult{Filename: name, Detail: err.Error()}
			return nil
		}
		res = models.DispatchResult{OK: true, Filename: name, Detail: inv.Header}
		return nil
	})
	if err != nil {
		return models.DispatchResult{Detail: err.Error()}
	}
	return res
}

func (d *Dispatcher) publish(ctx context.Context, inv *models.Invoice, detail string) {
	if d.events == nil {
		return
	}
	ev := &queue.StateChange{
		InvoiceID:    inv.ID,
		CompanyID:    inv.CompanyID,
		Transmission: inv.Transmission,
		Pec:          inv.Pec,
		Detail:       detail,
	}
	if err := d.events.PublishStateChange(ctx, ev); err != nil {
		slog.Error("failed to publish state change", "invoice_id", inv.ID, "error", err)
	}
}

// StoredRenderer serves the XML the host ERP already attached to the
// invoice. The bridge never composes FatturaPA documents itself.
type StoredRenderer struct {
	store Store
}

// NewStoredRenderer creates a renderer over stored artifacts.
func NewStoredRenderer(store Store) *StoredRenderer {
	return &StoredRenderer{store: store}
}

// Render returns the invoice's stored XML, or the validation problems
// that make it unsendable.
func (r *StoredRenderer) Render(ctx context.Context, inv *models.Invoice, company *models.Company) ([]byte, []string, error) {
	var problems []string
	if inv.Number == "" {
		problems = append(problems, "numero fattura mancante")
	}
	if inv.AttachmentID == 0 {
		problems = append(problems, "nessun XML FatturaPA disponibile per la fattura")
		return nil, problems, nil
	}
	att, err := r.store.AttachmentByID(ctx, inv.AttachmentID)
	if err != nil {
		return nil, nil, err
	}
	if att == nil {
		problems = append(problems, "nessun XML FatturaPA disponibile per la fattura")
		return nil, problems, nil
	}
	if len(problems) > 0 {
		return nil, problems, nil
	}
	return att.Content, nil, nil
}
