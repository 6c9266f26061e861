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

package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sdilink/pecbridge/internal/lifecycle"
	"github.com/sdilink/pecbridge/internal/models"
)

const invoiceXML = `<?xml version="1.0"?>
<p:FatturaElettronica xmlns:p="http://ivaservizi.agenziaentrate.gov.it/docs/xsd/fatture/v1.2">
  <FatturaElettronicaHeader>
    <DatiTrasmissione>
      <IdTrasmittente>
        <IdPaese>IT</IdPaese>
        <IdCodice>12345670017</IdCodice>
      </IdTrasmittente>
      <ProgressivoInvio>00000</ProgressivoInvio>
    </DatiTrasmissione>
  </FatturaElettronicaHeader>
</p:FatturaElettronica>`

type fakeStore struct {
	invoices    map[int64]*models.Invoice
	attachments map[int64]*models.Attachment
	nextAttID   int64
	audits      []string
	locked      int
}

func newFakeStore(invs ...*models.Invoice) *fakeStore {
	s := &fakeStore{
		invoices:    map[int64]*models.Invoice{},
		attachments: map[int64]*models.Attachment{},
	}
	for _, inv := range invs {
		s.invoices[inv.ID] = inv
	}
	return s
}

func (s *fakeStore) Exists(_ context.Context, filename string, _ int64) (bool, error) {
	for _, a := range s.attachments {
		if a.Name == filename {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) InvoiceByID(_ context.Context, id int64) (*models.Invoice, error) {
	return s.invoices[id], nil
}

func (s *fakeStore) CompanyByID(_ context.Context, id int64) (*models.Company, error) {
	return &models.Company{
		ID: id, Alias: "acme", CountryCode: "IT", FiscalCode: "12345670017",
		PecAddress: "acme@pec.example.it", SdIAddress: "sdi01@pec.fatturapa.it",
	}, nil
}

func (s *fakeStore) AttachmentByID(_ context.Context, id int64) (*models.Attachment, error) {
	return s.attachments[id], nil
}

func (s *fakeStore) CreateAttachment(_ context.Context, att *models.Attachment) error {
	s.nextAttID++
	att.ID = s.nextAttID
	s.attachments[att.ID] = att
	return nil
}

func (s *fakeStore) RenameAttachment(_ context.Context, id int64, name string) error {
	s.attachments[id].Name = name
	return nil
}

func (s *fakeStore) SetInvoiceAttachment(_ context.Context, invoiceID, attachmentID int64) error {
	s.invoices[invoiceID].AttachmentID = attachmentID
	return nil
}

func (s *fakeStore) SetStates(_ context.Context, id int64, t lifecycle.TransmissionState, p lifecycle.PecState, header string) error {
	inv := s.invoices[id]
	inv.Transmission = t
	if p != "" {
		inv.Pec = p
	}
	inv.Header = header
	return nil
}

func (s *fakeStore) SetPecState(_ context.Context, id int64, p lifecycle.PecState, header string) error {
	inv := s.invoices[id]
	inv.Pec = p
	inv.Header = header
	return nil
}

func (s *fakeStore) MarkSent(_ context.Context, invoiceID int64) error {
	s.invoices[invoiceID].IsSent = true
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, _ string, _, _ int64, message string) error {
	s.audits = append(s.audits, message)
	return nil
}

func (s *fakeStore) WithInvoiceLock(ctx context.Context, _ int64, fn func(ctx context.Context) error) error {
	s.locked++
	return fn(ctx)
}

type fakeMailer struct {
	err      error
	sent     []string
	subjects []string
}

func (m *fakeMailer) Send(_ context.Context, to, subject string, _ models.ParsedAttachment) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, to)
	m.subjects = append(m.subjects, subject)
	return nil
}

type fakeRenderer struct {
	xml      []byte
	problems []string
}

func (r *fakeRenderer) Render(context.Context, *models.Invoice, *models.Company) ([]byte, []string, error) {
	return r.xml, r.problems, nil
}

func newDispatcher(s *fakeStore, m *fakeMailer, r Renderer) *Dispatcher {
	return New(s, func(int64) Mailer { return m }, r, nil)
}

func TestDispatchSuccess(t *testing.T) {
	inv := &models.Invoice{ID: 1, CompanyID: 1, Number: "INV/2026/001"}
	s := newFakeStore(inv)
	m := &fakeMailer{}
	d := newDispatcher(s, m, &fakeRenderer{xml: []byte(invoiceXML)})

	res := d.Dispatch(context.Background(), 1)
	if !res.OK {
		t.Fatalf("Dispatch not OK: %+v", res)
	}
	if !strings.HasPrefix(res.Filename, "IT12345670017_") || !strings.HasSuffix(res.Filename, ".xml") {
		t.Fatalf("Filename = %q", res.Filename)
	}
	if inv.Transmission != lifecycle.Processing || inv.Pec != lifecycle.PecSent || !inv.IsSent {
		t.Fatalf("states = %q/%q sent=%v", inv.Transmission, inv.Pec, inv.IsSent)
	}
	if len(m.sent) != 1 || m.sent[0] != "sdi01@pec.fatturapa.it" {
		t.Fatalf("sent to %v", m.sent)
	}
	if m.subjects[0] != res.Filename {
		t.Fatalf("subject = %q, want artifact name %q", m.subjects[0], res.Filename)
	}
	if s.locked != 1 {
		t.Fatalf("lock taken %d times", s.locked)
	}

	att := s.attachments[inv.AttachmentID]
	if att == nil || att.Name != res.Filename {
		t.Fatalf("artifact = %+v", att)
	}
	if !strings.Contains(string(att.Content), "<ProgressivoInvio>"+strings.TrimSuffix(strings.TrimPrefix(res.Filename, "IT12345670017_"), ".xml")+"<") {
		t.Fatal("progressivo not stamped into stored XML")
	}
}

func TestExportIdempotent(t *testing.T) {
	inv := &models.Invoice{ID: 1, CompanyID: 1, Number: "INV/2026/001"}
	s := newFakeStore(inv)
	d := newDispatcher(s, &fakeMailer{}, &fakeRenderer{xml: []byte(invoiceXML)})

	name1, problems, err := d.Export(context.Background(), inv)
	if err != nil || len(problems) != 0 {
		t.Fatalf("first Export: %v %v", problems, err)
	}
	name2, problems, err := d.Export(context.Background(), inv)
	if err != nil || len(problems) != 0 {
		t.Fatalf("second Export: %v %v", problems, err)
	}

	if name1 != name2 {
		t.Fatalf("artifact renamed across exports: %q then %q", name1, name2)
	}
	if len(s.attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(s.attachments))
	}
}

func TestExportValidationBlocked(t *testing.T) {
	inv := &models.Invoice{ID: 1, CompanyID: 1}
	s := newFakeStore(inv)
	d := newDispatcher(s, &fakeMailer{}, &fakeRenderer{problems: []string{"numero fattura mancante"}})

	name, problems, err := d.Export(context.Background(), inv)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if name != "" || len(problems) != 1 {
		t.Fatalf("name=%q problems=%v", name, problems)
	}
	if len(s.attachments) != 0 {
		t.Fatal("artifact created despite validation failure")
	}
	if inv.Pec != "" || inv.Transmission != "" {
		t.Fatalf("states changed: %q/%q", inv.Transmission, inv.Pec)
	}
	if len(s.audits) != 1 || !strings.Contains(s.audits[0], "numero fattura mancante") {
		t.Fatalf("audits = %v", s.audits)
	}
}

func TestDispatchSendFailure(t *testing.T) {
	inv := &models.Invoice{ID: 1, CompanyID: 1, Number: "INV/2026/001"}
	s := newFakeStore(inv)
	d := newDispatcher(s, &fakeMailer{err: errors.New("454 TLS not available")}, &fakeRenderer{xml: []byte(invoiceXML)})

	res := d.Dispatch(context.Background(), 1)
	if res.OK {
		t.Fatal("Dispatch reported OK on transport failure")
	}
	if inv.Transmission != lifecycle.TransmissionNone || inv.Pec != lifecycle.PecError {
		t.Fatalf("states = %q/%q", inv.Transmission, inv.Pec)
	}
	if inv.IsSent {
		t.Fatal("invoice marked sent on failure")
	}
	if !strings.Contains(inv.Header, "454 TLS not available") {
		t.Fatalf("header = %q, want verbatim transport error", inv.Header)
	}
}

func TestStoredRendererMissingXML(t *testing.T) {
	inv := &models.Invoice{ID: 1, CompanyID: 1, Number: "INV/2026/001"}
	s := newFakeStore(inv)
	r := NewStoredRenderer(s)

	_, problems, err := r.Render(context.Background(), inv, &models.Company{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(problems) != 1 || !strings.Contains(problems[0], "nessun XML") {
		t.Fatalf("problems = %v", problems)
	}
}
