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

// Package models defines the data structures shared across the bridge.
package models

import (
	"strings"
	"time"

	"github.com/sdilink/pecbridge/internal/lifecycle"
	"github.com/sdilink/pecbridge/internal/notify"
)

// Company is one tenant: a legal entity exchanging invoices with SdI
// through its own PEC mailbox.
type Company struct {
	ID          int64
	Alias       string
	CountryCode string // ISO country, "IT" for domestic senders
	FiscalCode  string // normalized codice fiscale / VAT number body
	VAT         string
	PecAddress  string // the company's own PEC address (From)
	SdIAddress  string // SdI PEC endpoint, e.g. sdi01@pec.fatturapa.it
}

// SenderID is the transmission-key sender identifier, or "" when the
// fiscal identity is incomplete.
func (c Company) SenderID() string {
	if c.CountryCode == "" || c.FiscalCode == "" {
		return ""
	}
	return c.CountryCode + c.FiscalCode
}

// Invoice direction values.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Invoice is the durable record whose two state fields this service
// mutates. Everything else on it is owned by the host ERP.
type Invoice struct {
	ID               int64
	CompanyID        int64
	Direction        string
	Number           string
	PaymentReference string
	Transmission     lifecycle.TransmissionState
	Pec              lifecycle.PecState
	AttachmentID     int64 // canonical XML artifact, 0 when not exported yet
	IsSent           bool
	Header           string // last user-facing status message
	CreatedAt        time.Time
}

// Attachment owner kinds.
const (
	OwnerInvoice = "invoice"
	OwnerCompany = "company"
	OwnerAudit   = "audit"
)

// Attachment is a stored file bound to an owning record.
type Attachment struct {
	ID        int64
	Name      string
	Mimetype  string
	OwnerKind string
	OwnerID   int64
	CompanyID int64
	Content   []byte
	CreatedAt time.Time
}

// ParsedAttachment is the transient, already-decoded form of an email
// attachment. It is created once per inbound message at the boundary and
// consumed by the pipeline; nothing persists it.
type ParsedAttachment struct {
	Filename string
	Content  []byte
}

// RawMessage is one fetched PEC message after MIME decoding.
type RawMessage struct {
	MessageID   string
	Subject     string
	From        string
	ReplyTo     string
	ReturnPath  string
	Attachments []ParsedAttachment
}

// FromSdI reports whether any sender-ish header of the message points at
// the exchange system's PEC domain. PEC providers rewrite From on
// transport envelopes, so Reply-To and Return-Path count too.
func (m *RawMessage) FromSdI(sdiAddress string) bool {
	_, domain, ok := strings.Cut(sdiAddress, "@")
	if !ok || domain == "" {
		return false
	}
	needle := "@" + strings.ToLower(domain)
	for _, h := range []string{m.From, m.ReplyTo, m.ReturnPath} {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

// DispatchResult reports one outbound send attempt.
type DispatchResult struct {
	OK       bool
	Filename string
	Detail   string
}

// MatchResult reports what the inbound pipeline did with one message.
type MatchResult struct {
	InvoiceID    int64 // 0 when no invoice matched
	Type         notify.Type
	Transmission lifecycle.TransmissionState
	Pec          lifecycle.PecState
	AuditMessage string
}
