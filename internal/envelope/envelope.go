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

// Package envelope unwraps the PEC "busta di trasporto": the delivery
// receipt that wraps the original SdI message as a nested .eml
// attachment, sometimes itself wrapped again. The pipeline only sees flat
// attachment sets, so the unwrapper runs before anything else.
package envelope

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/sdilink/pecbridge/internal/grammar"
	"github.com/sdilink/pecbridge/internal/models"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

// maxDepth bounds recursion into message/rfc822 parts. PEC wraps at most
// twice: transport envelope around the original, original around nothing.
const maxDepth = 2

// transportSubjectPrefix marks the provider-generated receipt subject.
const transportSubjectPrefix = "POSTA CERTIFICATA"

// Unwrap extracts attachments out of any nested .eml attachments on the
// message, deduplicates them case-insensitively against the names already
// present, and appends them to the message's attachment set.
//
// The outer subject is replaced with the inner one only when the inner
// subject carries an invoice filename token the outer lacks, or the outer
// is the generic transport-receipt placeholder.
func Unwrap(msg *models.RawMessage) {
	var nested []models.ParsedAttachment
	for _, att := range msg.Attachments {
		if strings.HasSuffix(strings.ToLower(att.Filename), ".eml") {
			nested = append(nested, att)
		}
	}
	if len(nested) == 0 {
		return
	}

	innerSubject := ""
	var extracted []models.ParsedAttachment
	for _, att := range nested {
		subject, atts := extractFromCandidates(att.Content)
		if subject != "" && innerSubject == "" {
			innerSubject = subject
		}
		extracted = append(extracted, atts...)
	}
	if len(extracted) == 0 {
		return
	}

	seen := make(map[string]bool, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if name := strings.ToLower(strings.TrimSpace(att.Filename)); name != "" {
			seen[name] = true
		}
	}
	var added []models.ParsedAttachment
	for _, att := range extracted {
		name := strings.ToLower(strings.TrimSpace(att.Filename))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		added = append(added, att)
	}
	if len(added) == 0 {
		return
	}

	msg.Attachments = append(msg.Attachments, added...)

	_, outerHasToken := grammar.ExtractInvoiceFilename(msg.Subject)
	_, innerHasToken := grammar.ExtractInvoiceFilename(innerSubject)
	if innerSubject != "" &&
		(strings.HasPrefix(strings.ToUpper(msg.Subject), transportSubjectPrefix) ||
			(innerHasToken && !outerHasToken)) {
		msg.Subject = innerSubject
	}

	names := make([]string, 0, len(added))
	for _, att := range added {
		names = append(names, att.Filename)
	}
	slog.Debug("unwrapped nested eml",
		"message_id", msg.MessageID,
		"extracted", names,
		"inner_subject", innerSubject,
	)
}

// Parse reads one raw RFC 5322 message into the pipeline's flat form:
// routing headers plus every attachment-bearing leaf part. Unknown
// charsets in headers are tolerated; a message that cannot be parsed at
// all is an error.
func Parse(r io.Reader) (*models.RawMessage, error) {
	ent, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	msg := &models.RawMessage{}
	msg.MessageID = strings.Trim(strings.TrimSpace(ent.Header.Get("Message-Id")), "<>")
	msg.From = strings.TrimSpace(ent.Header.Get("From"))
	msg.ReplyTo = strings.TrimSpace(ent.Header.Get("Reply-To"))
	msg.ReturnPath = strings.TrimSpace(ent.Header.Get("Return-Path"))
	subject, _ := ent.Header.Text("Subject")
	msg.Subject = strings.TrimSpace(subject)

	walk(ent, 0, &msg.Subject, &msg.Attachments)
	return msg, nil
}

// extractFromCandidates tries the attachment bytes both as-is and
// base64-normalized and keeps whichever extraction found more.
func extractFromCandidates(raw []byte) (string, []models.ParsedAttachment) {
	bestSubject, best := extract(raw, 0)

	if decoded := sdixml.DecodeMaybeBase64(raw); !bytes.Equal(decoded, raw) {
		subject, atts := extract(decoded, 0)
		if len(atts) > len(best) || (len(best) == 0 && subject != "") {
			bestSubject, best = subject, atts
		}
	}
	return bestSubject, best
}

// extract parses one eml and flattens every leaf part that carries a
// filename, following message/rfc822 nesting up to maxDepth.
func extract(emlBytes []byte, depth int) (string, []models.ParsedAttachment) {
	if len(emlBytes) == 0 {
		return "", nil
	}

	ent, err := message.Read(bytes.NewReader(emlBytes))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", nil
	}
	if ent == nil {
		return "", nil
	}

	subject, _ := ent.Header.Text("Subject")
	subject = strings.TrimSpace(subject)

	var atts []models.ParsedAttachment
	walk(ent, depth, &subject, &atts)
	return subject, atts
}

func walk(ent *message.Entity, depth int, subject *string, atts *[]models.ParsedAttachment) {
	mediaType, _, _ := ent.Header.ContentType()
	mediaType = strings.ToLower(mediaType)

	if mediaType == "message/rfc822" || mediaType == "message/global" {
		if depth >= maxDepth {
			return
		}
		nestedBytes, err := io.ReadAll(ent.Body)
		if err != nil {
			return
		}
		nestedSubject, nested := extract(nestedBytes, depth+1)
		if nestedSubject != "" && *subject == "" {
			*subject = nestedSubject
		}
		*atts = append(*atts, nested...)
		return
	}

	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				break
			}
			walk(part, depth, subject, atts)
		}
		return
	}

	filename := partFilename(ent)
	if filename == "" {
		return
	}
	payload, err := io.ReadAll(ent.Body)
	if err != nil || len(payload) == 0 {
		return
	}
	*atts = append(*atts, models.ParsedAttachment{Filename: filename, Content: payload})
}

// partFilename resolves a part's filename from its Content-Disposition,
// falling back to the legacy Content-Type name parameter.
func partFilename(ent *message.Entity) string {
	if _, params, err := ent.Header.ContentDisposition(); err == nil {
		if name, ok := params["filename"]; ok && name != "" {
			return decodeName(name)
		}
	}
	if _, params, err := ent.Header.ContentType(); err == nil {
		if name, ok := params["name"]; ok && name != "" {
			return decodeName(name)
		}
	}
	return ""
}

func decodeName(name string) string {
	dec := new(mime.WordDecoder)
	if decoded, err := dec.DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}
