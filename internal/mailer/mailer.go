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

// Package mailer sends invoice files to SdI over the company's PEC SMTP
// endpoint. One message per transmission: the artifact name as subject
// and the XML as the only attachment, which is the form the exchange
// system expects.
package mailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sdilink/pecbridge/internal/config"
	"github.com/sdilink/pecbridge/internal/models"
)

// Sender delivers outbound PEC messages for one company mailbox.
type Sender struct {
	from string
	mbox config.MailboxConfig
}

// NewSender creates a sender for the given PEC address and mailbox.
func NewSender(from string, mbox config.MailboxConfig) *Sender {
	return &Sender{from: from, mbox: mbox}
}

// Send builds a PEC message carrying the attachment and delivers it.
func (s *Sender) Send(ctx context.Context, to, subject string, att models.ParsedAttachment) error {
	body, err := BuildMessage(s.from, to, subject, att)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	auth, err := s.saslClient(ctx)
	if err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.mbox.SMTPHost, s.mbox.SMTPPort)
	if err := s.deliver(addr, auth, to, body); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}

	slog.Info("pec message sent",
		"to", to,
		"subject", subject,
		"attachment", att.Filename,
	)
	return nil
}

// deliver speaks SMTP. Port 465 is implicit TLS, anything else goes
// through STARTTLS.
func (s *Sender) deliver(addr string, auth sasl.Client, to string, body []byte) error {
	if s.mbox.SMTPPort != 465 {
		return smtp.SendMail(addr, auth, s.from, []string{to}, bytes.NewReader(body))
	}

	c, err := smtp.DialTLS(addr, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Auth(auth); err != nil {
		return err
	}
	return c.SendMail(s.from, []string{to}, bytes.NewReader(body))
}

func (s *Sender) saslClient(ctx context.Context) (sasl.Client, error) {
	m := s.mbox
	if m.OAuthTokenURL == "" {
		return sasl.NewPlainClient("", m.Username, m.Password), nil
	}

	cc := clientcredentials.Config{
		ClientID:     m.OAuthClientID,
		ClientSecret: m.OAuthClientSecret,
		TokenURL:     m.OAuthTokenURL,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch oauth token: %w", err)
	}
	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: m.Username,
		Token:    tok.AccessToken,
		Host:     m.SMTPHost,
		Port:     m.SMTPPort,
	}), nil
}

// BuildMessage assembles the RFC 5322 message: plain headers, no text
// body, one XML attachment.
func BuildMessage(from, to, subject string, att models.ParsedAttachment) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "application/xml")
	ah.SetFilename(att.Filename)
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, bytes.NewReader(att.Content)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
