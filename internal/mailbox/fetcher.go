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

// Package mailbox pulls mail out of each company's PEC inbox over IMAP
// and runs the polling loop that feeds the inbound pipeline.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/sdilink/pecbridge/internal/config"
	"github.com/sdilink/pecbridge/internal/envelope"
	"github.com/sdilink/pecbridge/internal/models"
)

// maxFetchMessages caps how many messages one poll drains. A mailbox
// with a large backlog catches up across successive polls.
const maxFetchMessages = 50

// Fetcher retrieves new messages from one mailbox.
type Fetcher interface {
	Fetch(ctx context.Context) ([]*models.RawMessage, error)
}

// IMAPFetcher fetches unseen messages from a PEC inbox. Each Fetch opens
// a fresh connection; PEC providers drop idle sessions aggressively.
type IMAPFetcher struct {
	mbox config.MailboxConfig
}

// NewIMAPFetcher creates a fetcher for the given mailbox.
func NewIMAPFetcher(mbox config.MailboxConfig) *IMAPFetcher {
	return &IMAPFetcher{mbox: mbox}
}

// Fetch connects, drains up to maxFetchMessages unseen messages and
// parses each into the pipeline's flat form. Fetching the body marks the
// message seen on the server, so a message is only ever delivered once.
func (f *IMAPFetcher) Fetch(ctx context.Context) ([]*models.RawMessage, error) {
	addr := fmt.Sprintf("%s:%d", f.mbox.IMAPHost, f.mbox.IMAPPort)
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	defer c.Logout()

	if err := f.login(ctx, c); err != nil {
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if _, err := c.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("imap select inbox: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("imap search unseen: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > maxFetchMessages {
		ids = ids[:maxFetchMessages]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var out []*models.RawMessage
	for m := range messages {
		body := m.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := envelope.Parse(body)
		if err != nil {
			slog.Warn("unparseable message skipped",
				"seq", m.SeqNum,
				"error", err,
			)
			continue
		}
		out = append(out, raw)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	return out, nil
}

func (f *IMAPFetcher) login(ctx context.Context, c *client.Client) error {
	m := f.mbox
	if m.OAuthTokenURL == "" {
		return c.Login(m.Username, m.Password)
	}

	cc := clientcredentials.Config{
		ClientID:     m.OAuthClientID,
		ClientSecret: m.OAuthClientSecret,
		TokenURL:     m.OAuthTokenURL,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch oauth token: %w", err)
	}
	return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: m.Username,
		Token:    tok.AccessToken,
		Host:     m.IMAPHost,
		Port:     m.IMAPPort,
	}))
}
