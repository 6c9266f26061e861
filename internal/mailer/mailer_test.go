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

package mailer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"

	"github.com/sdilink/pecbridge/internal/models"
)

func TestBuildMessageRoundTrip(t *testing.T) {
	att := models.ParsedAttachment{
		Filename: "IT12345670017_1000U.xml",
		Content:  []byte("<FatturaElettronica/>"),
	}
	raw, err := BuildMessage("azienda@pec.example.it", "sdi01@pec.fatturapa.it", "IT12345670017_1000U.xml", att)
	if err != nil {
		t.Fatalf("BuildMessage: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	subject, err := mr.Header.Subject()
	if err != nil || subject != "IT12345670017_1000U.xml" {
		t.Fatalf("Subject = %q, %v", subject, err)
	}

	var gotFilename string
	var gotContent []byte
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}
		if ah, ok := p.Header.(*mail.AttachmentHeader); ok {
			gotFilename, _ = ah.Filename()
			buf := new(bytes.Buffer)
			buf.ReadFrom(p.Body)
			gotContent = buf.Bytes()
		}
	}

	if gotFilename != att.Filename {
		t.Fatalf("attachment filename = %q, want %q", gotFilename, att.Filename)
	}
	if !strings.Contains(string(gotContent), "FatturaElettronica") {
		t.Fatalf("attachment content = %q", gotContent)
	}
}
