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

package sdixml

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

const fatturaXML = `<?xml version="1.0" encoding="UTF-8"?>
<p:FatturaElettronica xmlns:p="http://ivaservizi.agenziaentrate.gov.it/docs/xsd/fatture/v1.2">
  <FatturaElettronicaHeader>
    <DatiTrasmissione>
      <IdTrasmittente>
        <IdPaese>IT</IdPaese>
        <IdCodice>12345670017</IdCodice>
      </IdTrasmittente>
      <ProgressivoInvio>00001</ProgressivoInvio>
    </DatiTrasmissione>
  </FatturaElettronicaHeader>
</p:FatturaElettronica>`

func TestParseAndText(t *testing.T) {
	doc, err := Parse([]byte(fatturaXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got := doc.RootName(); got != "FatturaElettronica" {
		t.Errorf("RootName = %q, want FatturaElettronica", got)
	}
	if got := doc.Text("IdPaese"); got != "IT" {
		t.Errorf("Text(IdPaese) = %q, want IT", got)
	}
	if got := doc.ChildText("IdTrasmittente", "IdCodice"); got != "12345670017" {
		t.Errorf("ChildText(IdTrasmittente, IdCodice) = %q", got)
	}
	if got := doc.ChildText("DatiTrasmissione", "IdPaese"); got != "" {
		t.Errorf("ChildText with wrong parent = %q, want empty", got)
	}
	if got := doc.TextOr("Missing", "N/A"); got != "N/A" {
		t.Errorf("TextOr default = %q, want N/A", got)
	}
}

func TestTextReturnsSubtreeValue(t *testing.T) {
	doc, err := Parse([]byte(`<NS><ListaErrori><Errore><Descrizione>bad</Descrizione></Errore></ListaErrori></NS>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Presence checks rely on the subtree string value, not direct text.
	if got := doc.Text("ListaErrori"); got != "bad" {
		t.Errorf("Text(ListaErrori) = %q, want bad", got)
	}
}

func TestAllTexts(t *testing.T) {
	doc, err := Parse([]byte(`<r><Descrizione> a </Descrizione><x><Descrizione>b</Descrizione></x><Descrizione></Descrizione></r>`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := doc.AllTexts("Descrizione")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("AllTexts = %v, want [a b]", got)
	}
}

func TestParseFailure(t *testing.T) {
	for _, raw := range []string{"", "not xml", "<open>"} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q): expected error", raw)
		}
	}
}

func TestTransmissionHeader(t *testing.T) {
	paese, codice, prog, ok := TransmissionHeader([]byte(fatturaXML))
	if !ok {
		t.Fatal("TransmissionHeader: !ok")
	}
	if paese != "IT" || codice != "12345670017" || prog != "00001" {
		t.Errorf("got %q %q %q", paese, codice, prog)
	}

	if _, _, _, ok := TransmissionHeader([]byte(`<x><IdPaese>IT</IdPaese></x>`)); ok {
		t.Error("incomplete header: expected !ok")
	}
	if _, _, _, ok := TransmissionHeader([]byte(`garbage`)); ok {
		t.Error("unparsable input: expected !ok")
	}
}

func TestStampProgressivo(t *testing.T) {
	out, err := StampProgressivo([]byte(fatturaXML), "1000U")
	if err != nil {
		t.Fatalf("StampProgressivo: %v", err)
	}
	if !bytes.Contains(out, []byte("<ProgressivoInvio>1000U</ProgressivoInvio>")) {
		t.Errorf("progressivo not stamped: %s", out)
	}
	// Everything else is untouched.
	if !bytes.Contains(out, []byte(`xmlns:p="http://ivaservizi.agenziaentrate.gov.it/docs/xsd/fatture/v1.2"`)) {
		t.Error("namespace declaration lost")
	}
	if strings.Count(string(out), "1000U") != 1 {
		t.Errorf("expected exactly one stamped value, got: %s", out)
	}

	// No ProgressivoInvio element: pass through unchanged.
	plain := []byte(`<doc><other>x</other></doc>`)
	out, err = StampProgressivo(plain, "ZZZZZ")
	if err != nil {
		t.Fatalf("StampProgressivo: %v", err)
	}
	if !bytes.Equal(out, plain) {
		t.Errorf("document without node changed: %s", out)
	}

	if _, err := StampProgressivo([]byte("not xml"), "X"); err == nil {
		t.Error("malformed input: expected error")
	}
}

func TestDecodeMaybeBase64(t *testing.T) {
	xmlBytes := []byte(`<Esito>EC01</Esito>`)
	encoded := []byte(base64.StdEncoding.EncodeToString(xmlBytes))

	if got := DecodeMaybeBase64(encoded); !bytes.Equal(got, xmlBytes) {
		t.Errorf("base64 payload not decoded: %q", got)
	}
	if got := DecodeMaybeBase64(xmlBytes); !bytes.Equal(got, xmlBytes) {
		t.Errorf("raw XML changed: %q", got)
	}
	// Opaque binary that happens to decode to non-XML stays as-is.
	opaque := []byte("aGVsbG8gd29ybGQ=") // "hello world"
	if got := DecodeMaybeBase64(opaque); !bytes.Equal(got, opaque) {
		t.Errorf("opaque payload changed: %q", got)
	}
	if got := DecodeMaybeBase64(nil); got != nil {
		t.Errorf("nil payload: got %q", got)
	}
}
