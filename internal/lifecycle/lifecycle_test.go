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

package lifecycle

import (
	"strings"
	"testing"

	"github.com/sdilink/pecbridge/internal/notify"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

func mustParse(t *testing.T, raw string) *sdixml.Document {
	t.Helper()
	doc, err := sdixml.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return doc
}

func TestApplyBaseMapping(t *testing.T) {
	tests := []struct {
		typ      notify.Type
		wantTx   TransmissionState
		wantPec  PecState
	}{
		{notify.RC, Forwarded, PecDelivered},
		{notify.NS, Rejected, PecError},
		{notify.MC, ForwardFailed, PecError},
		{notify.DT, AcceptedByPartnerAfterExp, PecDelivered},
		{notify.AT, Processing, PecSent},
		{notify.MT, Processing, PecSent},
		{notify.Unknown, Processing, PecSent},
	}

	doc := mustParse(t, `<N><IdentificativoSdI>987</IdentificativoSdI></N>`)
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			out := Apply(tt.typ, doc)
			if out.Transmission != tt.wantTx {
				t.Errorf("Transmission = %v, want %v", out.Transmission, tt.wantTx)
			}
			if out.Pec != tt.wantPec {
				t.Errorf("Pec = %v, want %v", out.Pec, tt.wantPec)
			}
			if !strings.Contains(out.Detail, "987") {
				t.Errorf("Detail missing SdI id: %q", out.Detail)
			}
		})
	}
}

func TestApplyNEOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		xml    string
		wantTx TransmissionState
	}{
		{"accepted", `<NE><Esito>EC01</Esito></NE>`, AcceptedByPartner},
		{"rejected", `<NE><Esito>EC02</Esito></NE>`, RejectedByPartner},
		{"other code", `<NE><Esito>EC99</Esito></NE>`, Processing},
		{"missing code", `<NE><Campo>x</Campo></NE>`, Processing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Apply(notify.NE, mustParse(t, tt.xml))
			if out.Transmission != tt.wantTx {
				t.Errorf("Transmission = %v, want %v", out.Transmission, tt.wantTx)
			}
			if out.Pec != PecFor(tt.wantTx) {
				t.Errorf("Pec = %v, want %v", out.Pec, PecFor(tt.wantTx))
			}
		})
	}
}

func TestApplyNSJoinsAllDescriptions(t *testing.T) {
	doc := mustParse(t, `<NotificaScarto>
		<IdentificativoSdI>42</IdentificativoSdI>
		<ListaErrori>
			<Errore><Descrizione>errore uno</Descrizione></Errore>
			<Errore><Descrizione>errore due</Descrizione></Errore>
		</ListaErrori>
	</NotificaScarto>`)

	out := Apply(notify.NS, doc)
	if out.Transmission != Rejected || out.Pec != PecError {
		t.Fatalf("states = %v/%v", out.Transmission, out.Pec)
	}
	if !strings.Contains(out.Detail, "errore uno, errore due") {
		t.Errorf("Detail = %q, want comma-joined descriptions", out.Detail)
	}
}

func TestApplyMissingIdDefaultsNA(t *testing.T) {
	out := Apply(notify.RC, mustParse(t, `<RC><DataOraConsegna>t</DataOraConsegna></RC>`))
	if !strings.Contains(out.Detail, "N/A") {
		t.Errorf("Detail = %q, want N/A placeholder", out.Detail)
	}
}

func TestApplyFallback(t *testing.T) {
	out := ApplyFallback(notify.NS, "IT12345670017_1000U_NS_001.xml", "xml: syntax error")
	if out.Transmission != Rejected || out.Pec != PecError {
		t.Errorf("states = %v/%v", out.Transmission, out.Pec)
	}
	if !strings.Contains(out.Detail, "xml: syntax error") {
		t.Errorf("Detail = %q, want embedded parse error", out.Detail)
	}
	if !strings.Contains(out.Detail, "IT12345670017_1000U_NS_001.xml") {
		t.Errorf("Detail = %q, want filename", out.Detail)
	}

	out = ApplyFallback(notify.Unknown, "x.xml", "")
	if out.Transmission != Processing || out.Pec != PecSent {
		t.Errorf("unknown fallback states = %v/%v", out.Transmission, out.Pec)
	}
}

func TestApplyReceipt(t *testing.T) {
	tests := []struct {
		subject   string
		wantPec   PecState
		wantLabel string
		wantOK    bool
	}{
		{"MANCATA CONSEGNA: IT12345670017_1000U.xml", PecError, "Mancata consegna PEC", true},
		{"CONSEGNA: IT12345670017_1000U.xml", PecDelivered, "Consegna PEC", true},
		{"Avvenuta consegna del messaggio", PecDelivered, "Consegna PEC", true},
		{"ACCETTAZIONE: IT12345670017_1000U.xml", PecSent, "Accettazione PEC", true},
		{"qualcosa di diverso", PecUnchanged, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			pec, label, ok := ApplyReceipt(tt.subject)
			if pec != tt.wantPec || label != tt.wantLabel || ok != tt.wantOK {
				t.Errorf("ApplyReceipt(%q) = %v, %q, %v", tt.subject, pec, label, ok)
			}
		})
	}
}

func TestMonotonic(t *testing.T) {
	// Out-of-order NS after NE acceptance is suppressed.
	out := Monotonic(AcceptedByPartner, Outcome{Transmission: Rejected, Pec: PecError, Detail: "d"})
	if out.Transmission != AcceptedByPartner || out.Pec != PecUnchanged {
		t.Errorf("regression not suppressed: %v/%v", out.Transmission, out.Pec)
	}
	if out.Detail != "d" {
		t.Errorf("audit text dropped: %q", out.Detail)
	}

	// Forward progress passes through.
	out = Monotonic(Processing, Outcome{Transmission: Forwarded, Pec: PecDelivered})
	if out.Transmission != Forwarded || out.Pec != PecDelivered {
		t.Errorf("progress blocked: %v/%v", out.Transmission, out.Pec)
	}

	// Same-rank overwrites still apply.
	out = Monotonic(AcceptedByPartner, Outcome{Transmission: RejectedByPartner, Pec: PecError})
	if out.Transmission != RejectedByPartner {
		t.Errorf("same-rank overwrite blocked: %v", out.Transmission)
	}
}
