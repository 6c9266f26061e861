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

package notify

import (
	"testing"

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

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		xml  string
		want Type
	}{
		{
			name: "scarto",
			xml:  `<NotificaScarto><ListaErrori><Errore><Descrizione>campo mancante</Descrizione></Errore></ListaErrori></NotificaScarto>`,
			want: NS,
		},
		{
			name: "consegna",
			xml:  `<RicevutaConsegna><DataOraConsegna>2026-02-11T10:00:00</DataOraConsegna></RicevutaConsegna>`,
			want: RC,
		},
		{
			name: "esito",
			xml:  `<NotificaEsito><EsitoCommittente><Esito>EC01</Esito></EsitoCommittente></NotificaEsito>`,
			want: NE,
		},
		{
			name: "decorrenza termini by root",
			xml:  `<NotificaDecorrenzaTermini><IdentificativoSdI>1</IdentificativoSdI></NotificaDecorrenzaTermini>`,
			want: DT,
		},
		{
			name: "decorrenza termini by field",
			xml:  `<Notifica><DecorrenzaTermini>si</DecorrenzaTermini></Notifica>`,
			want: DT,
		},
		{
			name: "attestazione by root",
			xml:  `<AttestazioneTrasmissioneFattura><IdentificativoSdI>2</IdentificativoSdI></AttestazioneTrasmissioneFattura>`,
			want: AT,
		},
		{
			name: "mancata consegna by description",
			xml:  `<Notifica><Descrizione>impossibile effettuare la CONSEGNA al destinatario</Descrizione></Notifica>`,
			want: MC,
		},
		{
			name: "scarto wins over consegna text",
			xml:  `<N><ListaErrori><Errore><Descrizione>x</Descrizione></Errore></ListaErrori><DataOraConsegna>t</DataOraConsegna></N>`,
			want: NS,
		},
		{
			name: "unknown",
			xml:  `<Qualcosa><Campo>v</Campo></Qualcosa>`,
			want: Unknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(mustParse(t, tt.xml)); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Classify(nil); got != Unknown {
		t.Errorf("Classify(nil) = %v, want Unknown", got)
	}
}

func TestTypeFromFilename(t *testing.T) {
	tests := []struct {
		name string
		want Type
	}{
		{"IT12345670017_1000U_NS_001.xml", NS},
		{"it12345670017_1000u_rc_001.xml", RC},
		{"IT12345670017_1000U_MT_1.xml.p7m", MT},
		{"IT12345670017_1000U.xml", Unknown},
		{"", Unknown},
		// RC has scan priority over later tokens.
		{"X_RC_Y_NS_.xml", RC},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TypeFromFilename(tt.name); got != tt.want {
				t.Errorf("TypeFromFilename(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsNotificationCandidate(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"IT12345670017_1000U_RC_001.xml", true},
		{"IT12345670017_1000U_NS_.XML", true},
		{"IT12345670017_1000U_MT_001.xml.p7m", true},
		{"IT12345670017_1000U_RC_001.pdf", false},
		{"IT12345670017_1000U.xml", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotificationCandidate(tt.name); got != tt.want {
				t.Errorf("IsNotificationCandidate(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
