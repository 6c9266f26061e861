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

package models

import "testing"

func TestRawMessageFromSdI(t *testing.T) {
	tests := []struct {
		name string
		msg  RawMessage
		want bool
	}{
		{"from", RawMessage{From: "SdI <notifiche@pec.fatturapa.it>"}, true},
		{"reply-to", RawMessage{From: "posta-certificata@pec.aruba.it", ReplyTo: "sdi01@pec.fatturapa.it"}, true},
		{"return-path", RawMessage{ReturnPath: "<bounce@pec.fatturapa.it>"}, true},
		{"case-insensitive", RawMessage{From: "SDI01@PEC.FATTURAPA.IT"}, true},
		{"stranger", RawMessage{From: "spam@example.com"}, false},
		{"empty", RawMessage{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.FromSdI("sdi01@pec.fatturapa.it"); got != tt.want {
				t.Fatalf("FromSdI = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompanySenderID(t *testing.T) {
	tests := []struct {
		name string
		c    Company
		want string
	}{
		{"complete", Company{CountryCode: "IT", FiscalCode: "12345670017"}, "IT12345670017"},
		{"no country", Company{FiscalCode: "12345670017"}, ""},
		{"no fiscal code", Company{CountryCode: "IT"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.SenderID(); got != tt.want {
				t.Fatalf("SenderID = %q, want %q", got, tt.want)
			}
		})
	}
}
