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

// Package notify classifies SdI notification documents into their seven
// outcome kinds. Classification is content-first: the XML body decides
// when it parses, the filename tokens decide when it does not. The
// filename fallback is a required path, not an error path — SdI relays
// occasionally deliver truncated or re-encoded XML.
package notify

import (
	"strings"

	"github.com/sdilink/pecbridge/internal/sdixml"
)

// Type is an SdI notification kind.
type Type string

const (
	// RC — ricevuta di consegna, the invoice reached the recipient.
	RC Type = "RC"
	// NS — notifica di scarto, SdI rejected the invoice.
	NS Type = "NS"
	// MC — notifica di mancata consegna, SdI could not forward it.
	MC Type = "MC"
	// NE — notifica di esito committente, the recipient's accept/reject.
	NE Type = "NE"
	// DT — decorrenza termini, accepted by expiry of the outcome deadline.
	DT Type = "DT"
	// AT — attestazione di avvenuta trasmissione con impossibilità di recapito.
	AT Type = "AT"
	// MT — file metadati accompanying a forwarded invoice.
	MT Type = "MT"
	// Unknown — none of the above could be established.
	Unknown Type = "UNKNOWN"
)

// typePriority is the fixed order used by the filename fallback scan.
var typePriority = []Type{RC, NS, MC, NE, DT, AT, MT}

// Classify determines the notification type from a parsed document.
// The checks run in a fixed order; the first hit wins.
func Classify(doc *sdixml.Document) Type {
	if doc == nil {
		return Unknown
	}
	if doc.Text("ListaErrori") != "" {
		return NS
	}
	if doc.Text("DataOraConsegna") != "" {
		return RC
	}
	if doc.Text("EsitoCommittente") != "" {
		return NE
	}
	if strings.HasSuffix(doc.RootName(), "DecorrenzaTermini") || doc.Text("DecorrenzaTermini") != "" {
		return DT
	}
	if strings.HasSuffix(doc.RootName(), "AttestazioneTrasmissioneFattura") || doc.Text("AttestazioneTrasmissioneFattura") != "" {
		return AT
	}
	if desc := doc.Text("Descrizione"); desc != "" && strings.Contains(strings.ToLower(desc), "consegna") {
		return MC
	}
	return Unknown
}

// TypeFromFilename is the fallback classifier for documents that did not
// parse: the first type token found in the filename wins, scanned in the
// fixed priority order.
func TypeFromFilename(name string) Type {
	upper := strings.ToUpper(name)
	for _, t := range typePriority {
		if strings.Contains(upper, "_"+string(t)+"_") {
			return t
		}
	}
	return Unknown
}

// IsNotificationCandidate reports whether an attachment name looks like an
// SdI notification at all: carries a type token and an XML-ish extension.
// This is the coarse pre-filter applied before classification.
func IsNotificationCandidate(name string) bool {
	if TypeFromFilename(name) == Unknown {
		return false
	}
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".xml") ||
		strings.HasSuffix(lower, ".xml.p7m") ||
		strings.HasSuffix(lower, ".p7m")
}
