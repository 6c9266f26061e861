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

// Package grammar implements the SdI transmission-key and filename naming
// convention. Outgoing invoices are named {senderID}_{progressivo}.xml and
// SdI notifications {senderID}_{progressivo}_{TYPE}_{seq}.xml(.p7m), where
// senderID is either "IT" + 11-16 alphanumerics (Italian VAT/fiscal code)
// or a two-letter country code + 2-28 alphanumerics (foreign sender).
//
// All functions are pure string transforms. Non-conforming input yields a
// negative result, never an error or a panic.
package grammar

import (
	"regexp"
	"strings"
)

// senderPattern matches an SdI sender identifier. The original convention
// excludes "IT" as a foreign country prefix with a lookahead; RE2 has no
// lookahead, so the foreign branch spells out "two uppercase letters other
// than the pair IT".
const (
	senderPattern      = `(?:IT[a-zA-Z0-9]{11,16}|(?:[A-HJ-Z][A-Z]|I[A-SU-Z])[a-zA-Z0-9]{2,28})`
	progressivoPattern = `[a-zA-Z0-9]{1,5}`
)

var (
	keyRe = regexp.MustCompile(
		`^(` + senderPattern + `)_(` + progressivoPattern + `)$`)

	invoiceFileRe = regexp.MustCompile(
		`^` + senderPattern + `_` + progressivoPattern +
			`\.(?i:xml|zip|p7m)(?:\.(?i:p7m))?$`)

	notificationFileRe = regexp.MustCompile(
		`^(` + senderPattern + `)_(` + progressivoPattern + `)` +
			`_[A-Z]{2}_[a-zA-Z0-9]{0,3}\.(?i:xml)(?:\.(?i:p7m))?$`)

	// searchRe finds an invoice filename token anywhere in free text
	// (subjects, attachment names). Only .xml(.p7m) names are searched,
	// matching the counterparty's notification wording.
	searchRe = regexp.MustCompile(
		senderPattern + `_` + progressivoPattern +
			`\.(?:xml|XML|Xml)(?:\.(?:p7m|P7M|P7m))?`)

	// notifSearchRe finds a notification filename token anywhere in free
	// text. Subjects from SdI often repeat the attachment name verbatim.
	notifSearchRe = regexp.MustCompile(
		senderPattern + `_` + progressivoPattern +
			`_[A-Z]{2}_[a-zA-Z0-9]{0,3}\.(?:xml|XML|Xml)(?:\.(?:p7m|P7M|P7m))?`)

	progressivoReuseRe = regexp.MustCompile(`^[a-zA-Z0-9]{1,10}$`)
)

// notificationTokens are the SdI notification type markers, in the order
// they are stripped from notification filenames.
var notificationTokens = []string{"_RC_", "_NS_", "_MC_", "_NE_", "_DT_", "_AT_", "_MT_"}

// Key is a parsed transmission key: the (sender, progressivo) pair that
// names one outbound invoice transmission.
type Key struct {
	SenderID    string
	Progressivo string
}

// String reassembles the key into its canonical {senderID}_{progressivo}
// form. Parsing and formatting round-trip exactly.
func (k Key) String() string {
	return k.SenderID + "_" + k.Progressivo
}

// ParseTransmissionKey parses a bare {senderID}_{progressivo} string.
// The boolean reports whether the input conformed to the grammar.
func ParseTransmissionKey(name string) (Key, bool) {
	m := keyRe.FindStringSubmatch(name)
	if m == nil {
		return Key{}, false
	}
	return Key{SenderID: m[1], Progressivo: m[2]}, true
}

// ParseNotificationFilename parses the transmission key out of a
// notification filename such as IT12345670017_1000U_RC_001.xml.
func ParseNotificationFilename(name string) (Key, bool) {
	m := notificationFileRe.FindStringSubmatch(name)
	if m == nil {
		return Key{}, false
	}
	return Key{SenderID: m[1], Progressivo: m[2]}, true
}

// IsInvoiceFilename reports whether name is a conforming invoice artifact
// name: {key}.(xml|zip|p7m) with an optional trailing .p7m.
func IsInvoiceFilename(name string) bool {
	return invoiceFileRe.MatchString(name)
}

// IsNotificationFilename reports whether name is a conforming SdI
// notification name: {key}_{TYPE}_{seq}.xml with an optional trailing .p7m.
func IsNotificationFilename(name string) bool {
	return notificationFileRe.MatchString(name)
}

// StripExtensions removes a trailing .xml.p7m, .p7m or .xml (in that
// order of specificity) from a filename.
func StripExtensions(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".xml.p7m"):
		return name[:len(name)-8]
	case strings.HasSuffix(lower, ".p7m"):
		return name[:len(name)-4]
	case strings.HasSuffix(lower, ".xml"):
		return name[:len(name)-4]
	}
	return name
}

// DeriveInvoiceFilename strips the extension(s) and the _{TYPE}_{seq}
// suffix from a notification filename and re-appends .xml, yielding the
// name of the invoice the notification refers to. Works with an empty seq.
func DeriveInvoiceFilename(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}

	base := StripExtensions(name)
	for _, tok := range notificationTokens {
		if i := strings.Index(base, tok); i >= 0 {
			base = base[:i]
			break
		}
	}
	if base == "" {
		return "", false
	}
	return NormalizeXMLFilename(base + ".xml"), true
}

// NormalizeXMLFilename strips the trailing .p7m from an .xml.p7m name so
// signed and unsigned artifacts compare under one canonical name.
// Idempotent; any other name passes through unchanged.
func NormalizeXMLFilename(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".xml.p7m") {
		return name[:len(name)-4]
	}
	return name
}

// ExtractInvoiceFilename finds the first invoice filename token embedded
// anywhere in free text (a PEC subject, an attachment name) and returns it
// normalized.
func ExtractInvoiceFilename(text string) (string, bool) {
	m := searchRe.FindString(text)
	if m == "" {
		return "", false
	}
	return NormalizeXMLFilename(m), true
}

// ExtractNotificationFilename finds the first notification filename token
// embedded anywhere in free text.
func ExtractNotificationFilename(text string) (string, bool) {
	m := notifSearchRe.FindString(text)
	if m == "" {
		return "", false
	}
	return m, true
}

// ExtractProgressivo pulls a reusable progressivo out of an existing
// artifact filename: everything after the first underscore, extensions
// stripped, if it is 1-10 alphanumerics. Used to keep repeated exports of
// the same invoice on one transmission counter.
func ExtractProgressivo(filename string) (string, bool) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return "", false
	}

	base := StripExtensions(filename)
	_, rest, found := strings.Cut(base, "_")
	if !found || !progressivoReuseRe.MatchString(rest) {
		return "", false
	}
	return rest, true
}
