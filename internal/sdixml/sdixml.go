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

// Package sdixml reads SdI notification and FatturaPA documents without
// caring about namespaces or schemas. SdI payloads arrive with or without
// namespace prefixes depending on the sender's toolchain, so every lookup
// here is by local element name only.
//
// Parse failure is a normal, expected input condition for this package's
// callers (the filename-based fallback classifier handles it), never a
// pipeline-fatal error.
package sdixml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// element is one parsed XML element: its local name, the index of its
// parent in Document.elems (-1 for the root), and the accumulated text of
// its whole subtree.
type element struct {
	name   string
	parent int
	text   strings.Builder
}

// Document is a namespace-blind view of a parsed XML document.
type Document struct {
	// Elements are held by pointer: element embeds a strings.Builder,
	// which must not be copied once written to, and append would copy
	// slice members on growth.
	elems []*element
}

// Parse reads raw XML into a Document. The returned error is a supported
// outcome, not an exceptional one.
func Parse(raw []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	doc := &Document{}

	// Stack of open element indexes; CharData is credited to every open
	// element so Text returns XPath-like subtree string values.
	var open []int
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			parent := -1
			if len(open) > 0 {
				parent = open[len(open)-1]
			}
			doc.elems = append(doc.elems, &element{name: t.Name.Local, parent: parent})
			open = append(open, len(doc.elems)-1)
		case xml.EndElement:
			if len(open) > 0 {
				open = open[:len(open)-1]
			}
		case xml.CharData:
			for _, i := range open {
				doc.elems[i].text.Write(t)
			}
		}
	}

	if len(doc.elems) == 0 {
		return nil, fmt.Errorf("parse xml: no root element")
	}
	return doc, nil
}

// RootName returns the local name of the root element.
func (d *Document) RootName() string {
	return d.elems[0].name
}

// Text returns the trimmed subtree text of the first element with the
// given local name, or "".
func (d *Document) Text(localName string) string {
	for i := range d.elems {
		if d.elems[i].name == localName {
			return strings.TrimSpace(d.elems[i].text.String())
		}
	}
	return ""
}

// TextOr returns Text(localName), or def when no such element carries text.
func (d *Document) TextOr(localName, def string) string {
	if s := d.Text(localName); s != "" {
		return s
	}
	return def
}

// AllTexts returns the trimmed, non-empty subtree texts of every element
// with the given local name, in document order.
func (d *Document) AllTexts(localName string) []string {
	var out []string
	for i := range d.elems {
		if d.elems[i].name != localName {
			continue
		}
		if s := strings.TrimSpace(d.elems[i].text.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ChildText returns the trimmed text of the first element named child
// that is a direct child of an element named parent, or "".
func (d *Document) ChildText(parent, child string) string {
	for i := range d.elems {
		e := d.elems[i]
		if e.name != child || e.parent < 0 {
			continue
		}
		if d.elems[e.parent].name == parent {
			return strings.TrimSpace(e.text.String())
		}
	}
	return ""
}

// TransmissionHeader extracts the FatturaPA transmission identity from an
// invoice document: IdTrasmittente/IdPaese, IdTrasmittente/IdCodice and
// DatiTrasmissione/ProgressivoInvio. ok is false when the document does
// not parse or any field is missing.
func TransmissionHeader(raw []byte) (paese, codice, progressivo string, ok bool) {
	doc, err := Parse(raw)
	if err != nil {
		return "", "", "", false
	}
	paese = doc.ChildText("IdTrasmittente", "IdPaese")
	codice = doc.ChildText("IdTrasmittente", "IdCodice")
	progressivo = doc.ChildText("DatiTrasmissione", "ProgressivoInvio")
	if paese == "" || codice == "" || progressivo == "" {
		return "", "", "", false
	}
	return paese, codice, progressivo, true
}
