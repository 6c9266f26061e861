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
	"encoding/base64"
	"fmt"
	"regexp"
)

// progressivoNodeRe matches the first ProgressivoInvio element, with or
// without a namespace prefix. The replacement is done on the raw bytes so
// the rest of the document (namespaces, declaration, signature-relevant
// whitespace) passes through untouched.
var progressivoNodeRe = regexp.MustCompile(
	`(<(?:[A-Za-z0-9._-]+:)?ProgressivoInvio(?:\s[^>]*)?>)[^<]*(</(?:[A-Za-z0-9._-]+:)?ProgressivoInvio>)`)

// StampProgressivo rewrites the text of the first ProgressivoInvio element
// to the given value. The document must be well-formed XML; documents
// without a ProgressivoInvio element are returned unchanged.
func StampProgressivo(raw []byte, progressivo string) ([]byte, error) {
	if _, err := Parse(raw); err != nil {
		return nil, fmt.Errorf("stamp progressivo: %w", err)
	}

	loc := progressivoNodeRe.FindSubmatchIndex(raw)
	if loc == nil {
		return raw, nil
	}

	out := make([]byte, 0, len(raw)+len(progressivo))
	out = append(out, raw[:loc[3]]...) // up to end of the opening tag
	out = append(out, progressivo...)
	out = append(out, raw[loc[4]:]...) // from start of the closing tag
	return out, nil
}

// DecodeMaybeBase64 normalizes attachment payloads that arrive either raw
// or base64-wrapped. A decode is only trusted when the decoded head looks
// like XML or an RFC822 message; everything else passes through as-is.
func DecodeMaybeBase64(raw []byte) []byte {
	head := headOf(raw)
	if len(head) == 0 {
		return nil
	}
	if looksLikePayload(head) {
		return raw
	}

	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		decoded, err = base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(string(trimBase64(raw)))
		if err != nil {
			return raw
		}
	}
	if looksLikePayload(headOf(decoded)) {
		return decoded
	}
	return raw
}

func headOf(raw []byte) []byte {
	head := raw
	if len(head) > 200 {
		head = head[:200]
	}
	for len(head) > 0 && (head[0] == ' ' || head[0] == '\t' || head[0] == '\r' || head[0] == '\n') {
		head = head[1:]
	}
	return head
}

func looksLikePayload(head []byte) bool {
	if len(head) == 0 {
		return false
	}
	for _, b := range head {
		if b == '<' {
			return true
		}
	}
	return hasPrefix(head, "From:") || hasPrefix(head, "Received:")
}

func hasPrefix(b []byte, s string) bool {
	return len(b) >= len(s) && string(b[:len(s)]) == s
}

// trimBase64 drops whitespace so lenient decoding matches typical MIME
// line wrapping.
func trimBase64(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		out = append(out, b)
	}
	return out
}
