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

// Package lifecycle derives invoice transmission and PEC delivery states
// from SdI notifications. Apply and its variants are pure transducers:
// same inputs, same outputs, no I/O. Persisting the result and posting the
// audit entry is the caller's job.
package lifecycle

import (
	"fmt"
	"strings"

	"github.com/sdilink/pecbridge/internal/notify"
	"github.com/sdilink/pecbridge/internal/sdixml"
)

// TransmissionState tracks where an invoice stands with SdI.
type TransmissionState string

const (
	TransmissionNone          TransmissionState = ""
	Processing                TransmissionState = "processing"
	BeingSent                 TransmissionState = "being_sent"
	Forwarded                 TransmissionState = "forwarded"
	Rejected                  TransmissionState = "rejected"
	ForwardFailed             TransmissionState = "forward_failed"
	AcceptedByPartner         TransmissionState = "accepted_by_pa_partner"
	RejectedByPartner         TransmissionState = "rejected_by_pa_partner"
	AcceptedByPartnerAfterExp TransmissionState = "accepted_by_pa_partner_after_expiry"
)

// PecState tracks the PEC delivery leg.
type PecState string

const (
	// PecUnchanged as an Outcome field means "keep the current value".
	PecUnchanged PecState = ""
	PecToSend    PecState = "to_send"
	PecSent      PecState = "sent"
	PecDelivered PecState = "delivered"
	PecError     PecState = "error"
)

// Outcome is the result of applying one notification.
type Outcome struct {
	Transmission TransmissionState
	Pec          PecState
	Detail       string
}

// baseStates maps notification types to transmission states. NE is
// resolved separately from its outcome code.
var baseStates = map[notify.Type]TransmissionState{
	notify.NS:      Rejected,
	notify.MC:      ForwardFailed,
	notify.RC:      Forwarded,
	notify.DT:      AcceptedByPartnerAfterExp,
	notify.AT:      Processing,
	notify.MT:      Processing,
	notify.Unknown: Processing,
}

// Apply computes the state transition and audit text for a parsed
// notification document.
//
// Any notification overwrites the current state: an out-of-order NS after
// an RC reverts the invoice to rejected. That matches the counterparty's
// observed redelivery behavior; callers wanting stricter ordering apply
// the Monotonic guard on top.
func Apply(t notify.Type, doc *sdixml.Document) Outcome {
	state := transmissionFor(t, doc)

	idSdi := "N/A"
	detail := ""
	if doc != nil {
		idSdi = doc.TextOr("IdentificativoSdI", "N/A")
		switch t {
		case notify.NS:
			detail = strings.Join(doc.AllTexts("Descrizione"), ", ")
		case notify.NE, notify.MC:
			detail = doc.Text("Descrizione")
		}
		if detail == "" {
			detail = doc.Text("Descrizione")
		}
	}

	msg := fmt.Sprintf("Risposta SdI %s: stato %s (Id SdI: %s)", t, state, idSdi)
	if detail != "" {
		msg += " - " + detail
	}

	return Outcome{
		Transmission: state,
		Pec:          PecFor(state),
		Detail:       msg,
	}
}

// ApplyFallback computes the transition when the notification body could
// not be parsed, keyed only on the filename-derived type. The audit text
// carries the parse error so the decision can be reconstructed offline.
func ApplyFallback(t notify.Type, filename, parseErr string) Outcome {
	state, ok := baseStates[t]
	if !ok {
		state = Processing
	}

	msg := fmt.Sprintf("Risposta SdI %s: stato %s (file: %s)", t, state, filename)
	if parseErr != "" {
		msg += " - " + parseErr
	}

	return Outcome{
		Transmission: state,
		Pec:          PecFor(state),
		Detail:       msg,
	}
}

// ApplyReceipt interprets a PEC transport receipt by its subject. These
// carry no SdI payload; they only move the delivery leg. ok is false when
// the subject is not a recognizable receipt.
func ApplyReceipt(subject string) (pec PecState, label string, ok bool) {
	upper := strings.ToUpper(subject)
	switch {
	case strings.Contains(upper, "MANCATA CONSEGNA"):
		return PecError, "Mancata consegna PEC", true
	case strings.Contains(upper, "CONSEGNA"):
		return PecDelivered, "Consegna PEC", true
	case strings.Contains(upper, "ACCETTAZIONE"):
		return PecSent, "Accettazione PEC", true
	}
	return PecUnchanged, "", false
}

// PecFor derives the PEC delivery state from a transmission state.
// States outside the mapping leave the delivery leg unchanged.
func PecFor(state TransmissionState) PecState {
	switch state {
	case Processing, BeingSent:
		return PecSent
	case Forwarded, AcceptedByPartner, AcceptedByPartnerAfterExp:
		return PecDelivered
	case ForwardFailed, Rejected, RejectedByPartner:
		return PecError
	}
	return PecUnchanged
}

// rank orders transmission states for the optional monotonic policy.
// Higher means further along; terminal outcomes share the top rank.
var rank = map[TransmissionState]int{
	TransmissionNone:          0,
	Processing:                1,
	BeingSent:                 1,
	Forwarded:                 2,
	Rejected:                  3,
	ForwardFailed:             3,
	AcceptedByPartner:         4,
	RejectedByPartner:         4,
	AcceptedByPartnerAfterExp: 4,
}

// Monotonic suppresses transitions that would move an invoice backwards:
// the outcome keeps its audit text but adopts the current states when the
// proposed transmission state ranks below the current one. Duplicate
// redeliveries at the same rank still apply (last write wins within a
// rank, preserving NE overwriting NE).
func Monotonic(current TransmissionState, out Outcome) Outcome {
	if rank[out.Transmission] < rank[current] {
		out.Transmission = current
		out.Pec = PecUnchanged
	}
	return out
}

func transmissionFor(t notify.Type, doc *sdixml.Document) TransmissionState {
	if t == notify.NE {
		esito := ""
		if doc != nil {
			esito = doc.Text("Esito")
		}
		switch esito {
		case "EC01":
			return AcceptedByPartner
		case "EC02":
			return RejectedByPartner
		}
		return Processing
	}
	if state, ok := baseStates[t]; ok {
		return state
	}
	return Processing
}
