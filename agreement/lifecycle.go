package agreement

import (
	"fmt"

	"agreementflow/party"
	"agreementflow/signature"
)

// Event drives the agreement state machine.
type Event string

const (
	EventSign     Event = "sign"
	EventActivate Event = "activate"
	EventComplete Event = "complete"
	EventCancel   Event = "cancel"
)

// ParseEvent accepts the events callers may request through Transition.
func ParseEvent(raw string) (Event, error) {
	switch e := Event(raw); e {
	case EventActivate, EventComplete, EventCancel:
		return e, nil
	default:
		return "", &InvalidTransitionError{Event: e, Reason: "unknown event"}
	}
}

// Controller is the only code that changes an agreement's status or
// attaches signatures. It validates against the current record and mutates
// it in place; persisting the result is the caller's job.
//
//	pending --sign(role)--> pending        (role not yet signed)
//	pending --activate----> active         (both signed)
//	pending --cancel------> canceled
//	active  --complete----> completed
//	active  --cancel------> canceled
type Controller struct{}

// NewController returns the agreement state machine.
func NewController() Controller {
	return Controller{}
}

// Apply performs a status transition. On error rec is left untouched.
func (Controller) Apply(rec *Record, ev Event) error {
	if rec.Status.Terminal() {
		return &TerminalStateError{Event: ev, State: rec.Status}
	}

	var next Status
	switch ev {
	case EventActivate:
		if rec.Status != StatusPending {
			return &InvalidTransitionError{Event: ev, From: rec.Status}
		}
		if !rec.BothSigned() {
			return &InvalidTransitionError{Event: ev, From: rec.Status, Reason: "both parties must sign first"}
		}
		next = StatusActive
	case EventComplete:
		if rec.Status != StatusActive {
			return &InvalidTransitionError{Event: ev, From: rec.Status}
		}
		next = StatusCompleted
	case EventCancel:
		next = StatusCanceled
	case EventSign:
		return &InvalidTransitionError{Event: ev, From: rec.Status, Reason: "signatures are attached with Sign"}
	default:
		return &InvalidTransitionError{Event: ev, From: rec.Status, Reason: "unknown event"}
	}

	rec.Status = next
	return nil
}

// Sign attaches sig for its signer role. It reports false without error when
// that role had already signed; the existing signature is kept.
func (Controller) Sign(rec *Record, sig signature.Record) (bool, error) {
	if rec.Status.Terminal() {
		return false, &TerminalStateError{Event: EventSign, State: rec.Status}
	}
	if _, err := party.ParseRole(string(sig.SignerRole)); err != nil {
		return false, &InvalidTransitionError{Event: EventSign, From: rec.Status, Reason: err.Error()}
	}
	if rec.Signed(sig.SignerRole) {
		return false, nil
	}
	if rec.Status != StatusPending {
		return false, &InvalidTransitionError{Event: EventSign, From: rec.Status, Reason: fmt.Sprintf("%s has not signed", sig.SignerRole)}
	}

	stored := sig
	stored.Image = nil
	switch sig.SignerRole {
	case party.RoleProvider:
		rec.ProviderSigned = true
		rec.ProviderSignature = &stored
	case party.RoleParticipant:
		rec.ParticipantSigned = true
		rec.ParticipantSignature = &stored
	}
	return true, nil
}
