/*
Copyright 2024 Leadline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package driver abstracts the browser-side work of sending one connection
// request. A driver is a pure effectful function from lead to outcome: it
// never touches the job store, the budget or the bus. Everything the engine
// needs to know about a lead attempt comes back as an Outcome.
package driver

import (
	"context"

	"github.com/leadline-hq/leadline/model"
)

// Outcome kinds for one processed lead.
const (
	Sent             = "sent"
	AlreadyPending   = "already_pending"
	AlreadyConnected = "already_connected"
	NotConnectable   = "not_connectable"
	TransientError   = "transient_error"
	FatalError       = "fatal_error"
)

// ReasonSessionInvalid is the fatal reason that flags the stored account
// session as unusable.
const ReasonSessionInvalid = "session_invalid"

// Outcome is the driver's verdict on a single lead.
type Outcome struct {
	Kind   string
	Reason string
}

// Fatal reports whether the outcome ends the whole job.
func (o Outcome) Fatal() bool {
	return o.Kind == FatalError
}

// Stages of the per-lead action machine, in order, plus the short-circuit
// branches. Published as progress events while a lead is in flight.
const (
	StageNavigating    = "navigating"
	StageChecking      = "checking"
	StageFindingButton = "finding_button"
	StageClicking      = "clicking"
	StageWaitingModal  = "waiting_modal"
	StageSending       = "sending"
	StageCompleted     = "completed"

	StageAlreadyPending   = "already_pending"
	StageAlreadyConnected = "already_connected"
	StageNoButton         = "no_button"
)

// stageFractions maps each stage to how far through a single lead it sits.
// Values stay strictly inside (0,1); a lead only counts as a whole unit once
// its outcome is recorded.
var stageFractions = map[string]float64{
	StageNavigating:       0.10,
	StageChecking:         0.25,
	StageFindingButton:    0.40,
	StageClicking:         0.55,
	StageWaitingModal:     0.70,
	StageSending:          0.85,
	StageCompleted:        0.95,
	StageAlreadyPending:   0.95,
	StageAlreadyConnected: 0.95,
	StageNoButton:         0.95,
}

// StageFraction returns the in-lead progress fraction for a stage. Unknown
// stages report zero.
func StageFraction(stage string) float64 {
	return stageFractions[stage]
}

// StageFunc observes stage transitions while a lead is processed. The runner
// turns these into progress events; the driver itself stays bus-free.
type StageFunc func(stage string)

// Driver validates stored sessions and opens live browser sessions.
type Driver interface {
	// ValidateSession checks the stored session bundle and returns a live
	// session handle. An unusable session returns SessionInvalidError.
	ValidateSession(ctx context.Context, session *model.AccountSession) (Session, error)
}

// Session is an open browser context. The runner owns it and must release it
// exactly once, on every exit path.
type Session interface {
	// ProcessLead runs the action machine for one lead and reports the
	// outcome. Driver-internal failures never surface as errors; they are
	// folded into TransientError or FatalError outcomes.
	ProcessLead(ctx context.Context, lead *model.Lead, note string, onStage StageFunc) Outcome

	// Release closes the browser context and removes any per-session
	// temporary state. Safe to call once only.
	Release(ctx context.Context) error
}

// SessionInvalidError is returned by ValidateSession when the stored bundle
// cannot produce a usable browser session.
type SessionInvalidError struct {
	Reason string
}

func (e SessionInvalidError) Error() string {
	return "session invalid: " + e.Reason
}
