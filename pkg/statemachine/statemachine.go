// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package statemachine applies hysteresis to classifier output, turning a
// Candidate plus the namespace's current persisted status into the next
// status through its transition table. It is, like the classifier, a pure
// function: no I/O, no clock access beyond the now parameter it is handed.
package statemachine

import (
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/classifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
)

// DefaultRecoveryWindow is the dwell time required before UNSTABLE or
// FAILING may return to OK.
const DefaultRecoveryWindow = 2 * time.Minute

// Params carries the rule-level hysteresis knobs.
type Params struct {
	// UnstableToFailing is the dwell time required before UNSTABLE
	// escalates to FAILING, conventionally the rule's settling_period.
	UnstableToFailing time.Duration
	// GracePeriod is the dwell time required before FAILING escalates to
	// FAILED.
	GracePeriod time.Duration
	// RecoveryWindow is the dwell time required before UNSTABLE or
	// FAILING may return to OK. Defaults to DefaultRecoveryWindow.
	RecoveryWindow time.Duration
}

// Outcome is the state machine's verdict: the next status, whether it
// differs from the current one, and the failing-resources list to persist.
// FailingResources is authoritative: callers assign it to the namespace
// record as-is. It is nil exactly when Next is OK or STALE, and carries the
// previously persisted list through dwell windows where the classifier
// reports recovery but the status hasn't transitioned yet.
type Outcome struct {
	Next             nsrecord.Status
	Changed          bool
	FailingResources []nsrecord.FailingResource
	// RefreshLastSeen is true when the candidate agreed with the current
	// status without a transition; status_last_seen should be bumped.
	RefreshLastSeen bool
}

// Next applies the transition table for current status "cur", classifier
// result "c", and dwell time now-statusSince. curFailing is the namespace's
// currently persisted failing-resources list, carried forward for states
// (like FAILED) whose invariant requires a non-empty list even when a given
// pass's candidate alone wouldn't supply one.
func Next(cur nsrecord.Status, statusSince time.Time, now time.Time, c classifier.Result, curFailing []nsrecord.FailingResource, p Params) Outcome {
	recovery := p.RecoveryWindow
	if recovery <= 0 {
		recovery = DefaultRecoveryWindow
	}
	dwell := now.Sub(statusSince)

	switch cur {
	case nsrecord.StatusTerminating:
		// Deletion in flight; keep the record of why it got here.
		return Outcome{Next: nsrecord.StatusTerminating, FailingResources: curFailing}

	case nsrecord.StatusStale:
		// Terminal for classification; only deletion moves it out.
		return Outcome{Next: nsrecord.StatusStale}

	case nsrecord.StatusFailed:
		if c.Candidate == classifier.CandidateStale {
			return Outcome{Next: nsrecord.StatusStale, Changed: true}
		}
		// FAILED is terminal-until-delete: never OK, never UNSTABLE.
		return Outcome{Next: nsrecord.StatusFailed, FailingResources: carryOrReplace(c, curFailing)}

	case nsrecord.StatusFailing:
		switch c.Candidate {
		case classifier.CandidateStale:
			return Outcome{Next: nsrecord.StatusStale, Changed: true}
		case classifier.CandidateOK:
			if dwell >= recovery {
				return Outcome{Next: nsrecord.StatusOK, Changed: true}
			}
			return Outcome{Next: nsrecord.StatusFailing, FailingResources: curFailing}
		default: // FAILING_CANDIDATE
			if dwell >= p.GracePeriod {
				return Outcome{Next: nsrecord.StatusFailed, Changed: true, FailingResources: c.FailingResources}
			}
			return Outcome{Next: nsrecord.StatusFailing, FailingResources: c.FailingResources}
		}

	case nsrecord.StatusUnstable:
		switch c.Candidate {
		case classifier.CandidateStale:
			return Outcome{Next: nsrecord.StatusStale, Changed: true}
		case classifier.CandidateOK:
			if dwell >= recovery {
				return Outcome{Next: nsrecord.StatusOK, Changed: true}
			}
			return Outcome{Next: nsrecord.StatusUnstable, FailingResources: curFailing}
		default: // FAILING_CANDIDATE
			if dwell >= p.UnstableToFailing {
				return Outcome{Next: nsrecord.StatusFailing, Changed: true, FailingResources: c.FailingResources}
			}
			return Outcome{Next: nsrecord.StatusUnstable, FailingResources: c.FailingResources}
		}

	default: // OK
		switch c.Candidate {
		case classifier.CandidateStale:
			return Outcome{Next: nsrecord.StatusStale, Changed: true}
		case classifier.CandidateOK:
			return Outcome{Next: nsrecord.StatusOK, RefreshLastSeen: true}
		default: // FAILING_CANDIDATE
			return Outcome{Next: nsrecord.StatusUnstable, Changed: true, FailingResources: c.FailingResources}
		}
	}
}

// carryOrReplace keeps the previously recorded failing resources on a
// namespace that is already FAILED unless the classifier, run again, offers
// an updated list (it always will while still failing; this only guards
// against an empty re-classification being mistaken for recovery, which
// FAILED must never honor).
func carryOrReplace(c classifier.Result, curFailing []nsrecord.FailingResource) []nsrecord.FailingResource {
	if len(c.FailingResources) > 0 {
		return c.FailingResources
	}
	return curFailing
}
