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

package statemachine

import (
	"testing"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/classifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
)

var params = Params{UnstableToFailing: 2 * time.Minute, GracePeriod: 2 * time.Minute, RecoveryWindow: 2 * time.Minute}

func failingResult() classifier.Result {
	return classifier.Result{
		Candidate:        classifier.CandidateFailing,
		FailingResources: []nsrecord.FailingResource{{Kind: "Deployment", Name: "api"}},
	}
}

func TestOKToUnstableOnFailure(t *testing.T) {
	since := time.Unix(0, 0)
	now := since
	out := Next(nsrecord.StatusOK, since, now, failingResult(), nil, params)
	if out.Next != nsrecord.StatusUnstable || !out.Changed {
		t.Fatalf("want UNSTABLE/changed, got %+v", out)
	}
	if len(out.FailingResources) == 0 {
		t.Fatal("want non-empty failing resources leaving OK")
	}
}

func TestUnstableToFailingAfterDwell(t *testing.T) {
	since := time.Unix(0, 0)
	before := since.Add(90 * time.Second)
	out := Next(nsrecord.StatusUnstable, since, before, failingResult(), nil, params)
	if out.Next != nsrecord.StatusUnstable {
		t.Fatalf("want still UNSTABLE before dwell elapses, got %+v", out)
	}

	after := since.Add(2*time.Minute + time.Second)
	out = Next(nsrecord.StatusUnstable, since, after, failingResult(), nil, params)
	if out.Next != nsrecord.StatusFailing || !out.Changed {
		t.Fatalf("want FAILING after dwell, got %+v", out)
	}
}

func TestFailingToFailedOnlyAfterGrace(t *testing.T) {
	since := time.Unix(0, 0)
	before := since.Add(time.Minute)
	out := Next(nsrecord.StatusFailing, since, before, failingResult(), nil, params)
	if out.Next != nsrecord.StatusFailing {
		t.Fatalf("want FAILING before grace elapses, got %+v", out)
	}

	after := since.Add(2*time.Minute + time.Second)
	out = Next(nsrecord.StatusFailing, since, after, failingResult(), nil, params)
	if out.Next != nsrecord.StatusFailed || !out.Changed {
		t.Fatalf("want FAILED after grace period, got %+v", out)
	}
}

func TestRecoveryBeforeGraceReturnsToOK(t *testing.T) {
	since := time.Unix(0, 0)
	now := since.Add(3 * time.Minute)
	okResult := classifier.Result{Candidate: classifier.CandidateOK}
	out := Next(nsrecord.StatusFailing, since, now, okResult, nil, params)
	if out.Next != nsrecord.StatusOK || !out.Changed {
		t.Fatalf("want OK after recovery window, got %+v", out)
	}
	if len(out.FailingResources) != 0 {
		t.Fatalf("want cleared failing resources on recovery, got %v", out.FailingResources)
	}
}

func TestFailingCarriesResourcesThroughRecoveryWindow(t *testing.T) {
	since := time.Unix(0, 0)
	now := since.Add(time.Minute) // inside the recovery window
	okResult := classifier.Result{Candidate: classifier.CandidateOK}
	cur := []nsrecord.FailingResource{{Kind: "Deployment", Name: "api"}}
	out := Next(nsrecord.StatusFailing, since, now, okResult, cur, params)
	if out.Next != nsrecord.StatusFailing {
		t.Fatalf("want still FAILING inside recovery window, got %v", out.Next)
	}
	if len(out.FailingResources) != 1 {
		t.Fatalf("want carried failing resources while still FAILING, got %v", out.FailingResources)
	}
}

func TestFailedNeverReturnsToOK(t *testing.T) {
	since := time.Unix(0, 0)
	now := since.Add(10 * time.Minute)
	okResult := classifier.Result{Candidate: classifier.CandidateOK}
	out := Next(nsrecord.StatusFailed, since, now, okResult, []nsrecord.FailingResource{{Kind: "Pod", Name: "x"}}, params)
	if out.Next == nsrecord.StatusOK {
		t.Fatal("FAILED must never transition to OK")
	}
	if out.Next != nsrecord.StatusFailed {
		t.Fatalf("want to remain FAILED, got %v", out.Next)
	}
}

func TestStaleOutranksEverything(t *testing.T) {
	since := time.Unix(0, 0)
	now := since
	staleResult := classifier.Result{Candidate: classifier.CandidateStale}
	for _, cur := range []nsrecord.Status{nsrecord.StatusOK, nsrecord.StatusUnstable, nsrecord.StatusFailing, nsrecord.StatusFailed} {
		out := Next(cur, since, now, staleResult, nil, params)
		if out.Next != nsrecord.StatusStale {
			t.Fatalf("from %v want STALE, got %v", cur, out.Next)
		}
	}
}

func TestStaleAndTerminatingAreSticky(t *testing.T) {
	since := time.Unix(0, 0)
	now := since.Add(time.Hour)
	for _, cur := range []nsrecord.Status{nsrecord.StatusStale, nsrecord.StatusTerminating} {
		out := Next(cur, since, now, failingResult(), nil, params)
		if out.Next != cur {
			t.Fatalf("want %v to stay sticky, got %v", cur, out.Next)
		}
	}
}

// TestNoForbiddenTransitions is a small property-style sweep over a fixed
// table of adversarial (state, candidate) sequences, asserting the two
// forbidden transitions never occur.
func TestNoForbiddenTransitions(t *testing.T) {
	since := time.Unix(0, 0)
	candidates := []classifier.Result{
		{Candidate: classifier.CandidateOK},
		failingResult(),
		{Candidate: classifier.CandidateStale},
	}
	states := []nsrecord.Status{
		nsrecord.StatusOK, nsrecord.StatusUnstable, nsrecord.StatusFailing,
		nsrecord.StatusFailed, nsrecord.StatusStale, nsrecord.StatusTerminating,
	}
	for _, cur := range states {
		for _, c := range candidates {
			for _, dwell := range []time.Duration{0, time.Minute, 5 * time.Minute} {
				now := since.Add(dwell)
				out := Next(cur, since, now, c, nil, params)
				if cur == nsrecord.StatusFailed && out.Next == nsrecord.StatusOK {
					t.Fatalf("FAILED -> OK observed for candidate %v dwell %v", c.Candidate, dwell)
				}
				if cur == nsrecord.StatusStale && out.Next != nsrecord.StatusStale {
					t.Fatalf("STALE -> %v observed, STALE must only change via deletion", out.Next)
				}
			}
		}
	}
}
