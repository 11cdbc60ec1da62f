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

// Package classifier implements the pure function that turns observations
// (alerts, workload state, namespace age) into a status candidate and a
// failing-resources list. It performs no I/O: all Kubernetes and Prometheus
// access happens before Classify is called, in the gateways.
package classifier

import (
	"sort"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
)

// Candidate is the classifier's verdict before the state machine applies
// hysteresis.
type Candidate string

const (
	CandidateOK      Candidate = "OK"
	CandidateFailing Candidate = "FAILING_CANDIDATE"
	CandidateStale   Candidate = "STALE"
)

// Alert is a single firing Prometheus alert scoped to a namespace.
type Alert struct {
	Kind    string
	Name    string
	Reason  string
	Message string
	// Severity ranks alerts for dedup precedence; higher wins.
	Severity int
}

// WorkloadObservation carries the Kubernetes-derived fallback signals used
// when the Prometheus query failed or returned nothing.
type WorkloadObservation struct {
	Kind      string // Deployment, StatefulSet, ReplicaSet, Pod
	Name      string
	Reason    string
	Message   string
	FirstSeen time.Time
	Severity  int
}

// Input bundles everything Classify needs. FallbackWorkloads is consulted
// only when Alerts is empty: a failed Prometheus query and a query that
// returned nothing for this namespace both fall back to the Kubernetes
// derived signals.
type Input struct {
	Namespace         nsrecord.Namespace
	Alerts            []Alert
	FallbackWorkloads []WorkloadObservation
	Now               time.Time
}

// Result is the classifier's output: a candidate plus the deduplicated,
// ordered failing-resources list.
type Result struct {
	Candidate        Candidate
	FailingResources []nsrecord.FailingResource
}

// Classify turns one namespace's observations into a status candidate plus
// its failing resources. It must never read from Kubernetes or Prometheus
// itself.
func Classify(in Input) Result {
	ns := in.Namespace
	age := in.Now.Sub(ns.CreatedAt)

	if age < ns.SettlingPeriod {
		return Result{Candidate: CandidateOK}
	}
	if age > ns.TTL {
		return Result{Candidate: CandidateStale}
	}

	type signal struct {
		kind, name, reason, message string
		firstSeen                   time.Time
		severity                    int
	}
	var signals []signal

	if len(in.Alerts) > 0 {
		for _, a := range in.Alerts {
			signals = append(signals, signal{
				kind: a.Kind, name: a.Name, reason: a.Reason, message: a.Message,
				firstSeen: in.Now, severity: a.Severity,
			})
		}
	} else {
		for _, w := range in.FallbackWorkloads {
			signals = append(signals, signal{
				kind: w.Kind, name: w.Name, reason: w.Reason, message: w.Message,
				firstSeen: w.FirstSeen, severity: w.Severity,
			})
		}
	}

	if len(signals) == 0 {
		return Result{Candidate: CandidateOK}
	}

	// Dedup by (kind, name), keeping the highest-severity reason.
	type key struct{ kind, name string }
	best := map[key]signal{}
	for _, s := range signals {
		k := key{s.kind, s.name}
		cur, ok := best[k]
		if !ok || s.severity > cur.severity {
			best[k] = s
		}
	}

	out := make([]nsrecord.FailingResource, 0, len(best))
	for _, s := range best {
		out = append(out, nsrecord.FailingResource{
			Kind: s.kind, Name: s.name, Reason: s.reason, Message: s.message, FirstSeen: s.firstSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].Kind+out[i].Name < out[j].Kind+out[j].Name
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})

	return Result{Candidate: CandidateFailing, FailingResources: out}
}
