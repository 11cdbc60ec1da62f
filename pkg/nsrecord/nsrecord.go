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

// Package nsrecord holds the in-memory view of a watched namespace and the
// annotation keys that durably persist it on the Kubernetes namespace object.
package nsrecord

import "time"

// Status is the classification label attached to a namespace.
type Status string

const (
	StatusOK          Status = "OK"
	StatusUnstable    Status = "UNSTABLE"
	StatusFailing     Status = "FAILING"
	StatusFailed      Status = "FAILED"
	StatusStale       Status = "STALE"
	StatusTerminating Status = "TERMINATING"
)

// AnnotationPrefix is prepended to every annotation key this system writes.
const AnnotationPrefix = "manager.cicd.skao.int/"

const (
	AnnotationStatus           = AnnotationPrefix + "status"
	AnnotationStatusSince      = AnnotationPrefix + "status-since"
	AnnotationStatusLastSeen   = AnnotationPrefix + "status-last-seen"
	AnnotationFailingResources = AnnotationPrefix + "failing-resources"
	AnnotationOwner            = AnnotationPrefix + "owner"
	AnnotationNotifiedFor      = AnnotationPrefix + "notified-for"
	AnnotationDeleteStuck      = AnnotationPrefix + "delete-stuck"

	// ChildJobAnnotationAction names the task kind a child job performs.
	ChildJobAnnotationAction = AnnotationPrefix + "action"
	// ChildJobAnnotationNamespace names the namespace a child job targets.
	ChildJobAnnotationNamespace = AnnotationPrefix + "namespace"
)

// FailingResource describes one resource contributing to a non-OK status.
type FailingResource struct {
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	Message   string    `json:"message"`
	FirstSeen time.Time `json:"first_seen"`
}

// Namespace is the reconciler's working view of one watched namespace. It is
// derived fresh on every pass from the Kubernetes namespace object; nothing
// here is authoritative except what has been annotated back.
type Namespace struct {
	Name      string
	CreatedAt time.Time

	Status           Status
	StatusSince      time.Time
	StatusLastSeen   time.Time
	FailingResources []FailingResource

	TTL            time.Duration
	SettlingPeriod time.Duration
	GracePeriod    time.Duration

	Owner       string
	NotifiedFor map[Status]bool
}

// Transition describes a change in a namespace's status, the unit of
// notification and of Action Controller dispatch.
type Transition struct {
	Namespace string
	Old       Status
	New       Status
	At        time.Time
}

// IsTerminalForClassification reports whether s can only be exited by
// deletion, never by further classification.
func IsTerminalForClassification(s Status) bool {
	return s == StatusFailed || s == StatusStale || s == StatusTerminating
}

// Clone returns a deep copy so callers may mutate without aliasing the
// caller's namespace record.
func (n Namespace) Clone() Namespace {
	out := n
	out.FailingResources = append([]FailingResource(nil), n.FailingResources...)
	out.NotifiedFor = make(map[Status]bool, len(n.NotifiedFor))
	for k, v := range n.NotifiedFor {
		out.NotifiedFor[k] = v
	}
	return out
}
