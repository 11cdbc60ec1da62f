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

package nsrecord

import (
	"encoding/json"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// FromNamespace builds the working Namespace view from a live Kubernetes
// namespace object, reading back whatever this system has previously
// annotated. A namespace seen for the first time decodes to StatusOK with a
// status_since of its creation timestamp.
func FromNamespace(ns corev1.Namespace, ttl, settlingPeriod, gracePeriod time.Duration) Namespace {
	ann := ns.Annotations
	out := Namespace{
		Name:           ns.Name,
		CreatedAt:      ns.CreationTimestamp.Time.UTC(),
		Status:         StatusOK,
		StatusSince:    ns.CreationTimestamp.Time.UTC(),
		StatusLastSeen: ns.CreationTimestamp.Time.UTC(),
		TTL:            ttl,
		SettlingPeriod: settlingPeriod,
		GracePeriod:    gracePeriod,
		NotifiedFor:    map[Status]bool{},
	}
	if ann == nil {
		return out
	}
	if s, ok := ann[AnnotationStatus]; ok {
		out.Status = Status(s)
	}
	if s, ok := ann[AnnotationStatusSince]; ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			out.StatusSince = t
		}
	}
	if s, ok := ann[AnnotationStatusLastSeen]; ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			out.StatusLastSeen = t
		}
	}
	if s, ok := ann[AnnotationOwner]; ok {
		out.Owner = s
	}
	if s, ok := ann[AnnotationFailingResources]; ok && s != "" {
		var fr []FailingResource
		if err := json.Unmarshal([]byte(s), &fr); err == nil && len(fr) > 0 {
			out.FailingResources = fr
		}
	}
	if s, ok := ann[AnnotationNotifiedFor]; ok && s != "" {
		var statuses []Status
		if err := json.Unmarshal([]byte(s), &statuses); err == nil {
			for _, st := range statuses {
				out.NotifiedFor[st] = true
			}
		}
	}
	return out
}

// ToAnnotations renders the fields this system owns back into the annotation
// map for a JSON-merge-patch. Only the keys this package defines are
// present; callers patch rather than replace, so unrelated annotations are
// left untouched.
func (n Namespace) ToAnnotations() map[string]string {
	out := map[string]string{
		AnnotationStatus:         string(n.Status),
		AnnotationStatusSince:    n.StatusSince.UTC().Format(time.RFC3339),
		AnnotationStatusLastSeen: n.StatusLastSeen.UTC().Format(time.RFC3339),
	}
	if n.Owner != "" {
		out[AnnotationOwner] = n.Owner
	}

	// Always written, as "[]" when empty: a merge patch never removes keys,
	// so a recovering namespace must overwrite its previous non-empty list.
	fr := n.FailingResources
	if fr == nil {
		fr = []FailingResource{}
	}
	frJSON, _ := json.Marshal(fr)
	out[AnnotationFailingResources] = string(frJSON)

	statuses := make([]Status, 0, len(n.NotifiedFor))
	for s, v := range n.NotifiedFor {
		if v {
			statuses = append(statuses, s)
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	nfJSON, _ := json.Marshal(statuses)
	out[AnnotationNotifiedFor] = string(nfJSON)

	return out
}
