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

package classifier

import (
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
)

// WorkloadSnapshot is the subset of k8sgateway.WorkloadSnapshot the fallback
// path needs. Declared locally so this package stays free of any
// Kubernetes-client dependency beyond the typed API objects.
type WorkloadSnapshot struct {
	Deployments  []appsv1.Deployment
	StatefulSets []appsv1.StatefulSet
	ReplicaSets  []appsv1.ReplicaSet
	Pods         []corev1.Pod
	Events       []corev1.Event
}

var crashingReasons = map[string]bool{
	"CrashLoopBackOff": true,
	"ImagePullBackOff": true,
	"ErrImagePull":     true,
}

// BuildFallbackObservations derives failure signals from Kubernetes workload
// state, used only when the Prometheus query failed or returned nothing for
// this namespace.
func BuildFallbackObservations(snap WorkloadSnapshot, settlingPeriod time.Duration, now time.Time) []WorkloadObservation {
	var out []WorkloadObservation
	warnedAt := firstWarningTimes(snap.Events)

	for _, d := range snap.Deployments {
		age := now.Sub(d.CreationTimestamp.Time)
		if d.Status.UnavailableReplicas > 0 && age > settlingPeriod {
			out = append(out, WorkloadObservation{
				Kind: "Deployment", Name: d.Name,
				Reason:    "UnavailableReplicas",
				Message:   "deployment has unavailable replicas",
				FirstSeen: firstSeenOf(warnedAt, "Deployment", d.Name, d.CreationTimestamp.Time),
				Severity:  2,
			})
		}
	}

	for _, s := range snap.StatefulSets {
		age := now.Sub(s.CreationTimestamp.Time)
		if s.Status.ReadyReplicas < s.Status.Replicas && age > settlingPeriod {
			out = append(out, WorkloadObservation{
				Kind: "StatefulSet", Name: s.Name,
				Reason:    "NotReady",
				Message:   "statefulset has fewer ready replicas than desired",
				FirstSeen: firstSeenOf(warnedAt, "StatefulSet", s.Name, s.CreationTimestamp.Time),
				Severity:  2,
			})
		}
	}

	activeDeployments := map[string]bool{}
	for _, d := range snap.Deployments {
		activeDeployments[d.Name] = true
	}
	for _, rs := range snap.ReplicaSets {
		owner := ownerDeployment(rs)
		if owner == "" || !activeDeployments[owner] {
			continue
		}
		if rs.Status.Replicas > 0 && rs.Status.ReadyReplicas < rs.Status.Replicas {
			out = append(out, WorkloadObservation{
				Kind: "ReplicaSet", Name: rs.Name,
				Reason:    "FailedPods",
				Message:   "replicaset owned by an active deployment has failed pods",
				FirstSeen: firstSeenOf(warnedAt, "ReplicaSet", rs.Name, rs.CreationTimestamp.Time),
				Severity:  1,
			})
		}
	}

	for _, p := range snap.Pods {
		if reason, firstSeen, ok := podFailureReason(p); ok {
			out = append(out, WorkloadObservation{
				Kind: "Pod", Name: p.Name,
				Reason:    reason,
				Message:   "pod is in a failure state",
				FirstSeen: firstSeenOf(warnedAt, "Pod", p.Name, firstSeen),
				Severity:  3,
			})
		}
	}

	return out
}

// firstWarningTimes indexes the earliest Warning event per involved object so
// first_seen reflects when the problem started rather than when the object
// was created.
func firstWarningTimes(events []corev1.Event) map[string]time.Time {
	out := map[string]time.Time{}
	for _, e := range events {
		if e.Type != corev1.EventTypeWarning {
			continue
		}
		t := e.FirstTimestamp.Time
		if t.IsZero() {
			t = e.EventTime.Time
		}
		if t.IsZero() {
			continue
		}
		k := e.InvolvedObject.Kind + "/" + e.InvolvedObject.Name
		if cur, ok := out[k]; !ok || t.Before(cur) {
			out[k] = t
		}
	}
	return out
}

func firstSeenOf(warnedAt map[string]time.Time, kind, name string, fallback time.Time) time.Time {
	if t, ok := warnedAt[kind+"/"+name]; ok {
		return t
	}
	return fallback
}

func ownerDeployment(rs appsv1.ReplicaSet) string {
	for _, ref := range rs.OwnerReferences {
		if ref.Kind == "Deployment" {
			return ref.Name
		}
	}
	return ""
}

func podFailureReason(p corev1.Pod) (reason string, firstSeen time.Time, ok bool) {
	if p.Status.Phase == corev1.PodFailed {
		return "Failed", p.CreationTimestamp.Time, true
	}
	for _, cs := range p.Status.ContainerStatuses {
		if cs.State.Waiting != nil && crashingReasons[cs.State.Waiting.Reason] {
			firstSeen := p.CreationTimestamp.Time
			if cs.LastTerminationState.Terminated != nil {
				firstSeen = cs.LastTerminationState.Terminated.FinishedAt.Time
			}
			return cs.State.Waiting.Reason, firstSeen, true
		}
	}
	return "", time.Time{}, false
}
