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

package k8sgateway

import (
	"context"

	"github.com/ska-telescope/ska-namespace-manager/pkg/classifier"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// WorkloadSnapshot bundles the typed lists the classifier's Kubernetes
// fallback path needs, fetched in one pass to avoid per-resource-kind round
// trips.
type WorkloadSnapshot struct {
	Deployments  []appsv1.Deployment
	StatefulSets []appsv1.StatefulSet
	ReplicaSets  []appsv1.ReplicaSet
	Pods         []corev1.Pod
	Events       []corev1.Event
}

// FetchWorkloadSnapshot lists the workload kinds the classifier fallback
// needs for one namespace.
func (g *Gateway) FetchWorkloadSnapshot(ctx context.Context, namespace string) (WorkloadSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()

	var snap WorkloadSnapshot
	err := withTransientRetry(ctx, "k8sgateway.FetchWorkloadSnapshot.deployments", func() error {
		list, err := g.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		snap.Deployments = list.Items
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = withTransientRetry(ctx, "k8sgateway.FetchWorkloadSnapshot.statefulsets", func() error {
		list, err := g.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		snap.StatefulSets = list.Items
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = withTransientRetry(ctx, "k8sgateway.FetchWorkloadSnapshot.replicasets", func() error {
		list, err := g.client.AppsV1().ReplicaSets(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		snap.ReplicaSets = list.Items
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = withTransientRetry(ctx, "k8sgateway.FetchWorkloadSnapshot.pods", func() error {
		list, err := g.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		snap.Pods = list.Items
		return nil
	})
	if err != nil {
		return snap, err
	}

	err = withTransientRetry(ctx, "k8sgateway.FetchWorkloadSnapshot.events", func() error {
		list, err := g.client.CoreV1().Events(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		snap.Events = list.Items
		return nil
	})
	if err != nil {
		return snap, err
	}

	return snap, nil
}

// ToClassifier converts a gateway WorkloadSnapshot into the shape the pure
// classifier package consumes, keeping the classifier free of any
// client-go dependency; it still takes the typed API objects as they are.
func (s WorkloadSnapshot) ToClassifier() classifier.WorkloadSnapshot {
	return classifier.WorkloadSnapshot{
		Deployments:  s.Deployments,
		StatefulSets: s.StatefulSets,
		ReplicaSets:  s.ReplicaSets,
		Pods:         s.Pods,
		Events:       s.Events,
	}
}
