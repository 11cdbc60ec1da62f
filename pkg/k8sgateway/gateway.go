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

// Package k8sgateway is a typed wrapper over the namespace, workload, job,
// cronjob, and annotation/label operations the rest of the system needs.
// It owns retry-with-backoff for transient errors and re-sends conflicting
// annotation patches on a fixed schedule. NotFound, Conflict and transient
// errors surface as the matching kinds in pkg/errs; any other client-go
// error is returned unchanged.
package k8sgateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
)

// Gateway wraps a client-go clientset with the system's retry and
// error-classification policy.
type Gateway struct {
	client kubernetes.Interface

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// New builds a Gateway around client. readTimeout/writeTimeout default to
// 10s/15s if zero.
func New(client kubernetes.Interface, readTimeout, writeTimeout time.Duration) *Gateway {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &Gateway{client: client, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// conflictBackoff is the retry schedule for optimistic-concurrency failures:
// up to 3 retries, a 4th conflict surfaces as Conflict.
var conflictBackoff = []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1800 * time.Millisecond}

// transientBackoff is a jittered exponential backoff capped at 30s total,
// for 5xx/connection-reset/timeout errors.
var transientBackoff = wait.Backoff{
	Duration: 250 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.2,
	Steps:    7, // 6 sleeps of 250ms..8s (250ms*2^5), ~16s before jitter, within the 30s budget.
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsNotFound(err) {
		return errs.New(errs.KindNotFound, op, err)
	}
	if apierrors.IsConflict(err) {
		return errs.New(errs.KindConflict, op, err)
	}
	if isTransient(err) {
		return errs.New(errs.KindTransient, op, err)
	}
	return err
}

func isTransient(err error) bool {
	return apierrors.IsInternalError(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsServiceUnavailable(err)
}

// withTransientRetry runs fn, retrying on Transient classification with
// jittered exponential backoff. NotFound and Conflict are never retried
// here; conflict retry is the caller's responsibility via re-read.
func withTransientRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, transientBackoff, func(ctx context.Context) (bool, error) {
		lastErr = fn()
		classified := classify(op, lastErr)
		if classified == nil {
			return true, nil
		}
		if errs.Is(classified, errs.KindTransient) {
			return false, nil
		}
		return false, classified
	})
	if err != nil {
		if lastErr != nil {
			return classify(op, lastErr)
		}
		return classify(op, err)
	}
	return nil
}

// ListNamespaces returns every namespace in the cluster; callers intersect
// the result with configured match rules.
func (g *Gateway) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()
	var list *corev1.NamespaceList
	err := withTransientRetry(ctx, "k8sgateway.ListNamespaces", func() error {
		var err error
		list, err = g.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetNamespace fetches a single namespace.
func (g *Gateway) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()
	var ns *corev1.Namespace
	err := withTransientRetry(ctx, "k8sgateway.GetNamespace", func() error {
		var err error
		ns, err = g.client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return ns, err
}

// PatchAnnotations JSON-merge-patches the given annotations onto namespace
// name, retrying on conflict up to 3 times with the {200ms, 600ms, 1.8s}
// schedule. A 4th conflict surfaces as Conflict.
func (g *Gateway) PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error {
	patch := struct {
		Metadata struct {
			Annotations map[string]string `json:"annotations"`
		} `json:"metadata"`
	}{}
	patch.Metadata.Annotations = annotations
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= len(conflictBackoff); attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, g.writeTimeout)
		_, err := g.client.CoreV1().Namespaces().Patch(writeCtx, name, types.MergePatchType, body, metav1.PatchOptions{})
		cancel()
		classified := classify("k8sgateway.PatchAnnotations", err)
		if classified == nil {
			return nil
		}
		if !errs.Is(classified, errs.KindConflict) {
			return classified
		}
		lastErr = classified
		if attempt < len(conflictBackoff) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(conflictBackoff[attempt]):
			}
		}
	}
	return lastErr
}

// DeleteNamespace issues a foreground-cascade delete.
func (g *Gateway) DeleteNamespace(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	policy := metav1.DeletePropagationForeground
	err := g.client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	return classify("k8sgateway.DeleteNamespace", err)
}

// ListJobs returns the Job children of a namespace owned by this system.
func (g *Gateway) ListJobs(ctx context.Context, namespace string, labelSelector string) ([]batchv1.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()
	var list *batchv1.JobList
	err := withTransientRetry(ctx, "k8sgateway.ListJobs", func() error {
		var err error
		list, err = g.client.BatchV1().Jobs(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// CreateJob creates a one-shot Job in namespace.
func (g *Gateway) CreateJob(ctx context.Context, namespace string, job *batchv1.Job) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	_, err := g.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	return classify("k8sgateway.CreateJob", err)
}

// DeleteJob deletes a Job and its pods (foreground).
func (g *Gateway) DeleteJob(ctx context.Context, namespace, name string) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	policy := metav1.DeletePropagationForeground
	err := g.client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	return classify("k8sgateway.DeleteJob", err)
}

// ListCronJobs returns the CronJob children of a namespace owned by this
// system.
func (g *Gateway) ListCronJobs(ctx context.Context, namespace string, labelSelector string) ([]batchv1.CronJob, error) {
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()
	var list *batchv1.CronJobList
	err := withTransientRetry(ctx, "k8sgateway.ListCronJobs", func() error {
		var err error
		list, err = g.client.BatchV1().CronJobs(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// CreateCronJob creates a CronJob in namespace.
func (g *Gateway) CreateCronJob(ctx context.Context, namespace string, cj *batchv1.CronJob) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	_, err := g.client.BatchV1().CronJobs(namespace).Create(ctx, cj, metav1.CreateOptions{})
	return classify("k8sgateway.CreateCronJob", err)
}

// DeleteCronJob deletes a CronJob.
func (g *Gateway) DeleteCronJob(ctx context.Context, namespace, name string) error {
	ctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
	defer cancel()
	err := g.client.BatchV1().CronJobs(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	return classify("k8sgateway.DeleteCronJob", err)
}
