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

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/k8sgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Gateway is the subset of k8sgateway.Gateway the scheduler needs; declared
// as an interface so tests can substitute an in-memory fake without
// standing up a fake clientset.
type Gateway interface {
	ListJobs(ctx context.Context, namespace, labelSelector string) ([]batchv1.Job, error)
	CreateJob(ctx context.Context, namespace string, job *batchv1.Job) error
	DeleteJob(ctx context.Context, namespace, name string) error
	ListCronJobs(ctx context.Context, namespace, labelSelector string) ([]batchv1.CronJob, error)
	CreateCronJob(ctx context.Context, namespace string, cj *batchv1.CronJob) error
	DeleteCronJob(ctx context.Context, namespace, name string) error
}

var _ Gateway = (*k8sgateway.Gateway)(nil)

// LabelSelector matches every child job this system has ever created,
// regardless of action.
const LabelSelector = "app.kubernetes.io/managed-by=namespace-manager"

const renderedSpecAnnotation = nsrecord.AnnotationPrefix + "rendered-spec"

// Scheduler reconciles one (namespace, task) pair's child workload.
type Scheduler struct {
	gw             Gateway
	controllerNS   string
	serviceAccount string
	image          string
	configSecret   string
	configPath     string
}

// New constructs a Scheduler. Child jobs are created in the controller's own
// namespace (the context.namespace config field), never in the target.
func New(gw Gateway, ctx config.Context) *Scheduler {
	return &Scheduler{
		gw:             gw,
		controllerNS:   ctx.Namespace,
		serviceAccount: ctx.ServiceAccount,
		image:          ctx.Image,
		configSecret:   ctx.ConfigSecret,
		configPath:     ctx.ConfigPath,
	}
}

// ParseSchedule parses a cron expression using the standard 5-field format.
// The Collect Controller uses the returned Schedule's Next(now) to compute
// its sleep deadline across all configured tasks.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Reconcile ensures a Job (task.Schedule == "") or CronJob (otherwise)
// exists for (namespace, kind) with the current rendered spec:
// delete-and-recreate on drift, recreate if missing, garbage collect if the
// rule no longer matches.
func (s *Scheduler) Reconcile(ctx context.Context, namespace string, kind config.TaskKind, task config.TaskConfig, ruleStillMatches bool) error {
	name := ChildJobName(kind, namespace)
	rendered, err := RenderPodSpecDocument(TemplateData{
		TargetNamespace: namespace,
		Action:          kind,
		Image:           s.image,
		ServiceAccount:  s.serviceAccount,
		ConfigSecret:    s.configSecret,
		ConfigPath:      s.configPath,
	})
	if err != nil {
		return err
	}

	if task.Schedule != "" {
		return s.reconcileCronJob(ctx, namespace, kind, name, task, rendered, ruleStillMatches)
	}
	return s.reconcileJob(ctx, namespace, kind, name, task, rendered, ruleStillMatches)
}

// GCOrphans deletes child Jobs and CronJobs whose (target namespace, task
// kind) is no longer wanted: the namespace was deleted, rules were
// re-ordered, or the rule dropped the task. stillWanted reports whether a
// pair is currently configured. Deletion goes through Reconcile with
// ruleStillMatches=false so orphan cleanup and regular reconciliation share
// one code path.
func (s *Scheduler) GCOrphans(ctx context.Context, stillWanted func(namespace string, kind config.TaskKind) bool) error {
	jobs, err := s.gw.ListJobs(ctx, s.controllerNS, LabelSelector)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	for _, j := range jobs {
		target := j.Annotations[nsrecord.ChildJobAnnotationNamespace]
		kind := config.TaskKind(j.Annotations[nsrecord.ChildJobAnnotationAction])
		if target == "" || stillWanted(target, kind) {
			continue
		}
		if err := s.Reconcile(ctx, target, kind, config.TaskConfig{}, false); err != nil {
			return err
		}
	}

	cronJobs, err := s.gw.ListCronJobs(ctx, s.controllerNS, LabelSelector)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	for _, cj := range cronJobs {
		target := cj.Annotations[nsrecord.ChildJobAnnotationNamespace]
		kind := config.TaskKind(cj.Annotations[nsrecord.ChildJobAnnotationAction])
		if target == "" || stillWanted(target, kind) {
			continue
		}
		if err := s.Reconcile(ctx, target, kind, config.TaskConfig{Schedule: cj.Spec.Schedule}, false); err != nil {
			return err
		}
	}
	return nil
}

func labelsFor(kind config.TaskKind, namespace string) map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by":       "namespace-manager",
		"app.kubernetes.io/name":             string(kind),
		nsrecord.AnnotationPrefix + "target": namespace,
	}
}

func annotationsFor(kind config.TaskKind, namespace, rendered string) map[string]string {
	return map[string]string{
		nsrecord.ChildJobAnnotationAction:    string(kind),
		nsrecord.ChildJobAnnotationNamespace: namespace,
		renderedSpecAnnotation:               rendered,
	}
}

func (s *Scheduler) reconcileJob(ctx context.Context, targetNamespace string, kind config.TaskKind, name string, task config.TaskConfig, rendered string, ruleStillMatches bool) error {
	existing, err := findByName(ctx, s.gw, s.controllerNS, name)
	if err != nil {
		return err
	}

	if !ruleStillMatches {
		if existing != nil {
			return s.gw.DeleteJob(ctx, s.controllerNS, name)
		}
		return nil
	}

	if existing != nil {
		if existing.Annotations[renderedSpecAnnotation] == rendered {
			return nil // up to date
		}
		if err := s.gw.DeleteJob(ctx, s.controllerNS, name); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	}

	job := s.buildJob(name, targetNamespace, kind, task, rendered)
	err = s.gw.CreateJob(ctx, s.controllerNS, job)
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (s *Scheduler) reconcileCronJob(ctx context.Context, targetNamespace string, kind config.TaskKind, name string, task config.TaskConfig, rendered string, ruleStillMatches bool) error {
	existing, err := findCronByName(ctx, s.gw, s.controllerNS, name)
	if err != nil {
		return err
	}

	if !ruleStillMatches {
		if existing != nil {
			return s.gw.DeleteCronJob(ctx, s.controllerNS, name)
		}
		return nil
	}

	if existing != nil {
		if existing.Annotations[renderedSpecAnnotation] == rendered && existing.Spec.Schedule == task.Schedule {
			return nil
		}
		if err := s.gw.DeleteCronJob(ctx, s.controllerNS, name); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
	}

	cj := s.buildCronJob(name, targetNamespace, kind, task, rendered)
	err = s.gw.CreateCronJob(ctx, s.controllerNS, cj)
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func findByName(ctx context.Context, gw Gateway, ns, name string) (*batchv1.Job, error) {
	jobs, err := gw.ListJobs(ctx, ns, LabelSelector)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range jobs {
		if jobs[i].Name == name {
			return &jobs[i], nil
		}
	}
	return nil, nil
}

func findCronByName(ctx context.Context, gw Gateway, ns, name string) (*batchv1.CronJob, error) {
	cjs, err := gw.ListCronJobs(ctx, ns, LabelSelector)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for i := range cjs {
		if cjs[i].Name == name {
			return &cjs[i], nil
		}
	}
	return nil, nil
}

func (s *Scheduler) buildJob(name, targetNamespace string, kind config.TaskKind, task config.TaskConfig, rendered string) *batchv1.Job {
	backoff := task.BackoffLimit
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labelsFor(kind, targetNamespace),
			Annotations: annotationsFor(kind, targetNamespace, rendered),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoff,
			Template:     s.podTemplate(name, targetNamespace, kind),
		},
	}
}

func (s *Scheduler) buildCronJob(name, targetNamespace string, kind config.TaskKind, task config.TaskConfig, rendered string) *batchv1.CronJob {
	backoff := task.BackoffLimit
	successLimit := task.SuccessfulJobsHistoryLimit
	failedLimit := task.FailedJobsHistoryLimit
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      labelsFor(kind, targetNamespace),
			Annotations: annotationsFor(kind, targetNamespace, rendered),
		},
		Spec: batchv1.CronJobSpec{
			Schedule:                   task.Schedule,
			ConcurrencyPolicy:          batchv1.ConcurrencyPolicy(concurrencyPolicyOrDefault(task.ConcurrencyPolicy)),
			SuccessfulJobsHistoryLimit: &successLimit,
			FailedJobsHistoryLimit:     &failedLimit,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labelsFor(kind, targetNamespace),
					Annotations: annotationsFor(kind, targetNamespace, rendered),
				},
				Spec: batchv1.JobSpec{
					BackoffLimit: &backoff,
					Template:     s.podTemplate(name, targetNamespace, kind),
				},
			},
		},
	}
}

func concurrencyPolicyOrDefault(p string) string {
	if p == "" {
		return string(batchv1.ForbidConcurrent)
	}
	return p
}

func (s *Scheduler) podTemplate(name, targetNamespace string, kind config.TaskKind) corev1.PodTemplateSpec {
	args := []string{
		fmt.Sprintf("--action=%s", kind),
		fmt.Sprintf("--target-namespace=%s", targetNamespace),
	}
	if s.configSecret != "" {
		args = append(args, fmt.Sprintf("--config-secret=%s", s.configSecret))
	}
	if s.configPath != "" {
		args = append(args, fmt.Sprintf("--config-path=%s", s.configPath))
	}
	return corev1.PodTemplateSpec{
		ObjectMeta: metav1.ObjectMeta{
			Labels: labelsFor(kind, targetNamespace),
		},
		Spec: corev1.PodSpec{
			ServiceAccountName: s.serviceAccount,
			RestartPolicy:      corev1.RestartPolicyOnFailure,
			Containers: []corev1.Container{
				{
					Name:  "task",
					Image: s.image,
					Args:  args,
				},
			},
		},
	}
}
