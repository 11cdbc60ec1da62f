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

// Package action implements the Action Controller: it enforces TTL and
// terminal-status deletion, dispatches owner notifications for unprocessed
// transitions, and garbage-collects finished child jobs.
package action

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/k8sgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/leaderelection"
	"github.com/ska-telescope/ska-namespace-manager/pkg/metrics"
	"github.com/ska-telescope/ska-namespace-manager/pkg/notifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
	"github.com/ska-telescope/ska-namespace-manager/pkg/scheduler"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
)

// defaultDeleteTimeout is the window within which a foreground namespace
// delete must confirm before one retry is issued.
const defaultDeleteTimeout = 5 * time.Minute

// defaultPollInterval bounds the Action Controller's own loop cadence.
const defaultPollInterval = 30 * time.Second

// KubeGateway is the subset of *k8sgateway.Gateway the Action Controller
// needs.
type KubeGateway interface {
	ListNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error)
	PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error
	DeleteNamespace(ctx context.Context, name string) error
	ListJobs(ctx context.Context, namespace, labelSelector string) ([]batchv1.Job, error)
	DeleteJob(ctx context.Context, namespace, name string) error
}

var _ KubeGateway = (*k8sgateway.Gateway)(nil)

// Controller runs the leader-gated deletion, notification, and garbage
// collection pass.
type Controller struct {
	logger  log.Logger
	clock   clock.Clock
	kube    KubeGateway
	notify  *notifier.Notifier
	cfg     *config.Config
	metrics *metrics.Metrics
	arbiter *leaderelection.Arbiter

	deleteTimeout time.Duration

	// pendingDeletes tracks namespaces this replica has already annotated
	// TERMINATING and is waiting to confirm deleted, keyed by namespace
	// name. It does not need to survive a restart: on restart a namespace
	// still in TERMINATING is picked up again from its annotation.
	pendingDeletes map[string]*pendingDelete
}

// pendingDelete is the confirmation state for one issued namespace delete:
// one unconfirmed timeout earns a single retry, a second earns DeleteStuck.
type pendingDelete struct {
	issuedAt time.Time
	retried  bool
	stuck    bool
}

// New constructs a Controller.
func New(logger log.Logger, c clock.Clock, kube KubeGateway, notify *notifier.Notifier, cfg *config.Config, m *metrics.Metrics, arbiter *leaderelection.Arbiter) *Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Controller{
		logger:         logger,
		clock:          c,
		kube:           kube,
		notify:         notify,
		cfg:            cfg,
		metrics:        m,
		arbiter:        arbiter,
		deleteTimeout:  defaultDeleteTimeout,
		pendingDeletes: map[string]*pendingDelete{},
	}
}

// Run loops until ctx is cancelled. It is meant to be registered as an
// oklog/run actor alongside the Collect Controller's Run.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.Pass(ctx); err != nil && !errs.Is(err, errs.KindStaleLeadership) {
			level.Error(c.logger).Log("msg", "action pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultPollInterval):
		}
	}
}

// Pass executes one enforcement cycle: deletion, notification, and child-job
// garbage collection. Per-namespace failures are logged and do not abort the
// pass.
func (c *Controller) Pass(ctx context.Context) error {
	if !c.arbiter.IsLeader() {
		return nil
	}
	start := c.clock.Now()

	all, err := c.kube.ListNamespaces(ctx)
	if err != nil {
		return err
	}

	for _, ns := range all {
		if !c.arbiter.WithinBudget(c.clock.Now().Sub(start)) {
			return errs.New(errs.KindStaleLeadership, "action.Pass", nil)
		}
		rule, ok := c.cfg.MatchingRule(ns.Name)
		if !ok {
			continue
		}
		rec := nsrecord.FromNamespace(ns, rule.TTL.D(), rule.SettlingPeriod.D(), rule.GracePeriod.D())

		if err := c.enforceDeletion(ctx, rec); err != nil {
			level.Warn(c.logger).Log("msg", "deletion enforcement failed", "namespace", ns.Name, "err", err)
		}
		if err := c.dispatchNotification(ctx, rec); err != nil {
			level.Warn(c.logger).Log("msg", "notification dispatch failed", "namespace", ns.Name, "err", err)
		}
	}

	if err := c.gcChildJobs(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "child job garbage collection failed", "err", err)
	}

	c.metrics.PassDuration.WithLabelValues("action").Observe(c.clock.Now().Sub(start).Seconds())
	return nil
}

// enforceDeletion annotates namespaces that are FAILED, STALE, or past their
// TTL deadline as TERMINATING, foreground-deletes them, and watches for
// confirmation within deleteTimeout.
func (c *Controller) enforceDeletion(ctx context.Context, rec nsrecord.Namespace) error {
	now := c.clock.Now()
	if rec.Status == nsrecord.StatusTerminating {
		return c.confirmDeletion(ctx, rec, now)
	}

	ttlExceeded := !rec.CreatedAt.IsZero() && now.Sub(rec.CreatedAt) > rec.TTL
	if rec.Status != nsrecord.StatusFailed && rec.Status != nsrecord.StatusStale && !ttlExceeded {
		return nil
	}

	if err := c.kube.PatchAnnotations(ctx, rec.Name, map[string]string{
		nsrecord.AnnotationStatus:      string(nsrecord.StatusTerminating),
		nsrecord.AnnotationStatusSince: now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := c.kube.DeleteNamespace(ctx, rec.Name); err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}
		return err
	}
	c.metrics.DeletesTotal.WithLabelValues(deletionReason(rec, ttlExceeded)).Inc()
	c.pendingDeletes[rec.Name] = &pendingDelete{issuedAt: now}
	return nil
}

func deletionReason(rec nsrecord.Namespace, ttlExceeded bool) string {
	switch {
	case rec.Status == nsrecord.StatusFailed:
		return "failed"
	case rec.Status == nsrecord.StatusStale || ttlExceeded:
		return "ttl_exceeded"
	default:
		return "unknown"
	}
}

// confirmDeletion checks whether a namespace already annotated TERMINATING
// has actually been removed from the API server. If the delete_timeout has
// elapsed without confirmation, it retries the delete once; a second
// unconfirmed timeout surfaces DeleteStuck.
func (c *Controller) confirmDeletion(ctx context.Context, rec nsrecord.Namespace, now time.Time) error {
	_, err := c.kube.GetNamespace(ctx, rec.Name)
	if errs.Is(err, errs.KindNotFound) {
		delete(c.pendingDeletes, rec.Name)
		return nil
	}
	if err != nil {
		return err
	}

	pending, tracked := c.pendingDeletes[rec.Name]
	if !tracked {
		// Replica restarted mid-delete; start the clock now rather than
		// assume it just timed out.
		c.pendingDeletes[rec.Name] = &pendingDelete{issuedAt: now}
		return nil
	}
	if pending.stuck || now.Sub(pending.issuedAt) < c.deleteTimeout {
		return nil
	}

	if !pending.retried {
		level.Warn(c.logger).Log("msg", "namespace delete did not confirm within delete_timeout, retrying once", "namespace", rec.Name, "issued_at", pending.issuedAt)
		if err := c.kube.DeleteNamespace(ctx, rec.Name); err != nil && !errs.Is(err, errs.KindNotFound) {
			return err
		}
		pending.issuedAt = now
		pending.retried = true
		return nil
	}

	// The retry didn't confirm either; record it and stop hammering the
	// API server. The metric and annotation are the operator's signal.
	if err := c.kube.PatchAnnotations(ctx, rec.Name, map[string]string{
		nsrecord.AnnotationDeleteStuck: now.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	c.metrics.DeleteStuckTotal.Inc()
	pending.stuck = true
	level.Warn(c.logger).Log("msg", "namespace delete stuck after retry", "namespace", rec.Name, "issued_at", pending.issuedAt)
	return nil
}

// dispatchNotification hands every unprocessed transition (tracked here as
// "current status not yet recorded in notified_for") to the Notifier; on
// success the status is added to notified_for and persisted.
func (c *Controller) dispatchNotification(ctx context.Context, rec nsrecord.Namespace) error {
	if rec.NotifiedFor[rec.Status] {
		return nil
	}
	t := nsrecord.Transition{Namespace: rec.Name, Old: rec.Status, New: rec.Status, At: c.clock.Now()}
	sent, err := c.notify.Notify(ctx, t, rec.Owner)
	if err != nil {
		return err
	}
	if !sent {
		return nil
	}
	c.metrics.NotificationsTotal.WithLabelValues(string(rec.Status)).Inc()
	rec.NotifiedFor[rec.Status] = true
	return c.kube.PatchAnnotations(ctx, rec.Name, rec.ToAnnotations())
}

// defaultHistoryLimit matches client-go's CronJob default for whichever of
// successful/failed history limit a rule leaves unset.
const defaultHistoryLimit int32 = 3

// gcChildJobs retains one-shot check-namespace and get-owner-info child Jobs
// up to each matched rule's successful/failed history limit, newest first;
// the rest are deleted.
// CronJob-scheduled tasks are excluded: Kubernetes itself prunes CronJob
// children via successfulJobsHistoryLimit/failedJobsHistoryLimit.
func (c *Controller) gcChildJobs(ctx context.Context) error {
	jobs, err := c.kube.ListJobs(ctx, c.cfg.Context.Namespace, scheduler.LabelSelector)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}
		return err
	}

	type groupKey struct {
		namespace string
		kind      config.TaskKind
	}
	type group struct {
		succeeded []batchv1.Job
		failed    []batchv1.Job
	}
	groups := map[groupKey]*group{}
	for _, job := range jobs {
		if job.Status.CompletionTime == nil && job.Status.Failed == 0 {
			continue // still running
		}
		targetNS := job.Annotations[nsrecord.ChildJobAnnotationNamespace]
		kind := config.TaskKind(job.Annotations[nsrecord.ChildJobAnnotationAction])
		if kind != config.TaskCheckNamespace && kind != config.TaskGetOwnerInfo {
			continue
		}
		rule, ok := c.cfg.MatchingRule(targetNS)
		if !ok {
			continue
		}
		task, ok := rule.Tasks[kind]
		if !ok || task.Schedule != "" {
			continue
		}
		key := groupKey{namespace: targetNS, kind: kind}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		if job.Status.Failed > 0 {
			g.failed = append(g.failed, job)
		} else {
			g.succeeded = append(g.succeeded, job)
		}
	}

	for key, g := range groups {
		rule, _ := c.cfg.MatchingRule(key.namespace)
		task := rule.Tasks[key.kind]

		successLimit := task.SuccessfulJobsHistoryLimit
		if successLimit <= 0 {
			successLimit = defaultHistoryLimit
		}
		failedLimit := task.FailedJobsHistoryLimit
		if failedLimit <= 0 {
			failedLimit = defaultHistoryLimit
		}

		if err := c.pruneOverLimit(ctx, g.succeeded, successLimit); err != nil {
			return err
		}
		if err := c.pruneOverLimit(ctx, g.failed, failedLimit); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) pruneOverLimit(ctx context.Context, jobs []batchv1.Job, limit int32) error {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreationTimestamp.Time.After(jobs[j].CreationTimestamp.Time)
	})
	if int32(len(jobs)) <= limit {
		return nil
	}
	for _, job := range jobs[limit:] {
		if err := c.kube.DeleteJob(ctx, c.cfg.Context.Namespace, job.Name); err != nil && !errs.Is(err, errs.KindNotFound) {
			return err
		}
	}
	return nil
}
