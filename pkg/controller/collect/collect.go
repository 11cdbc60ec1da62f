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

// Package collect implements the Collect Controller: on every pass it lists
// namespaces matched by configuration, fans out to classify each one's
// health, advances the state machine, writes the result back as annotations,
// and reconciles that namespace's scheduled check/owner-lookup child jobs.
package collect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ska-telescope/ska-namespace-manager/pkg/classifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/k8sgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/leaderelection"
	"github.com/ska-telescope/ska-namespace-manager/pkg/metrics"
	"github.com/ska-telescope/ska-namespace-manager/pkg/notifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
	"github.com/ska-telescope/ska-namespace-manager/pkg/promgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/scheduler"
	"github.com/ska-telescope/ska-namespace-manager/pkg/statemachine"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
)

// defaultConcurrency bounds the per-pass fan-out.
const defaultConcurrency = 16

// defaultPassBudget is the duration after which a pass logs a saturation
// warning rather than aborting.
const defaultPassBudget = 60 * time.Second

// defaultPollInterval bounds how long a pass sleeps when no rule's cron
// schedule fires sooner.
const defaultPollInterval = 30 * time.Second

// KubeGateway is the subset of *k8sgateway.Gateway the Collect Controller
// needs.
type KubeGateway interface {
	ListNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error
	FetchWorkloadSnapshot(ctx context.Context, namespace string) (k8sgateway.WorkloadSnapshot, error)
}

var _ KubeGateway = (*k8sgateway.Gateway)(nil)

// PromGateway is the subset of *promgateway.Gateway the Collect Controller
// needs.
type PromGateway interface {
	QueryFiringAlerts(ctx context.Context, namespaces []string) promgateway.QueryResult
}

var _ PromGateway = (*promgateway.Gateway)(nil)

// Scheduler is the subset of *scheduler.Scheduler the Collect Controller
// needs: Reconcile once per configured task kind for each matched namespace,
// GCOrphans once per pass to sweep children whose namespace or rule is gone.
type Scheduler interface {
	Reconcile(ctx context.Context, namespace string, kind config.TaskKind, task config.TaskConfig, ruleStillMatches bool) error
	GCOrphans(ctx context.Context, stillWanted func(namespace string, kind config.TaskKind) bool) error
}

// collectTaskKinds are the task kinds the Collect Controller itself
// schedules. Deletion and notification dispatch belong to the Action
// Controller.
var collectTaskKinds = []config.TaskKind{config.TaskCheckNamespace, config.TaskGetOwnerInfo}

// Controller runs the leader-gated collection pass.
type Controller struct {
	logger  log.Logger
	clock   clock.Clock
	kube    KubeGateway
	prom    PromGateway
	sched   Scheduler
	cfg     *config.Config
	metrics *metrics.Metrics
	arbiter *leaderelection.Arbiter
	audit   *notifier.Auditor

	concurrency int
	passBudget  time.Duration
}

// New constructs a Controller. audit may be nil to disable transition audit
// lines.
func New(logger log.Logger, c clock.Clock, kube KubeGateway, prom PromGateway, sched Scheduler, cfg *config.Config, m *metrics.Metrics, arbiter *leaderelection.Arbiter, audit *notifier.Auditor) *Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if audit == nil {
		audit = notifier.NewAuditor(nil)
	}
	return &Controller{
		logger:      logger,
		clock:       c,
		kube:        kube,
		prom:        prom,
		sched:       sched,
		cfg:         cfg,
		metrics:     m,
		arbiter:     arbiter,
		audit:       audit,
		concurrency: defaultConcurrency,
		passBudget:  defaultPassBudget,
	}
}

// Run loops until ctx is cancelled, executing one pass then sleeping until
// the earliest of the next cron tick across all configured tasks and the
// default poll interval. It is meant to be registered as an oklog/run actor.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := c.Pass(ctx); err != nil && !errs.Is(err, errs.KindStaleLeadership) {
			level.Error(c.logger).Log("msg", "collect pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.sleepInterval(c.clock.Now())):
		}
	}
}

// sleepInterval returns the time until the next cron tick across every
// configured task schedule, capped at defaultPollInterval. Unparseable
// schedules are skipped here; the scheduler reports them when it tries to
// materialize the CronJob.
func (c *Controller) sleepInterval(now time.Time) time.Duration {
	sleep := defaultPollInterval
	for _, rule := range c.cfg.Namespaces {
		for _, task := range rule.Tasks {
			if task.Schedule == "" {
				continue
			}
			sched, err := scheduler.ParseSchedule(task.Schedule)
			if err != nil {
				continue
			}
			if until := sched.Next(now).Sub(now); until > 0 && until < sleep {
				sleep = until
			}
		}
	}
	return sleep
}

// matched pairs a live namespace with the configuration rule that matched
// its name.
type matched struct {
	ns   corev1.Namespace
	rule config.MatchRule
}

// Pass executes one reconciliation cycle. Per-namespace failures are logged
// and do not abort the pass; only context cancellation or loss of leadership
// does.
func (c *Controller) Pass(ctx context.Context) error {
	if !c.arbiter.IsLeader() {
		return nil
	}
	start := c.clock.Now()
	passID := fmt.Sprintf("collect-%d", start.UnixNano())

	all, err := c.kube.ListNamespaces(ctx)
	if err != nil {
		return err
	}

	var matches []matched
	for _, ns := range all {
		rule, ok := c.cfg.MatchingRule(ns.Name)
		if !ok {
			continue
		}
		matches = append(matches, matched{ns: ns, rule: rule})
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.ns.Name)
	}
	promResult := c.prom.QueryFiringAlerts(ctx, names)

	var countsMu sync.Mutex
	statusCounts := map[nsrecord.Status]int{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, m := range matches {
		m := m
		g.Go(func() error {
			if !c.arbiter.WithinBudget(c.clock.Now().Sub(start)) {
				return errs.New(errs.KindStaleLeadership, "collect.Pass", nil)
			}
			status, err := c.reconcileOne(gctx, m, promResult, passID)
			if err != nil {
				if errs.Is(err, errs.KindStaleLeadership) {
					return err
				}
				level.Warn(c.logger).Log("msg", "namespace reconcile failed", "namespace", m.ns.Name, "err", err)
				return nil
			}
			countsMu.Lock()
			statusCounts[status]++
			countsMu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	if waitErr == nil {
		if err := c.gcOrphanedChildren(ctx, matches); err != nil {
			level.Warn(c.logger).Log("msg", "orphaned child job cleanup failed", "err", err)
		}
	}

	for status, n := range statusCounts {
		c.metrics.NamespacesObserved.WithLabelValues(string(status)).Set(float64(n))
	}

	elapsed := c.clock.Now().Sub(start)
	c.metrics.PassDuration.WithLabelValues("collect").Observe(elapsed.Seconds())
	if elapsed > c.passBudget {
		level.Warn(c.logger).Log("msg", "collect pass exceeded budget", "elapsed", elapsed, "budget", c.passBudget)
	}
	return waitErr
}

// gcOrphanedChildren sweeps child Jobs and CronJobs whose target namespace
// dropped out of the matched set, or whose matched rule no longer configures
// the task, so they are deleted rather than accumulating forever.
func (c *Controller) gcOrphanedChildren(ctx context.Context, matches []matched) error {
	wanted := make(map[string]map[config.TaskKind]bool, len(matches))
	for _, m := range matches {
		kinds := map[config.TaskKind]bool{}
		for _, kind := range collectTaskKinds {
			if _, ok := m.rule.Tasks[kind]; ok {
				kinds[kind] = true
			}
		}
		wanted[m.ns.Name] = kinds
	}
	return c.sched.GCOrphans(ctx, func(namespace string, kind config.TaskKind) bool {
		return wanted[namespace][kind]
	})
}

func (c *Controller) reconcileOne(ctx context.Context, m matched, promResult promgateway.QueryResult, passID string) (nsrecord.Status, error) {
	now := c.clock.Now()
	rec := nsrecord.FromNamespace(m.ns, m.rule.TTL.D(), m.rule.SettlingPeriod.D(), m.rule.GracePeriod.D())

	alerts := promResult.AlertsByNamespace[m.ns.Name]
	in := classifier.Input{
		Namespace: rec,
		Alerts:    alerts,
		Now:       now,
	}
	// A failed query and a query with nothing for this namespace both fall
	// back to Kubernetes-derived signals.
	if len(alerts) == 0 {
		snap, err := c.kube.FetchWorkloadSnapshot(ctx, m.ns.Name)
		if err != nil {
			if !errs.Is(err, errs.KindNotFound) {
				return "", err
			}
		} else {
			in.FallbackWorkloads = classifier.BuildFallbackObservations(snap.ToClassifier(), rec.SettlingPeriod, now)
		}
	}

	result := classifier.Classify(in)
	outcome := statemachine.Next(rec.Status, rec.StatusSince, now, result, rec.FailingResources, statemachine.Params{
		UnstableToFailing: rec.SettlingPeriod,
		GracePeriod:       rec.GracePeriod,
	})

	if outcome.Changed {
		oldStatus := rec.Status
		c.metrics.TransitionsTotal.WithLabelValues(string(oldStatus), string(outcome.Next)).Inc()
		rec.Status = outcome.Next
		rec.StatusSince = now
		rec.StatusLastSeen = now
		c.audit.Record(nsrecord.Transition{
			Namespace: m.ns.Name,
			Old:       oldStatus,
			New:       outcome.Next,
			At:        now,
		}, passID)
	} else if outcome.RefreshLastSeen {
		rec.StatusLastSeen = now
	}
	rec.FailingResources = outcome.FailingResources

	if err := c.kube.PatchAnnotations(ctx, m.ns.Name, rec.ToAnnotations()); err != nil {
		return "", err
	}

	for _, kind := range collectTaskKinds {
		task, ok := m.rule.Tasks[kind]
		if !ok {
			continue
		}
		if err := c.sched.Reconcile(ctx, m.ns.Name, kind, task, true); err != nil {
			level.Warn(c.logger).Log("msg", "task reconcile failed", "namespace", m.ns.Name, "task", kind, "err", err)
		}
	}

	return rec.Status, nil
}
