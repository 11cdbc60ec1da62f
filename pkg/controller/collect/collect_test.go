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

package collect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/k8sgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/leaderelection"
	"github.com/ska-telescope/ska-namespace-manager/pkg/metrics"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
	"github.com/ska-telescope/ska-namespace-manager/pkg/promgateway"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type fakeKube struct {
	mu          sync.Mutex
	namespaces  []corev1.Namespace
	annotations map[string]map[string]string
}

func (f *fakeKube) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	return f.namespaces, nil
}

func (f *fakeKube) PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.annotations == nil {
		f.annotations = map[string]map[string]string{}
	}
	merged := map[string]string{}
	for k, v := range f.annotations[name] {
		merged[k] = v
	}
	for k, v := range annotations {
		merged[k] = v
	}
	f.annotations[name] = merged
	return nil
}

func (f *fakeKube) FetchWorkloadSnapshot(ctx context.Context, namespace string) (k8sgateway.WorkloadSnapshot, error) {
	return k8sgateway.WorkloadSnapshot{}, nil
}

type fakeProm struct {
	result promgateway.QueryResult
}

func (f *fakeProm) QueryFiringAlerts(ctx context.Context, namespaces []string) promgateway.QueryResult {
	return f.result
}

type fakeScheduler struct {
	mu          sync.Mutex
	calls       int
	gcCalls     int
	stillWanted func(namespace string, kind config.TaskKind) bool
}

func (f *fakeScheduler) Reconcile(ctx context.Context, namespace string, kind config.TaskKind, task config.TaskConfig, ruleStillMatches bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeScheduler) GCOrphans(ctx context.Context, stillWanted func(namespace string, kind config.TaskKind) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcCalls++
	f.stillWanted = stillWanted
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Namespaces: []config.MatchRule{
			{
				Name:           "ci",
				NameGlobs:      []string{"ci-*"},
				TTL:            config.Duration(time.Hour),
				SettlingPeriod: config.Duration(time.Minute),
				GracePeriod:    config.Duration(time.Minute),
				Tasks: map[config.TaskKind]config.TaskConfig{
					config.TaskCheckNamespace: {Schedule: "*/5 * * * *"},
				},
			},
		},
	}
}

func newArbiter(t *testing.T) *leaderelection.Arbiter {
	t.Helper()
	a, err := leaderelection.New(nil, clock.NewFake(time.Now()), t.TempDir()+"/lease.json", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestPassSkipsUnmatchedNamespaces(t *testing.T) {
	now := time.Now().UTC()
	kube := &fakeKube{namespaces: []corev1.Namespace{
		{ObjectMeta: metav1.ObjectMeta{Name: "other-ns", CreationTimestamp: metav1.NewTime(now.Add(-2 * time.Hour))}},
	}}
	prom := &fakeProm{result: promgateway.QueryResult{OK: true}}
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, prom, sched, testConfig(t), m, arbiter, nil)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(kube.annotations) != 0 {
		t.Fatalf("expected no annotations written for unmatched namespace, got %v", kube.annotations)
	}
	if sched.calls != 0 {
		t.Fatalf("expected no scheduler calls for unmatched namespace")
	}
}

func TestPassClassifiesAndAnnotatesMatchedNamespace(t *testing.T) {
	now := time.Now().UTC()
	kube := &fakeKube{namespaces: []corev1.Namespace{
		{ObjectMeta: metav1.ObjectMeta{Name: "ci-build-123", CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute))}},
	}}
	prom2 := &fakeProm{result: promgateway.QueryResult{OK: true}}
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, prom2, sched, testConfig(t), m, arbiter, nil)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	ann, ok := kube.annotations["ci-build-123"]
	if !ok {
		t.Fatal("expected annotations written for matched namespace")
	}
	if ann[nsrecord.AnnotationStatus] != string(nsrecord.StatusOK) {
		t.Fatalf("expected OK status, got %q", ann[nsrecord.AnnotationStatus])
	}
	if sched.calls != 1 {
		t.Fatalf("expected one scheduler call for the configured check-namespace task, got %d", sched.calls)
	}
}

func TestPassNoopWhenNotLeader(t *testing.T) {
	now := time.Now().UTC()
	kube := &fakeKube{namespaces: []corev1.Namespace{
		{ObjectMeta: metav1.ObjectMeta{Name: "ci-build-123", CreationTimestamp: metav1.NewTime(now.Add(-2 * time.Hour))}},
	}}
	prom := &fakeProm{result: promgateway.QueryResult{OK: true}}
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a, err := leaderelection.New(nil, clock.NewFake(now), t.TempDir()+"/lease.json", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// Never call Acquire: this replica is not leading.

	c := New(nil, clock.NewFake(now), kube, prom, sched, testConfig(t), m, a, nil)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(kube.annotations) != 0 {
		t.Fatal("expected no work done while not leading")
	}
}

func TestSleepIntervalHonorsNextCronTick(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 4, 40, 0, time.UTC) // next */5 tick in 20s
	kube := &fakeKube{}
	prom := &fakeProm{}
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := New(nil, clock.NewFake(now), kube, prom, sched, testConfig(t), m, newArbiter(t), nil)
	if got := c.sleepInterval(now); got != 20*time.Second {
		t.Fatalf("want 20s until the next */5 cron tick, got %v", got)
	}

	noCron := testConfig(t)
	noCron.Namespaces[0].Tasks = map[config.TaskKind]config.TaskConfig{config.TaskGetOwnerInfo: {}}
	c2 := New(nil, clock.NewFake(now), kube, prom, sched, noCron, m, newArbiter(t), nil)
	if got := c2.sleepInterval(now); got != defaultPollInterval {
		t.Fatalf("want the default poll interval with no schedules, got %v", got)
	}
}

func TestPassSweepsOrphanedChildren(t *testing.T) {
	now := time.Now().UTC()
	kube := &fakeKube{namespaces: []corev1.Namespace{
		{ObjectMeta: metav1.ObjectMeta{Name: "ci-build-123", CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute))}},
	}}
	prom := &fakeProm{result: promgateway.QueryResult{OK: true}}
	sched := &fakeScheduler{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := New(nil, clock.NewFake(now), kube, prom, sched, testConfig(t), m, newArbiter(t), nil)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sched.gcCalls != 1 {
		t.Fatalf("expected one orphan sweep per pass, got %d", sched.gcCalls)
	}
	if !sched.stillWanted("ci-build-123", config.TaskCheckNamespace) {
		t.Fatal("matched namespace's configured task must be wanted")
	}
	if sched.stillWanted("ci-build-123", config.TaskGetOwnerInfo) {
		t.Fatal("task kind the rule does not configure must be unwanted")
	}
	if sched.stillWanted("ci-gone", config.TaskCheckNamespace) {
		t.Fatal("namespace no longer matched by any rule must be unwanted")
	}
}

func TestErrsIsRecognisesStaleLeadership(t *testing.T) {
	if !errs.Is(errs.New(errs.KindStaleLeadership, "x", nil), errs.KindStaleLeadership) {
		t.Fatal("sanity check for errs.Is failed")
	}
}
