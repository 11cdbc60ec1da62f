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

package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/leaderelection"
	"github.com/ska-telescope/ska-namespace-manager/pkg/metrics"
	"github.com/ska-telescope/ska-namespace-manager/pkg/notifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type fakeKube struct {
	mu          sync.Mutex
	namespaces  map[string]corev1.Namespace
	deleted     map[string]bool
	annotated   map[string]map[string]string
	jobs        []batchv1.Job
	deletedJob  []string
	deleteCalls map[string]int
	// undeletable namespaces accept the delete call but never go away,
	// simulating a finalizer wedging foreground deletion.
	undeletable map[string]bool
}

func newFakeKube() *fakeKube {
	return &fakeKube{
		namespaces:  map[string]corev1.Namespace{},
		deleted:     map[string]bool{},
		annotated:   map[string]map[string]string{},
		deleteCalls: map[string]int{},
		undeletable: map[string]bool{},
	}
}

func (f *fakeKube) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []corev1.Namespace
	for _, ns := range f.namespaces {
		out = append(out, ns)
	}
	return out, nil
}

func (f *fakeKube) GetNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted[name] {
		return nil, errs.New(errs.KindNotFound, "fake.GetNamespace", errors.New("not found"))
	}
	ns, ok := f.namespaces[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "fake.GetNamespace", errors.New("not found"))
	}
	return &ns, nil
}

func (f *fakeKube) PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]string{}
	for k, v := range f.annotated[name] {
		merged[k] = v
	}
	for k, v := range annotations {
		merged[k] = v
	}
	f.annotated[name] = merged
	ns := f.namespaces[name]
	if ns.Annotations == nil {
		ns.Annotations = map[string]string{}
	}
	for k, v := range annotations {
		ns.Annotations[k] = v
	}
	f.namespaces[name] = ns
	return nil
}

func (f *fakeKube) DeleteNamespace(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls[name]++
	if f.undeletable[name] {
		return nil
	}
	f.deleted[name] = true
	delete(f.namespaces, name)
	return nil
}

func (f *fakeKube) ListJobs(ctx context.Context, namespace, labelSelector string) ([]batchv1.Job, error) {
	return f.jobs, nil
}

func (f *fakeKube) DeleteJob(ctx context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedJob = append(f.deletedJob, name)
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Context: config.Context{Namespace: "manager"},
		Namespaces: []config.MatchRule{
			{
				Name:           "ci",
				NameGlobs:      []string{"ci-*"},
				TTL:            config.Duration(time.Hour),
				SettlingPeriod: config.Duration(time.Minute),
				GracePeriod:    config.Duration(time.Minute),
				Tasks: map[config.TaskKind]config.TaskConfig{
					config.TaskCheckNamespace: {},
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

func TestPassDeletesFailedNamespace(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-1"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-1",
			CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute)),
			Annotations:       map[string]string{nsrecord.AnnotationStatus: string(nsrecord.StatusFailed)},
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, arbiter)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !kube.deleted["ci-build-1"] {
		t.Fatal("expected FAILED namespace to be deleted")
	}
	if kube.annotated["ci-build-1"][nsrecord.AnnotationStatus] != string(nsrecord.StatusTerminating) {
		t.Fatalf("expected TERMINATING annotation before delete, got %v", kube.annotated["ci-build-1"])
	}
}

func TestPassDeletesTTLExceededNamespace(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-2"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-2",
			CreationTimestamp: metav1.NewTime(now.Add(-2 * time.Hour)),
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, arbiter)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !kube.deleted["ci-build-2"] {
		t.Fatal("expected TTL-exceeded namespace to be deleted")
	}
}

func TestPassDoesNotDeleteHealthyNamespace(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-3"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-3",
			CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute)),
			Annotations:       map[string]string{nsrecord.AnnotationStatus: string(nsrecord.StatusOK)},
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, arbiter)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if kube.deleted["ci-build-3"] {
		t.Fatal("did not expect a healthy namespace to be deleted")
	}
}

func TestPassNotifiesOnceForFailingNamespace(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-4"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-4",
			CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute)),
			Annotations: map[string]string{
				nsrecord.AnnotationStatus: string(nsrecord.StatusFailing),
				nsrecord.AnnotationOwner:  "alice",
			},
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, arbiter)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one notification across two passes, got %d", len(sender.sent))
	}
}

func TestStuckDeleteRetriesOnceThenSurfacesDeleteStuck(t *testing.T) {
	now := time.Now().UTC()
	fc := clock.NewFake(now)
	kube := newFakeKube()
	kube.undeletable["ci-build-9"] = true
	kube.namespaces["ci-build-9"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-9",
			CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute)),
			Annotations:       map[string]string{nsrecord.AnnotationStatus: string(nsrecord.StatusFailed)},
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	c := New(nil, fc, kube, notify, testConfig(), m, newArbiter(t))

	// First pass issues the delete and annotates TERMINATING.
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if kube.deleteCalls["ci-build-9"] != 1 {
		t.Fatalf("want 1 delete issued, got %d", kube.deleteCalls["ci-build-9"])
	}

	// First unconfirmed timeout earns exactly one retry.
	fc.Advance(6 * time.Minute)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if kube.deleteCalls["ci-build-9"] != 2 {
		t.Fatalf("want delete re-issued once after timeout, got %d calls", kube.deleteCalls["ci-build-9"])
	}
	if _, ok := kube.annotated["ci-build-9"][nsrecord.AnnotationDeleteStuck]; ok {
		t.Fatal("DeleteStuck must not surface before the retry has also timed out")
	}

	// Second unconfirmed timeout surfaces DeleteStuck and stops retrying.
	fc.Advance(6 * time.Minute)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := kube.annotated["ci-build-9"][nsrecord.AnnotationDeleteStuck]; !ok {
		t.Fatal("expected DeleteStuck annotation after the retry timed out")
	}
	if kube.deleteCalls["ci-build-9"] != 2 {
		t.Fatalf("want no further deletes once stuck, got %d calls", kube.deleteCalls["ci-build-9"])
	}

	fc.Advance(6 * time.Minute)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if kube.deleteCalls["ci-build-9"] != 2 {
		t.Fatalf("want stuck namespace left alone on later passes, got %d calls", kube.deleteCalls["ci-build-9"])
	}
}

func TestPassGCsOldChildJobsBeyondHistoryLimit(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-5"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-5",
			CreationTimestamp: metav1.NewTime(now.Add(-10 * time.Minute)),
			Annotations:       map[string]string{nsrecord.AnnotationStatus: string(nsrecord.StatusOK)},
		},
	}
	for i := 0; i < 5; i++ {
		completion := metav1.NewTime(now.Add(-time.Duration(i) * time.Hour))
		kube.jobs = append(kube.jobs, batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{
				Name:              fmt.Sprintf("check-namespace-abcd%d", i),
				CreationTimestamp: metav1.NewTime(now.Add(-time.Duration(i) * time.Hour)),
				Annotations: map[string]string{
					nsrecord.ChildJobAnnotationNamespace: "ci-build-5",
					nsrecord.ChildJobAnnotationAction:    string(config.TaskCheckNamespace),
				},
			},
			Status: batchv1.JobStatus{CompletionTime: &completion},
		})
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter := newArbiter(t)

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, arbiter)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(kube.deletedJob) != 2 {
		t.Fatalf("expected 2 jobs pruned beyond the default history limit of 3, got %d", len(kube.deletedJob))
	}
}

func TestPassNoopWhenNotLeader(t *testing.T) {
	now := time.Now().UTC()
	kube := newFakeKube()
	kube.namespaces["ci-build-6"] = corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:              "ci-build-6",
			CreationTimestamp: metav1.NewTime(now.Add(-2 * time.Hour)),
		},
	}
	sender := &recordingSender{}
	notify := notifier.New(sender)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	a, err := leaderelection.New(nil, clock.NewFake(now), t.TempDir()+"/lease.json", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c := New(nil, clock.NewFake(now), kube, notify, testConfig(), m, a)
	if err := c.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if kube.deleted["ci-build-6"] {
		t.Fatal("expected no deletion while not leading")
	}
}
