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

package leaderelection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
)

func TestAcquireThenRenew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease")
	fc := clock.NewFake(time.Unix(1000, 0))

	a, err := New(nil, fc, path, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Acquire(); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !a.IsLeader() {
		t.Fatal("expected to be leader after Acquire")
	}
	fc.Advance(1 * time.Second)
	if err := a.Renew(); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !a.IsLeader() {
		t.Fatal("expected to still be leader after Renew")
	}
}

func TestSecondReplicaBlockedUntilExpiry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease")
	fc := clock.NewFake(time.Unix(2000, 0))

	a1, _ := New(nil, fc, path, 5*time.Second)
	if err := a1.Acquire(); err != nil {
		t.Fatal(err)
	}

	a2, _ := New(nil, fc, path, 5*time.Second)
	if err := a2.Acquire(); err != nil {
		t.Fatal(err)
	}
	if a2.IsLeader() {
		t.Fatal("second replica should not acquire an unexpired lease")
	}

	// Expire the lease and retry.
	fc.Advance(6 * time.Second)
	if err := a2.Acquire(); err != nil {
		t.Fatal(err)
	}
	if !a2.IsLeader() {
		t.Fatal("second replica should acquire after expiry")
	}
}

func TestClockRegressionDemotes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease")
	fc := clock.NewFake(time.Unix(5000, 0))

	a, _ := New(nil, fc, path, 5*time.Second)
	if err := a.Acquire(); err != nil {
		t.Fatal(err)
	}
	fc.Advance(1 * time.Second)
	if err := a.Renew(); err != nil {
		t.Fatal(err)
	}
	fc.Set(time.Unix(4999, 0)) // jump backward
	if err := a.Renew(); err == nil {
		t.Fatal("expected StaleLeadership error on clock regression")
	}
	if a.IsLeader() {
		t.Fatal("expected self-demotion on clock regression")
	}
}

func TestReleaseAllowsImmediateReacquisition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease")
	fc := clock.NewFake(time.Unix(9000, 0))

	a1, _ := New(nil, fc, path, 5*time.Second)
	if err := a1.Acquire(); err != nil {
		t.Fatal(err)
	}
	if err := a1.Release(); err != nil {
		t.Fatal(err)
	}

	a2, _ := New(nil, fc, path, 5*time.Second)
	if err := a2.Acquire(); err != nil {
		t.Fatal(err)
	}
	if !a2.IsLeader() {
		t.Fatal("expected a2 to acquire immediately after a1 released")
	}
}

func TestForceLeaderDoesNotTouchLeaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease")
	fc := clock.NewFake(time.Unix(1000, 0))

	a, err := New(nil, fc, path, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	a.ForceLeader()
	if !a.IsLeader() {
		t.Fatal("expected ForceLeader to report leadership immediately")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no lease file to be written, stat err = %v", err)
	}
}

func TestWithinBudget(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	a, _ := New(nil, fc, filepath.Join(t.TempDir(), "lease"), 10*time.Second)
	if !a.WithinBudget(4 * time.Second) {
		t.Fatal("4s should be within budget for ttl=10s (limit 5s)")
	}
	if a.WithinBudget(6 * time.Second) {
		t.Fatal("6s should exceed budget for ttl=10s (limit 5s)")
	}
}
