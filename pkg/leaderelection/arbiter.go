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

// Package leaderelection implements the Leader Arbiter: a lease recorded on
// a shared filesystem path that gates the control loops so only one replica
// per controller kind is active. Fencing is advisory; cross-replica
// correctness relies on rename(2) being atomic on the shared volume, so
// every action the callers take on top of this lease must be idempotent.
package leaderelection

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
)

// Lease is the on-disk record. HolderID is the replica's hostname plus a
// random token so two processes on the same host never collide.
type Lease struct {
	HolderID   string        `json:"holder_id"`
	AcquiredAt time.Time     `json:"acquired_at"`
	RenewedAt  time.Time     `json:"renewed_at"`
	TTL        time.Duration `json:"ttl"`
}

func (l Lease) expired(now time.Time) bool {
	return now.Sub(l.RenewedAt) > l.TTL
}

// Arbiter acquires, renews and releases a lease file. A single Arbiter value
// is owned by one replica and must not be shared across goroutines except
// through its exported methods.
type Arbiter struct {
	logger   log.Logger
	clock    clock.Clock
	path     string
	ttl      time.Duration
	holderID string

	mtx   sync.Mutex
	held  *Lease
	hooks []func(leading bool)
}

// New constructs an Arbiter backed by leaseFile, a path on a shared volume.
// ttl defaults to 5s if zero.
func New(logger log.Logger, c clock.Clock, leaseFile string, ttl time.Duration) (*Arbiter, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	holder, err := holderID()
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "leaderelection.New", err)
	}
	return &Arbiter{
		logger:   logger,
		clock:    c,
		path:     leaseFile,
		ttl:      ttl,
		holderID: holder,
	}, nil
}

func holderID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%x", host, buf), nil
}

// Register adds a hook invoked whenever leadership status changes. Hooks
// must not block.
func (a *Arbiter) Register(h func(leading bool)) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.hooks = append(a.hooks, h)
}

// IsLeader reports whether this replica currently holds the lease.
func (a *Arbiter) IsLeader() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.held != nil
}

// Acquire attempts to take the lease. It succeeds if the file is absent,
// expired, or already held by this replica. The write is atomic: write to a
// temp file in the same directory, then rename.
func (a *Arbiter) Acquire() error {
	now := a.clock.Now()
	existing, err := a.read()
	if err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindTransient, "leaderelection.Acquire", err)
	}
	if err == nil && existing.HolderID != a.holderID && !existing.expired(now) {
		a.setLeading(false)
		return nil
	}
	next := Lease{
		HolderID:   a.holderID,
		AcquiredAt: now,
		RenewedAt:  now,
		TTL:        a.ttl,
	}
	if err := a.writeAtomic(next); err != nil {
		return errs.New(errs.KindTransient, "leaderelection.Acquire", err)
	}
	a.mtx.Lock()
	a.held = &next
	a.mtx.Unlock()
	level.Info(a.logger).Log("msg", "acquired leadership", "holder", a.holderID)
	a.setLeading(true)
	return nil
}

// Renew updates renewed_at on a currently held lease. On failure, or if the
// clock has jumped backward relative to the last renewal, the arbiter
// self-demotes immediately.
func (a *Arbiter) Renew() error {
	a.mtx.Lock()
	held := a.held
	a.mtx.Unlock()
	if held == nil {
		return errs.New(errs.KindStaleLeadership, "leaderelection.Renew", fmt.Errorf("not currently leading"))
	}

	now := a.clock.Now()
	if now.Before(held.RenewedAt) {
		level.Warn(a.logger).Log("msg", "clock moved backward, demoting", "renewed_at", held.RenewedAt, "now", now)
		a.demote()
		return errs.New(errs.KindStaleLeadership, "leaderelection.Renew", fmt.Errorf("clock jumped backward"))
	}

	onDisk, err := a.read()
	if err != nil || onDisk.HolderID != a.holderID {
		level.Warn(a.logger).Log("msg", "lease no longer held by self, demoting", "err", err)
		a.demote()
		return errs.New(errs.KindStaleLeadership, "leaderelection.Renew", fmt.Errorf("lease lost"))
	}

	next := *held
	next.RenewedAt = now
	if err := a.writeAtomic(next); err != nil {
		level.Warn(a.logger).Log("msg", "renewal write failed, demoting", "err", err)
		a.demote()
		return errs.New(errs.KindStaleLeadership, "leaderelection.Renew", err)
	}
	a.mtx.Lock()
	a.held = &next
	a.mtx.Unlock()
	return nil
}

// Release gives up the lease voluntarily, e.g. on graceful shutdown.
func (a *Arbiter) Release() error {
	a.mtx.Lock()
	held := a.held
	a.held = nil
	a.mtx.Unlock()
	if held == nil {
		return nil
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.KindTransient, "leaderelection.Release", err)
	}
	level.Info(a.logger).Log("msg", "released leadership", "holder", a.holderID)
	a.setLeading(false)
	return nil
}

// RenewalInterval is ttl/3, the interval at which callers should invoke
// Renew while leading.
func (a *Arbiter) RenewalInterval() time.Duration { return a.ttl / 3 }

// ForceLeader marks this replica as leading without touching the lease file,
// for deployments that run with leader_election.enabled=false (a single
// replica with no shared volume to race over). The renewal loop must not be
// started alongside it: there is no on-disk lease for Renew to find.
func (a *Arbiter) ForceLeader() {
	now := a.clock.Now()
	a.mtx.Lock()
	a.held = &Lease{HolderID: a.holderID, AcquiredAt: now, RenewedAt: now, TTL: a.ttl}
	a.mtx.Unlock()
	a.setLeading(true)
}

func (a *Arbiter) demote() {
	a.mtx.Lock()
	wasLeading := a.held != nil
	a.held = nil
	a.mtx.Unlock()
	if wasLeading {
		a.setLeading(false)
	}
}

func (a *Arbiter) setLeading(leading bool) {
	a.mtx.Lock()
	hooks := append([]func(bool){}, a.hooks...)
	a.mtx.Unlock()
	for _, h := range hooks {
		h(leading)
	}
}

func (a *Arbiter) read() (Lease, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return Lease{}, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return Lease{}, err
	}
	return l, nil
}

func (a *Arbiter) writeAtomic(l Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	dir := filepath.Dir(a.path)
	tmp, err := os.CreateTemp(dir, ".lease-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, a.path)
}

// WithinBudget reports whether d, an elapsed suspension during a leader-held
// pass, stays under ttl/2, per the rule that a suspension never holds a
// lease across an I/O wait longer than that. Callers that exceed it must
// treat the pass as StaleLeadership.
func (a *Arbiter) WithinBudget(d time.Duration) bool {
	return d <= a.ttl/2
}
