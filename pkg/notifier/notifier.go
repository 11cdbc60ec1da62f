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

// Package notifier formats and delivers owner notifications for namespace
// transitions, deduplicating by (namespace, new_status). Delivery goes over
// a token-authenticated chat webhook.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/slack-go/slack"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"github.com/ska-telescope/ska-namespace-manager/pkg/nsrecord"
)

// Sender delivers a formatted message to the chat endpoint. Implemented by
// slackSender in production and a recording fake in tests.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type slackSender struct {
	webhookURL string
}

func (s slackSender) Send(ctx context.Context, text string) error {
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return errs.New(errs.KindNotificationFailed, "notifier.Send", err)
	}
	return nil
}

// NewSlackSender builds a Sender that posts to a Slack-compatible incoming
// webhook URL, authenticated by the path-embedded token (the notifier.token
// config field).
func NewSlackSender(webhookURL string) Sender {
	return slackSender{webhookURL: webhookURL}
}

// Auditor emits one structured JSON line per namespace status transition,
// whether or not a chat notification is sent for it. It is the operator's
// record of what the state machine decided; nothing is persisted beyond the
// log stream.
type Auditor struct {
	logger log.Logger
}

// NewAuditor wraps logger, which should be a JSON logger so every line is
// machine-parseable. A nil logger disables output.
func NewAuditor(logger log.Logger) *Auditor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Auditor{logger: logger}
}

// Record logs one transition under the pass that produced it.
func (a *Auditor) Record(t nsrecord.Transition, passID string) {
	_ = a.logger.Log(
		"msg", "namespace status transition",
		"namespace", t.Namespace,
		"old", string(t.Old),
		"new", string(t.New),
		"pass_id", passID,
		"ts", t.At.UTC().Format(time.RFC3339),
	)
}

// Notifier formats transition messages and enforces the at-most-once-per-
// (namespace, new_status) delivery guarantee.
type Notifier struct {
	sender Sender

	mtx   sync.Mutex
	dedup map[string]map[nsrecord.Status]bool
}

// New constructs a Notifier around sender.
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender, dedup: map[string]map[nsrecord.Status]bool{}}
}

// notifiableTransitions are the transition kinds that produce a
// notification: FAILING, FAILED, STALE. Others (e.g. recovery to OK) are
// silent.
var notifiableTransitions = map[nsrecord.Status]bool{
	nsrecord.StatusFailing: true,
	nsrecord.StatusFailed:  true,
	nsrecord.StatusStale:   true,
}

// Notify delivers one notification for t if it is a notifiable transition,
// hasn't already been sent for this (namespace, new_status), and either an
// owner is known or the transition is STALE.
//
// The dedup key is marked sent before the send attempt starts: the caller,
// not Notify, persists notified_for onto the namespace annotation only after
// Notify returns nil, while this in-memory guard prevents a second attempt
// within the same process lifetime from re-sending even if the annotation
// write is still pending.
func (n *Notifier) Notify(ctx context.Context, t nsrecord.Transition, owner string) (sent bool, err error) {
	if !notifiableTransitions[t.New] {
		return false, nil
	}
	if owner == "" && t.New != nsrecord.StatusStale {
		return false, nil
	}

	n.mtx.Lock()
	nsDedup, ok := n.dedup[t.Namespace]
	if !ok {
		nsDedup = map[nsrecord.Status]bool{}
		n.dedup[t.Namespace] = nsDedup
	}
	if nsDedup[t.New] {
		n.mtx.Unlock()
		return false, nil
	}
	nsDedup[t.New] = true
	n.mtx.Unlock()

	text := format(t, owner)
	if err := n.sender.Send(ctx, text); err != nil {
		// Allow a future pass to retry: undo the in-memory mark so a
		// transient send failure is not permanently suppressed (the
		// durable suppression lives in the namespace's notified_for
		// annotation, written only on success by the caller).
		n.mtx.Lock()
		delete(n.dedup[t.Namespace], t.New)
		n.mtx.Unlock()
		return false, err
	}
	return true, nil
}

// AlreadyNotified seeds the in-memory dedup set from a namespace's
// persisted notified_for annotation on reconciler startup, so a replica
// restart doesn't immediately re-send everything pending acknowledgement.
func (n *Notifier) AlreadyNotified(namespace string, statuses map[nsrecord.Status]bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	nsDedup := map[nsrecord.Status]bool{}
	for s, v := range statuses {
		nsDedup[s] = v
	}
	n.dedup[namespace] = nsDedup
}

func format(t nsrecord.Transition, owner string) string {
	who := "namespace owner"
	if owner != "" {
		who = owner
	}
	switch t.New {
	case nsrecord.StatusFailing:
		return fmt.Sprintf("[namespace-manager] namespace %q is now FAILING (cc %s)", t.Namespace, who)
	case nsrecord.StatusFailed:
		return fmt.Sprintf("[namespace-manager] namespace %q has FAILED and will be deleted (cc %s)", t.Namespace, who)
	case nsrecord.StatusStale:
		return fmt.Sprintf("[namespace-manager] namespace %q exceeded its TTL and is STALE; it will be deleted shortly", t.Namespace)
	default:
		return fmt.Sprintf("[namespace-manager] namespace %q transitioned %s -> %s", t.Namespace, t.Old, t.New)
	}
}
