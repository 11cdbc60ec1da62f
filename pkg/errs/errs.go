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

// Package errs defines the small set of error kinds the rest of the system
// branches on, per the propagation policy: per-namespace errors never abort
// a pass, per-pass errors abort the pass, process-level errors exit.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry and propagation policy.
type Kind int

const (
	// KindTransient covers API 5xx, connection errors and Prometheus
	// timeouts. Retry with backoff.
	KindTransient Kind = iota
	// KindConflict covers optimistic-concurrency failures. Retry with
	// re-read.
	KindConflict
	// KindNotFound means the namespace or object was deleted externally.
	// Not an error at the namespace level; the caller drops it from the
	// pass.
	KindNotFound
	// KindConfiguration is fatal at boot; exit code 1.
	KindConfiguration
	// KindStaleLeadership means the caller must abort the current pass.
	KindStaleLeadership
	// KindDeleteStuck is recorded on the namespace and surfaced as a
	// metric; it does not terminate the controller.
	KindDeleteStuck
	// KindNotificationFailed is logged and not retried within the same
	// pass.
	KindNotificationFailed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "Transient"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindConfiguration:
		return "Configuration"
	case KindStaleLeadership:
		return "StaleLeadership"
	case KindDeleteStuck:
		return "DeleteStuck"
	case KindNotificationFailed:
		return "NotificationFailed"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can branch with
// errors.As instead of string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
