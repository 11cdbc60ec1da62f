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

// Package promgateway issues the single batched Prometheus query for all
// firing alerts scoped to watched namespaces and returns a parsed,
// per-namespace view.
package promgateway

import (
	"context"
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/ska-telescope/ska-namespace-manager/pkg/classifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
)

// Gateway wraps a Prometheus HTTP API client.
type Gateway struct {
	api     promv1.API
	timeout time.Duration
}

// New builds a Gateway talking to addr. timeout defaults to 5s if zero.
func New(addr string, timeout time.Duration) (*Gateway, error) {
	client, err := promapi.NewClient(promapi.Config{Address: addr})
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "promgateway.New", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{api: promv1.NewAPI(client), timeout: timeout}, nil
}

// NewWithAPI is used by tests to inject a fake promv1.API implementation.
func NewWithAPI(api promv1.API, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{api: api, timeout: timeout}
}

// NamespaceLabel is the Prometheus label this system expects alerts to be
// scoped by.
const NamespaceLabel = "namespace"

// QueryResult bundles the outcome of one batched query: per-namespace alert
// lists, plus whether the query itself succeeded (a failed or empty query
// triggers the Kubernetes fallback path).
type QueryResult struct {
	OK                bool
	AlertsByNamespace map[string][]classifier.Alert
}

// severityRank turns an alert's "severity" label into the classifier's
// integer ranking, highest-first.
var severityRank = map[string]int{
	"critical": 3,
	"warning":  2,
	"info":     1,
}

// QueryFiringAlerts issues a single `ALERTS{alertstate="firing"}` query,
// keeps only the samples whose namespace label is one of the given
// namespaces, and returns them parsed and grouped by namespace. Alerts are
// not deduplicated here; the classifier does that.
func (g *Gateway) QueryFiringAlerts(ctx context.Context, namespaces []string) QueryResult {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, warnings, err := g.api.Query(ctx, `ALERTS{alertstate="firing"}`, time.Now())
	_ = warnings
	if err != nil {
		return QueryResult{OK: false}
	}

	vec, ok := result.(model.Vector)
	if !ok {
		return QueryResult{OK: false}
	}

	allowed := make(map[string]bool, len(namespaces))
	for _, ns := range namespaces {
		allowed[ns] = true
	}

	byNS := map[string][]classifier.Alert{}
	for _, sample := range vec {
		ns := string(sample.Metric[model.LabelName(NamespaceLabel)])
		if ns == "" || !allowed[ns] {
			continue
		}
		kind := string(sample.Metric["kind"])
		name := string(sample.Metric["resource"])
		reason := string(sample.Metric["alertname"])
		message := string(sample.Metric["summary"])
		severity := severityRank[string(sample.Metric["severity"])]
		byNS[ns] = append(byNS[ns], classifier.Alert{
			Kind: kind, Name: name, Reason: reason, Message: message, Severity: severity,
		})
	}

	return QueryResult{OK: true, AlertsByNamespace: byNS}
}

// Ping verifies connectivity at startup so configuration errors surface
// early rather than mid-pass.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	_, err := g.api.Runtimeinfo(ctx)
	if err != nil {
		return errs.New(errs.KindTransient, "promgateway.Ping", fmt.Errorf("prometheus unreachable: %w", err))
	}
	return nil
}
