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

package k8sgateway

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	batchv1 "k8s.io/api/batch/v1"
)

// DryRunGateway wraps a Gateway and logs, rather than issues, every call
// that mutates cluster state. Reads pass through unchanged so classification
// and scheduling logic still observe real cluster data.
type DryRunGateway struct {
	*Gateway
	logger log.Logger
}

// NewDryRun wraps gw so annotation patches, namespace deletes and job/cronjob
// writes are logged instead of executed.
func NewDryRun(gw *Gateway, logger log.Logger) *DryRunGateway {
	return &DryRunGateway{Gateway: gw, logger: logger}
}

func (g *DryRunGateway) PatchAnnotations(ctx context.Context, name string, annotations map[string]string) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would patch annotations", "namespace", name, "annotations", annotations)
	return nil
}

func (g *DryRunGateway) DeleteNamespace(ctx context.Context, name string) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would delete namespace", "namespace", name)
	return nil
}

func (g *DryRunGateway) CreateJob(ctx context.Context, namespace string, job *batchv1.Job) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would create job", "namespace", namespace, "name", job.Name)
	return nil
}

func (g *DryRunGateway) DeleteJob(ctx context.Context, namespace, name string) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would delete job", "namespace", namespace, "name", name)
	return nil
}

func (g *DryRunGateway) CreateCronJob(ctx context.Context, namespace string, cj *batchv1.CronJob) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would create cronjob", "namespace", namespace, "name", cj.Name)
	return nil
}

func (g *DryRunGateway) DeleteCronJob(ctx context.Context, namespace, name string) error {
	_ = level.Info(g.logger).Log("msg", "dry-run: would delete cronjob", "namespace", namespace, "name", name)
	return nil
}
