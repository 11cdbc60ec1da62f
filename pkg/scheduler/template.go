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

// Package scheduler reconciles existence and freshness of a Job or CronJob
// per (namespace, task-kind) pair. Each child's parameters are rendered from
// a parameterized document kept as data and substituted with text/template;
// the rendered text is stored on the child to detect drift, so re-rendering
// on every tick is cheap, and the deterministic child name is what makes
// that safe.
package scheduler

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"text/template"

	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
)

// ChildJobName deterministically names a child job so re-rendering the same
// (action, targetNamespace) pair always collapses onto the same object.
func ChildJobName(action config.TaskKind, targetNamespace string) string {
	sum := sha256.Sum256([]byte(targetNamespace))
	return fmt.Sprintf("%s-%x", action, sum[:4])
}

// TemplateData is substituted into the child pod-spec template.
type TemplateData struct {
	TargetNamespace string
	Action          config.TaskKind
	Image           string
	ServiceAccount  string
	ConfigSecret    string
	ConfigPath      string
}

// podSpecTemplate is the one parameterized document describing every child
// job's pod: image, service account and container args. Scheduler.podTemplate
// builds the pod from the same values; only the args differ by action and
// target namespace.
const podSpecTemplate = `
target_namespace: {{ .TargetNamespace }}
action: {{ .Action }}
image: {{ .Image }}
service_account: {{ .ServiceAccount }}
args:
  - --action={{ .Action }}
  - --target-namespace={{ .TargetNamespace }}
{{- if .ConfigSecret }}
  - --config-secret={{ .ConfigSecret }}
{{- end }}
{{- if .ConfigPath }}
  - --config-path={{ .ConfigPath }}
{{- end }}
`

var tmpl = template.Must(template.New("child-pod-spec").Parse(podSpecTemplate))

// RenderPodSpecDocument renders the textual pod-spec document for one child
// job invocation. The rendered text (not the template) is what gets stored
// on the child and compared verbatim for the "does the live object match"
// check in Reconcile.
func RenderPodSpecDocument(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering child job template: %w", err)
	}
	return buf.String(), nil
}
