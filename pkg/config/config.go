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

// Package config loads and validates the process configuration document:
// leader election, metrics, namespace match rules, notifier, people API and
// child-job context.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ska-telescope/ska-namespace-manager/pkg/errs"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be decoded from the human-readable
// suffixed form ("30s", "5m", "2h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// TaskKind enumerates the child-job kinds the Task Scheduler understands.
type TaskKind string

const (
	TaskCheckNamespace  TaskKind = "check-namespace"
	TaskGetOwnerInfo    TaskKind = "get-owner-info"
	TaskDeleteNamespace TaskKind = "delete-namespace"
	TaskNotify          TaskKind = "notify"
)

// TaskConfig configures one scheduled task for a match rule.
type TaskConfig struct {
	Schedule                   string   `yaml:"schedule"`
	ConcurrencyPolicy          string   `yaml:"concurrencyPolicy"`
	Deadline                   Duration `yaml:"deadline"`
	BackoffLimit               int32    `yaml:"backoffLimit"`
	SuccessfulJobsHistoryLimit int32    `yaml:"successfulJobsHistoryLimit"`
	FailedJobsHistoryLimit     int32    `yaml:"failedJobsHistoryLimit"`
}

// MatchRule binds a set of namespace-name globs to TTL, grace and task
// parameters. Rules are tried in declaration order; the first whose glob
// set matches a namespace name wins.
type MatchRule struct {
	Name           string                  `yaml:"name"`
	NameGlobs      []string                `yaml:"name_globs"`
	TTL            Duration                `yaml:"ttl"`
	SettlingPeriod Duration                `yaml:"settling_period"`
	GracePeriod    Duration                `yaml:"grace_period"`
	Tasks          map[TaskKind]TaskConfig `yaml:"tasks"`
}

// Matches reports whether name matches any of the rule's globs.
func (r MatchRule) Matches(name string) bool {
	for _, g := range r.NameGlobs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	return false
}

// LeaderElection configures the filesystem lease backing the Leader Arbiter.
type LeaderElection struct {
	Enabled  bool     `yaml:"enabled"`
	Path     string   `yaml:"path"`
	LeaseTTL Duration `yaml:"lease_ttl"`
}

// Metrics holds the metrics block of the configuration document. The binary
// does not consult it: the registry is always served at /metrics on the
// --metrics-addr address, whatever enabled and registry_path say.
type Metrics struct {
	Enabled      bool   `yaml:"enabled"`
	RegistryPath string `yaml:"registry_path"`
}

// Notifier configures chat-webhook delivery.
type Notifier struct {
	Token string `yaml:"token"`
}

// PeopleAPI configures the REST owner-lookup collaborator.
type PeopleAPI struct {
	URL      string `yaml:"url"`
	CA       string `yaml:"ca"`
	Insecure bool   `yaml:"insecure"`
}

// Prometheus configures the Prometheus Gateway's query endpoint.
type Prometheus struct {
	Address string   `yaml:"address"`
	Timeout Duration `yaml:"timeout"`
}

// Context configures the service-account identity and image used to render
// child jobs.
type Context struct {
	Namespace      string            `yaml:"namespace"`
	ServiceAccount string            `yaml:"service_account"`
	ConfigSecret   string            `yaml:"config_secret"`
	ConfigPath     string            `yaml:"config_path"`
	Image          string            `yaml:"image"`
	MatchLabels    map[string]string `yaml:"matchLabels"`
}

// Config is the top-level configuration document.
type Config struct {
	LeaderElection LeaderElection `yaml:"leader_election"`
	Metrics        Metrics        `yaml:"metrics"`
	Namespaces     []MatchRule    `yaml:"namespaces"`
	NotifierConfig Notifier       `yaml:"notifier"`
	PeopleAPI      PeopleAPI      `yaml:"people_api"`
	Prometheus     Prometheus     `yaml:"prometheus"`
	Context        Context        `yaml:"context"`

	warnings configWarnings
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "config.Load", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.New(errs.KindConfiguration, "config.Load", fmt.Errorf("parsing %s: %w", path, err))
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, errs.New(errs.KindConfiguration, "config.Load", err)
	}
	cfg.warnings = warnings
	return &cfg, nil
}

// Warnings returns non-fatal validation warnings surfaced at load time, e.g.
// overlapping match rules.
func (c *Config) Warnings() []string { return c.warnings }

// configWarnings is the type of Config.warnings, which is unexported so
// Config stays a plain yaml-decodable struct and warnings are never marshaled.
type configWarnings = []string

// Validate checks the loaded configuration for structural errors (fatal) and
// returns non-fatal warnings (e.g. overlapping rules).
func (c *Config) Validate() ([]string, error) {
	if c.LeaderElection.Enabled && c.LeaderElection.Path == "" {
		return nil, fmt.Errorf("leader_election.path must be set when leader_election.enabled")
	}
	if c.LeaderElection.LeaseTTL.D() <= 0 {
		c.LeaderElection.LeaseTTL = Duration(5 * time.Second)
	}
	seenGlobs := map[string]string{}
	var warnings []string
	for i, rule := range c.Namespaces {
		if len(rule.NameGlobs) == 0 {
			return nil, fmt.Errorf("namespaces[%d] (%s): name_globs must not be empty", i, rule.Name)
		}
		if rule.TTL.D() <= 0 {
			return nil, fmt.Errorf("namespaces[%d] (%s): ttl must be > 0", i, rule.Name)
		}
		for kind := range rule.Tasks {
			switch kind {
			case TaskCheckNamespace, TaskGetOwnerInfo, TaskDeleteNamespace, TaskNotify:
			default:
				return nil, fmt.Errorf("namespaces[%d] (%s): unknown task kind %q", i, rule.Name, kind)
			}
			if kind == TaskNotify && c.NotifierConfig.Token == "" {
				return nil, fmt.Errorf("namespaces[%d] (%s): notify task configured but notifier.token is empty", i, rule.Name)
			}
		}
		for _, g := range rule.NameGlobs {
			if owner, ok := seenGlobs[g]; ok {
				warnings = append(warnings, fmt.Sprintf("namespaces[%d] (%s): glob %q duplicates namespaces rule %q; first match wins by declaration order", i, rule.Name, g, owner))
				continue
			}
			seenGlobs[g] = rule.Name
		}
	}
	return warnings, nil
}

// MatchingRule returns the first rule (in declaration order) whose glob set
// matches name, and whether a rule matched at all.
func (c *Config) MatchingRule(name string) (MatchRule, bool) {
	for _, r := range c.Namespaces {
		if r.Matches(name) {
			return r, true
		}
	}
	return MatchRule{}, false
}
