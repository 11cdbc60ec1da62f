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

// Command namespace-manager watches a shared CI cluster's ephemeral
// namespaces, classifies their health, and deletes them once their TTL or
// terminal-failure conditions are reached.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ska-telescope/ska-namespace-manager/pkg/clock"
	"github.com/ska-telescope/ska-namespace-manager/pkg/config"
	"github.com/ska-telescope/ska-namespace-manager/pkg/controller/action"
	"github.com/ska-telescope/ska-namespace-manager/pkg/controller/collect"
	"github.com/ska-telescope/ska-namespace-manager/pkg/k8sgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/leaderelection"
	"github.com/ska-telescope/ska-namespace-manager/pkg/metrics"
	"github.com/ska-telescope/ska-namespace-manager/pkg/notifier"
	"github.com/ska-telescope/ska-namespace-manager/pkg/peopleapi"
	"github.com/ska-telescope/ska-namespace-manager/pkg/promgateway"
	"github.com/ska-telescope/ska-namespace-manager/pkg/scheduler"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var validLogLevels = []string{logLevelDebug, logLevelInfo, logLevelWarn, logLevelError}

// kubeGateway is the union of every Kubernetes surface the control loops and
// scheduler need, satisfied by both *k8sgateway.Gateway and its dry-run
// wrapper so main can swap implementations behind one variable.
type kubeGateway interface {
	collect.KubeGateway
	action.KubeGateway
	scheduler.Gateway
}

func main() {
	os.Exit(run_())
}

// run_ is factored out of main so os.Exit (which bypasses deferred calls)
// only happens once, at the outermost layer.
func run_() int {
	var kubeconfig *string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = kingpin.Flag("kubeconfig", "(optional) absolute path to the kubeconfig file").Default(filepath.Join(home, ".kube", "config")).String()
	} else {
		kubeconfig = kingpin.Flag("kubeconfig", "absolute path to the kubeconfig file").String()
	}

	defaultConfigPath := os.Getenv("CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "/etc/namespace-manager/config.yaml"
	}

	var (
		apiserverURL = kingpin.Flag("apiserver", "URL to the Kubernetes API server.").Default("").String()
		configPath   = kingpin.Flag("config-path", "Path to the configuration document. Defaults to $CONFIG_PATH.").Default(defaultConfigPath).String()
		logLevel     = kingpin.Flag("log-level", fmt.Sprintf("Log level to use. Possible values: %s", strings.Join(validLogLevels, ", "))).Default(logLevelInfo).Enum(validLogLevels...)
		metricsAddr  = kingpin.Flag("metrics-addr", "Address to serve /metrics, /healthz and /readyz on.").Default(":9090").String()
		dryRun       = kingpin.Flag("dry-run", "Run both control loops but skip destructive Kubernetes calls.").Default("false").Bool()
	)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	switch *logLevel {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading configuration", "path", *configPath, "err", err)
		return 1
	}
	for _, w := range cfg.Warnings() {
		_ = level.Warn(logger).Log("msg", "configuration warning", "warning", w)
	}
	if *dryRun {
		_ = level.Info(logger).Log("msg", "dry-run mode enabled: destructive Kubernetes calls will be skipped")
	}

	restConfig, err := clientcmd.BuildConfigFromFlags(*apiserverURL, *kubeconfig)
	if err != nil {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		_ = level.Error(logger).Log("msg", "building Kubernetes client config", "err", err)
		return 1
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building Kubernetes client", "err", err)
		return 1
	}

	realClock := clock.Real{}
	var kube kubeGateway = k8sgateway.New(clientset, 10*time.Second, 15*time.Second)
	if *dryRun {
		kube = k8sgateway.NewDryRun(kube.(*k8sgateway.Gateway), log.With(logger, "component", "k8sgateway"))
	}

	var prom collect.PromGateway
	if cfg.Prometheus.Address != "" {
		prom, err = promgateway.New(cfg.Prometheus.Address, cfg.Prometheus.Timeout.D())
		if err != nil {
			_ = level.Error(logger).Log("msg", "building Prometheus gateway", "err", err)
			return 1
		}
	} else {
		_ = level.Info(logger).Log("msg", "prometheus.address not set, every pass will use the Kubernetes workload fallback")
		prom = noopPromGateway{}
	}

	sender := notifier.NewSlackSender(cfg.NotifierConfig.Token)
	if cfg.NotifierConfig.Token == "" {
		_ = level.Info(logger).Log("msg", "notifier.token not set, owner notifications will be logged only")
		sender = noopSender{logger: log.With(logger, "component", "notifier")}
	}
	notify := notifier.New(sender)

	// The people API is consumed by the get-owner-info child Job's own
	// image (cfg.Context.Image), not by this process; construct it here
	// anyway so a bad URL or CA path is a boot-time config error rather
	// than something that only surfaces once a Job runs.
	if cfg.PeopleAPI.URL != "" {
		if _, err := peopleapi.New(cfg.PeopleAPI.URL, cfg.PeopleAPI.CA, cfg.PeopleAPI.Insecure, 10*time.Second); err != nil {
			_ = level.Error(logger).Log("msg", "validating people API configuration", "err", err)
			return 1
		}
	}

	sched := scheduler.New(kube, cfg.Context)

	leasePath := cfg.LeaderElection.Path
	if leasePath == "" {
		leasePath = "/var/run/namespace-manager/lease.json"
	}
	arbiter, err := leaderelection.New(log.With(logger, "component", "leaderelection"), realClock, leasePath, cfg.LeaderElection.LeaseTTL.D())
	if err != nil {
		_ = level.Error(logger).Log("msg", "constructing leader arbiter", "err", err)
		return 3
	}
	if !cfg.LeaderElection.Enabled {
		_ = level.Info(logger).Log("msg", "leader_election.enabled is false, running as sole leader without a lease file")
		arbiter.ForceLeader()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	arbiter.Register(func(leading bool) {
		v := 0.0
		if leading {
			v = 1.0
		}
		m.LeaderOwned.WithLabelValues("namespace-manager").Set(v)
	})

	// Transition audit lines go to a dedicated JSON logger so each line is
	// machine-parseable regardless of the process log format.
	auditor := notifier.NewAuditor(log.NewJSONLogger(log.NewSyncWriter(os.Stderr)))

	collectCtrl := collect.New(log.With(logger, "component", "collect"), realClock, kube, prom, sched, cfg, m, arbiter, auditor)
	actionCtrl := action.New(log.With(logger, "component", "action"), realClock, kube, notify, cfg, m, arbiter)

	ready := make(chan struct{})

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case <-term:
				_ = level.Info(logger).Log("msg", "received termination signal, exiting gracefully")
			case <-cancel:
			}
			return nil
		}, func(error) {
			close(cancel)
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			close(ready)
			return collectCtrl.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return actionCtrl.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if cfg.LeaderElection.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return runLeaseRenewal(ctx, arbiter)
		}, func(error) {
			cancel()
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
			select {
			case <-ready:
				w.WriteHeader(http.StatusOK)
			default:
				http.Error(w, "not ready", http.StatusServiceUnavailable)
			}
		})
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "starting metrics server", "addr", *metricsAddr)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = level.Error(logger).Log("msg", "namespace-manager exited with error", "err", err)
		return 2
	}
	return 0
}

// noopSender logs the formatted notification instead of delivering it, for
// deployments that run without a chat webhook token configured.
type noopSender struct {
	logger log.Logger
}

func (s noopSender) Send(ctx context.Context, text string) error {
	_ = level.Info(s.logger).Log("msg", "notification suppressed (no notifier.token configured)", "text", text)
	return nil
}

// noopPromGateway always reports a failed query, forcing the Collect
// Controller onto its Kubernetes workload fallback path, for deployments
// that run without a Prometheus endpoint configured.
type noopPromGateway struct{}

func (noopPromGateway) QueryFiringAlerts(ctx context.Context, namespaces []string) promgateway.QueryResult {
	return promgateway.QueryResult{OK: false}
}

// runLeaseRenewal keeps the Leader Arbiter's lease current: it attempts to
// acquire the lease if not held and renews it on every tick otherwise,
// ticking at a fraction of the lease TTL so a crashed holder's lease always
// expires before a healthy replica gives up trying.
func runLeaseRenewal(ctx context.Context, a *leaderelection.Arbiter) error {
	ticker := time.NewTicker(a.RenewalInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return a.Release()
		case <-ticker.C:
			if a.IsLeader() {
				_ = a.Renew()
			} else {
				_ = a.Acquire()
			}
		}
	}
}
