// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the run's interval counters and latency
// percentiles on an optional Prometheus /metrics endpoint (spec §6
// -metrics-addr, an ambient addition beyond the distilled spec), using the
// same package-level-counter registration style as the teacher's
// ratelimiter telemetry package.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valkeybench_requests_total",
		Help: "Total successful requests observed since process start.",
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valkeybench_errors_total",
		Help: "Total failed requests observed since process start.",
	})
	movedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valkeybench_moved_total",
		Help: "Total errors classified as a cluster MOVED response.",
	})
	clusterDownTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valkeybench_clusterdown_total",
		Help: "Total errors classified as a cluster CLUSTERDOWN response.",
	})
	disconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "valkeybench_disconnects_total",
		Help: "Total connection-layer failures that triggered a pool slot redial.",
	})

	latencyUs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "valkeybench_latency_microseconds",
		Help: "Latest interval's latency percentile/mean, in microseconds.",
	}, []string{"stat"})
)

func init() {
	prometheus.MustRegister(requestsTotal, errorsTotal, movedTotal, clusterDownTotal, disconnectsTotal, latencyUs)
}

// ObserveInterval folds one merged interval result into the process's
// Prometheus counters and gauges. Counters accumulate across the run's
// lifetime; the latency gauges always reflect the most recently completed
// interval, not a lifetime aggregate (a percentile cannot itself be
// accumulated across intervals).
func ObserveInterval(c metrics.Counters, s histogram.Snap) {
	requestsTotal.Add(float64(c.Requests))
	errorsTotal.Add(float64(c.Errors))
	movedTotal.Add(float64(c.Moved))
	clusterDownTotal.Add(float64(c.ClusterDown))
	disconnectsTotal.Add(float64(c.Disconnects))

	latencyUs.WithLabelValues("mean").Set(s.Mean)
	for _, p := range histogram.Percentiles {
		key := histogram.FormatPercentileKey(p)
		latencyUs.WithLabelValues(key).Set(float64(s.Percentile[key]))
	}
}

// Serve starts the /metrics HTTP endpoint on addr and blocks until ctx is
// cancelled, at which point it shuts the server down gracefully. A caller
// that does not want telemetry (addr == "") should simply not call Serve.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("telemetry server stopped unexpectedly", zap.Error(err), zap.String("addr", addr))
	}
}
