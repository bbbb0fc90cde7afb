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

package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/histogram"
	"github.com/asafpamzn/valkey-polyglot-benchmark/internal/bench/metrics"
)

func TestObserveIntervalAccumulatesCounters(t *testing.T) {
	before := testutil.ToFloat64(requestsTotal)
	ObserveInterval(metrics.Counters{Requests: 7, Errors: 2, Moved: 1}, histogram.Snap{Percentile: map[string]int64{}})
	after := testutil.ToFloat64(requestsTotal)
	if after-before != 7 {
		t.Fatalf("requestsTotal increased by %v, want 7", after-before)
	}
}

func TestObserveIntervalSetsLatencyGauges(t *testing.T) {
	snap := histogram.Snap{Mean: 42.5, Percentile: map[string]int64{"p50": 10, "p99": 100}}
	for _, p := range histogram.Percentiles {
		key := histogram.FormatPercentileKey(p)
		if _, ok := snap.Percentile[key]; !ok {
			snap.Percentile[key] = 0
		}
	}
	ObserveInterval(metrics.Counters{}, snap)
	if got := testutil.ToFloat64(latencyUs.WithLabelValues("p50")); got != 10 {
		t.Fatalf("p50 gauge = %v, want 10", got)
	}
	if got := testutil.ToFloat64(latencyUs.WithLabelValues("mean")); got != 42.5 {
		t.Fatalf("mean gauge = %v, want 42.5", got)
	}
}

func TestMetricNamesFollowProjectPrefix(t *testing.T) {
	// A light guard against accidentally renaming a metric away from the
	// valkeybench_ namespace, which would break existing dashboards.
	collectors := []prometheus.Collector{requestsTotal, errorsTotal, movedTotal, clusterDownTotal, disconnectsTotal, latencyUs}
	for _, c := range collectors {
		ch := make(chan *prometheus.Desc, 4)
		c.Describe(ch)
		close(ch)
		for d := range ch {
			if !strings.Contains(d.String(), `fqName: "valkeybench_`) {
				t.Fatalf("metric %s does not use the valkeybench_ prefix", d)
			}
		}
	}
}
