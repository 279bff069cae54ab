// Copyright 2024 BlockFS Authors
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

package dirmanager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the block engine.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// BlocksLive tracks the number of registered blocks.
	BlocksLive prometheus.Gauge

	// AllocationsTotal counts block names handed out by the balancer.
	AllocationsTotal prometheus.Counter

	// CollisionsTotal counts candidate names already present on disk.
	CollisionsTotal prometheus.Counter

	// DynamitedTotal counts top shards forced full after a bookkeeping fault.
	DynamitedTotal prometheus.Counter

	// RelocationsTotal counts SetProject calls by result.
	// Label values: "ok", "rolled_back", "rollback_failed".
	RelocationsTotal *prometheus.CounterVec

	// FSCKProblemsTotal counts detected problems by category.
	FSCKProblemsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers engine metrics with the given
// registerer. If reg is nil, metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockfs",
			Name:      "blocks_live",
			Help:      "Number of blocks in the registry",
		}),
		AllocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockfs",
			Name:      "block_allocations_total",
			Help:      "Total number of block names allocated",
		}),
		CollisionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockfs",
			Name:      "name_collisions_total",
			Help:      "Total number of candidate block names found on disk",
		}),
		DynamitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockfs",
			Name:      "shards_dynamited_total",
			Help:      "Total number of top shards forced full after a bookkeeping fault",
		}),
		RelocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockfs",
			Name:      "relocations_total",
			Help:      "Total number of storage root relocations by result",
		}, []string{"result"}),
		FSCKProblemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockfs",
			Name:      "fsck_problems_total",
			Help:      "Total number of consistency problems detected by category",
		}, []string{"category"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BlocksLive,
			m.AllocationsTotal,
			m.CollisionsTotal,
			m.DynamitedTotal,
			m.RelocationsTotal,
			m.FSCKProblemsTotal,
		)
	}

	return m
}

func (m *Metrics) setLive(n int) {
	if m == nil {
		return
	}
	m.BlocksLive.Set(float64(n))
}

func (m *Metrics) allocated() {
	if m == nil {
		return
	}
	m.AllocationsTotal.Inc()
}

func (m *Metrics) collided() {
	if m == nil {
		return
	}
	m.CollisionsTotal.Inc()
}

func (m *Metrics) dynamited(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DynamitedTotal.Add(float64(n))
}

func (m *Metrics) relocation(result string) {
	if m == nil {
		return
	}
	m.RelocationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) problems(category Category, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FSCKProblemsTotal.WithLabelValues(category.String()).Add(float64(n))
}
