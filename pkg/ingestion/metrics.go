// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. Pass a registerer
// (usually prometheus.DefaultRegisterer) to expose them on /metrics;
// pass nil to keep them unregistered, which tests rely on.
type Metrics struct {
	FilesProcessed *prometheus.CounterVec
	RowsRead       *prometheus.CounterVec
	RowsIngested   *prometheus.CounterVec
	RowsRejected   *prometheus.CounterVec
	LoadDuration   *prometheus.HistogramVec
	BatchFlushes   *prometheus.CounterVec
	InflightWork   *prometheus.GaugeVec
}

// NewMetrics builds and optionally registers the collector set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FilesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hie_files_processed_total",
			Help: "Extract files finished, by extract type and terminal status.",
		}, []string{"extract", "status"}),
		RowsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hie_rows_read_total",
			Help: "Source rows framed out of extract files.",
		}, []string{"extract"}),
		RowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hie_rows_ingested_total",
			Help: "Rows landed in the raw zone.",
		}, []string{"extract"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hie_rows_rejected_total",
			Help: "Rows diverted to the reject store, by category.",
		}, []string{"extract", "category"}),
		LoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "hie_load_duration_seconds",
			Help: "Wall time to land one extract file.",
			// Feed files range from a few hundred rows to millions.
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"extract"}),
		BatchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hie_batch_flushes_total",
			Help: "Buffer flush transactions, by table and outcome.",
		}, []string{"table", "outcome"}),
		InflightWork: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hie_inflight_workers",
			Help: "Workers currently busy, by pool.",
		}, []string{"pool"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FilesProcessed,
			m.RowsRead,
			m.RowsIngested,
			m.RowsRejected,
			m.LoadDuration,
			m.BatchFlushes,
			m.InflightWork,
		)
	}
	return m
}

// ObserveFile records one finished file attempt.
func (m *Metrics) ObserveFile(extract ExtractType, status FileStatus, rowsRead, rowsIngested int64, d time.Duration) {
	if m == nil {
		return
	}
	m.FilesProcessed.WithLabelValues(string(extract), string(status)).Inc()
	m.RowsRead.WithLabelValues(string(extract)).Add(float64(rowsRead))
	m.RowsIngested.WithLabelValues(string(extract)).Add(float64(rowsIngested))
	m.LoadDuration.WithLabelValues(string(extract)).Observe(d.Seconds())
}

// ObserveRejects counts rows diverted to the reject store.
func (m *Metrics) ObserveRejects(extract ExtractType, category Kind, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsRejected.WithLabelValues(string(extract), string(category)).Add(float64(n))
}

// ObserveFlush records one buffer flush transaction.
func (m *Metrics) ObserveFlush(table, outcome string) {
	if m == nil {
		return
	}
	m.BatchFlushes.WithLabelValues(table, outcome).Inc()
}

// WorkerStarted and WorkerDone track pool occupancy.
func (m *Metrics) WorkerStarted(pool string) {
	if m == nil {
		return
	}
	m.InflightWork.WithLabelValues(pool).Inc()
}

func (m *Metrics) WorkerDone(pool string) {
	if m == nil {
		return
	}
	m.InflightWork.WithLabelValues(pool).Dec()
}
