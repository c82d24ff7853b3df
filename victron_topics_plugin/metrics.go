// Copyright 2025 Overdrive Energy Solutions
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

package victron_topics_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// VictronTopicsMetrics provides metrics collection for the normalizer plugin.
// Every message lands in exactly one of rewritten, passthrough or dropped.
type VictronTopicsMetrics struct {
	MessagesProcessed   *service.MetricCounter
	MessagesRewritten   *service.MetricCounter
	MessagesPassthrough *service.MetricCounter
	MessagesDropped     *service.MetricCounter
	CacheHits           *service.MetricCounter
}

// NewVictronTopicsMetrics creates a new metrics collection for the normalizer plugin
func NewVictronTopicsMetrics(metrics *service.Metrics) *VictronTopicsMetrics {
	return &VictronTopicsMetrics{
		MessagesProcessed:   metrics.NewCounter("messages_processed"),
		MessagesRewritten:   metrics.NewCounter("messages_rewritten"),
		MessagesPassthrough: metrics.NewCounter("messages_passthrough"),
		MessagesDropped:     metrics.NewCounter("messages_dropped"),
		CacheHits:           metrics.NewCounter("cache_hits"),
	}
}

// IncrementProcessed increments the processed messages counter
func (m *VictronTopicsMetrics) IncrementProcessed() {
	m.MessagesProcessed.Incr(1)
}

// IncrementRewritten increments the rewritten messages counter
func (m *VictronTopicsMetrics) IncrementRewritten() {
	m.MessagesRewritten.Incr(1)
}

// IncrementPassthrough increments the passthrough messages counter
func (m *VictronTopicsMetrics) IncrementPassthrough() {
	m.MessagesPassthrough.Incr(1)
}

// IncrementDropped increments the dropped messages counter
func (m *VictronTopicsMetrics) IncrementDropped() {
	m.MessagesDropped.Incr(1)
}

// IncrementCacheHit increments the rewrite cache hit counter
func (m *VictronTopicsMetrics) IncrementCacheHit() {
	m.CacheHits.Incr(1)
}
