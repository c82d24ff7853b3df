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

package tile_usage_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// TileUsageMetrics provides metrics collection for the tile ledger.
type TileUsageMetrics struct {
	TilesCounted     *service.MetricCounter
	RecordsRejected  *service.MetricCounter
	SettingsUpdated  *service.MetricCounter
	ProvidersBlocked *service.MetricCounter
}

// NewTileUsageMetrics creates a new metrics collection for the tile ledger
func NewTileUsageMetrics(metrics *service.Metrics) *TileUsageMetrics {
	return &TileUsageMetrics{
		TilesCounted:     metrics.NewCounter("tiles_counted"),
		RecordsRejected:  metrics.NewCounter("records_rejected"),
		SettingsUpdated:  metrics.NewCounter("settings_updated"),
		ProvidersBlocked: metrics.NewCounter("providers_blocked"),
	}
}

// IncrementTilesCounted adds to the counted tiles counter
func (m *TileUsageMetrics) IncrementTilesCounted(count int64) {
	m.TilesCounted.Incr(count)
}

// IncrementRecordsRejected increments the rejected records counter
func (m *TileUsageMetrics) IncrementRecordsRejected() {
	m.RecordsRejected.Incr(1)
}

// IncrementSettingsUpdated increments the settings updates counter
func (m *TileUsageMetrics) IncrementSettingsUpdated() {
	m.SettingsUpdated.Incr(1)
}

// IncrementProvidersBlocked increments the blocked providers counter
func (m *TileUsageMetrics) IncrementProvidersBlocked() {
	m.ProvidersBlocked.Incr(1)
}
