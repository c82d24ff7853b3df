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

package energy_report_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// EnergyReportMetrics provides metrics collection for the report generator.
type EnergyReportMetrics struct {
	ReportsGenerated *service.MetricCounter
	ReportFailures   *service.MetricCounter
	ProfilesDetected *service.MetricCounter
}

// NewEnergyReportMetrics creates a new metrics collection for the report generator
func NewEnergyReportMetrics(metrics *service.Metrics) *EnergyReportMetrics {
	return &EnergyReportMetrics{
		ReportsGenerated: metrics.NewCounter("reports_generated"),
		ReportFailures:   metrics.NewCounter("report_failures"),
		ProfilesDetected: metrics.NewCounter("profiles_detected"),
	}
}

// IncrementReportsGenerated increments the generated reports counter
func (m *EnergyReportMetrics) IncrementReportsGenerated() {
	m.ReportsGenerated.Incr(1)
}

// IncrementReportFailures increments the failed reports counter
func (m *EnergyReportMetrics) IncrementReportFailures() {
	m.ReportFailures.Incr(1)
}

// IncrementProfilesDetected increments the detected profiles counter
func (m *EnergyReportMetrics) IncrementProfilesDetected() {
	m.ProfilesDetected.Incr(1)
}
