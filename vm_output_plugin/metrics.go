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

package vm_output_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// VmOutputMetrics provides metrics collection for the VictoriaMetrics output.
type VmOutputMetrics struct {
	LinesWritten      *service.MetricCounter
	LinesDropped      *service.MetricCounter
	BatchesWritten    *service.MetricCounter
	WriteRetries      *service.MetricCounter
	WriteFailures     *service.MetricCounter
	SecondaryFailures *service.MetricCounter
}

// NewVmOutputMetrics creates a new metrics collection for the VictoriaMetrics output
func NewVmOutputMetrics(metrics *service.Metrics) *VmOutputMetrics {
	return &VmOutputMetrics{
		LinesWritten:      metrics.NewCounter("lines_written"),
		LinesDropped:      metrics.NewCounter("lines_dropped"),
		BatchesWritten:    metrics.NewCounter("batches_written"),
		WriteRetries:      metrics.NewCounter("write_retries"),
		WriteFailures:     metrics.NewCounter("write_failures"),
		SecondaryFailures: metrics.NewCounter("secondary_failures"),
	}
}

// IncrementLinesWritten adds the number of lines accepted by the primary endpoint
func (m *VmOutputMetrics) IncrementLinesWritten(count int64) {
	m.LinesWritten.Incr(count)
}

// IncrementLinesDropped increments the counter of messages that could not be rendered
func (m *VmOutputMetrics) IncrementLinesDropped() {
	m.LinesDropped.Incr(1)
}

// IncrementBatchesWritten increments the successful batch counter
func (m *VmOutputMetrics) IncrementBatchesWritten() {
	m.BatchesWritten.Incr(1)
}

// IncrementWriteRetries increments the retry counter
func (m *VmOutputMetrics) IncrementWriteRetries() {
	m.WriteRetries.Incr(1)
}

// IncrementWriteFailures increments the counter of batches that exhausted all retries
func (m *VmOutputMetrics) IncrementWriteFailures() {
	m.WriteFailures.Incr(1)
}

// IncrementSecondaryFailures increments the counter of failed best effort copies
func (m *VmOutputMetrics) IncrementSecondaryFailures() {
	m.SecondaryFailures.Incr(1)
}
