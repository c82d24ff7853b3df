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

package venus_keepalive_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// VenusKeepaliveMetrics provides metrics collection for the keepalive input.
type VenusKeepaliveMetrics struct {
	KeepalivesSent    *service.MetricCounter
	KeepaliveFailures *service.MetricCounter
	BrokerReconnects  *service.MetricCounter
}

// NewVenusKeepaliveMetrics creates a new metrics collection for the keepalive input
func NewVenusKeepaliveMetrics(metrics *service.Metrics) *VenusKeepaliveMetrics {
	return &VenusKeepaliveMetrics{
		KeepalivesSent:    metrics.NewCounter("keepalives_sent"),
		KeepaliveFailures: metrics.NewCounter("keepalive_failures"),
		BrokerReconnects:  metrics.NewCounter("broker_reconnects"),
	}
}

// IncrementKeepalivesSent increments the sent keepalives counter
func (m *VenusKeepaliveMetrics) IncrementKeepalivesSent() {
	m.KeepalivesSent.Incr(1)
}

// IncrementKeepaliveFailures increments the failed keepalives counter
func (m *VenusKeepaliveMetrics) IncrementKeepaliveFailures() {
	m.KeepaliveFailures.Incr(1)
}

// IncrementReconnects increments the broker reconnects counter
func (m *VenusKeepaliveMetrics) IncrementReconnects() {
	m.BrokerReconnects.Incr(1)
}
