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

package event_tracker_plugin

import (
	"github.com/redpanda-data/benthos/v4/public/service"
)

// EventTrackerMetrics provides metrics collection for the event tracker.
type EventTrackerMetrics struct {
	CommandsProcessed *service.MetricCounter
	CommandsRejected  *service.MetricCounter
	EventsStarted     *service.MetricCounter
	EventsEnded       *service.MetricCounter
	NotesRecorded     *service.MetricCounter
	HeartbeatLines    *service.MetricCounter
}

// NewEventTrackerMetrics creates a new metrics collection for the event tracker
func NewEventTrackerMetrics(metrics *service.Metrics) *EventTrackerMetrics {
	return &EventTrackerMetrics{
		CommandsProcessed: metrics.NewCounter("commands_processed"),
		CommandsRejected:  metrics.NewCounter("commands_rejected"),
		EventsStarted:     metrics.NewCounter("events_started"),
		EventsEnded:       metrics.NewCounter("events_ended"),
		NotesRecorded:     metrics.NewCounter("notes_recorded"),
		HeartbeatLines:    metrics.NewCounter("heartbeat_lines"),
	}
}

// IncrementCommandsProcessed increments the processed commands counter
func (m *EventTrackerMetrics) IncrementCommandsProcessed() {
	m.CommandsProcessed.Incr(1)
}

// IncrementCommandsRejected increments the rejected commands counter
func (m *EventTrackerMetrics) IncrementCommandsRejected() {
	m.CommandsRejected.Incr(1)
}

// IncrementEventsStarted increments the started events counter
func (m *EventTrackerMetrics) IncrementEventsStarted() {
	m.EventsStarted.Incr(1)
}

// IncrementEventsEnded increments the ended events counter
func (m *EventTrackerMetrics) IncrementEventsEnded() {
	m.EventsEnded.Incr(1)
}

// IncrementNotesRecorded increments the recorded notes counter
func (m *EventTrackerMetrics) IncrementNotesRecorded() {
	m.NotesRecorded.Incr(1)
}

// IncrementHeartbeatLines adds to the heartbeat lines counter
func (m *EventTrackerMetrics) IncrementHeartbeatLines(count int64) {
	m.HeartbeatLines.Incr(count)
}
