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
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/lineproto"
	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/systemid"
)

// lineMetadataKey carries a rendered line-protocol point downstream. The
// vm_write output writes this metadata verbatim when present.
const lineMetadataKey = "influx_line"

// ackMetadataKey marks command acknowledgement messages so pipelines can
// route them away from the metrics write path.
const ackMetadataKey = "ovr_ack"

// ackActionInvalid labels acks for commands that never parsed far enough to
// carry an action. The metadata value must never be empty: MetaSet with an
// empty value deletes the key, and an ack without ovr_ack metadata would fall
// through the pipeline's routing switch.
const ackActionInvalid = "invalid"

// generalEventID labels notes recorded while no event is active.
const generalEventID = "general"

// EventTrackerConfig holds the configuration for the event tracker.
type EventTrackerConfig struct {
	DBPath            string        `json:"db_path" yaml:"db_path"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	NodeID            string        `json:"node_id" yaml:"node_id"`
	DeploymentID      string        `json:"deployment_id" yaml:"deployment_id"`
	TempEventPrefix   string        `json:"temp_event_prefix" yaml:"temp_event_prefix"`
}

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Track fleet event sessions and emit the unified ovr_event series").
		Description(`The ovr_events processor is the fleet's event/session state machine. Input
messages are JSON commands carrying an action field; for each command the
processor emits zero or more line-protocol messages (metadata influx_line,
ready for the vm_write output) followed by a JSON acknowledgement message
(metadata ovr_ack).

Commands:
 - start: begin an event for a system. A missing event_id mints a temporary
   one; starting over a different active event implicitly ends it first.
 - end: end a system's active event, or every logger of one event when only
   event_id is given.
 - end_all: end every logger of one event, or every active event when no
   event_id is given.
 - location_set / location_clear: move a system's active event to a new
   location. The previous location gets a closing active=0 point so
   dashboards never show two locations active at once.
 - note: record a free-text annotation against the active event, an explicit
   event_id, or the literal "general".
 - tick: no-op drain hook, lets a generate input flush heartbeat refreshes
   through an otherwise idle pipeline.

State lives in SQLite: one active event per system plus an append-only audit
log. A background heartbeat re-emits every active event so the ovr_event
series stays fresh for dashboard overlays.

Command failures are acknowledged with success=false and never fail the
batch.`).
		Field(service.NewStringField("db_path").
			Description("SQLite database path holding active events and the audit log").
			Example("/data/ovr-events.db")).
		Field(service.NewDurationField("heartbeat_interval").
			Description("How often active events are re-emitted, 0s disables the heartbeat").
			Default("2s")).
		Field(service.NewStringField("node_id").
			Description("Node identifier tagged onto event lines").
			Optional()).
		Field(service.NewStringField("deployment_id").
			Description("Deployment identifier tagged onto event lines").
			Optional()).
		Field(service.NewStringField("temp_event_prefix").
			Description("Prefix for locally minted event IDs").
			Default(systemid.TempEventPrefix).
			Advanced())

	err := service.RegisterBatchProcessor(
		"ovr_events",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchProcessor, error) {
			config, err := parseEventTrackerConfig(conf)
			if err != nil {
				return nil, err
			}
			return newEventTrackerProcessor(config, mgr.Logger(), mgr.Metrics())
		})
	if err != nil {
		panic(err)
	}
}

func parseEventTrackerConfig(conf *service.ParsedConfig) (EventTrackerConfig, error) {
	var config EventTrackerConfig
	var err error

	if config.DBPath, err = conf.FieldString("db_path"); err != nil {
		return config, err
	}
	if config.HeartbeatInterval, err = conf.FieldDuration("heartbeat_interval"); err != nil {
		return config, err
	}
	if config.TempEventPrefix, err = conf.FieldString("temp_event_prefix"); err != nil {
		return config, err
	}
	if conf.Contains("node_id") {
		if config.NodeID, err = conf.FieldString("node_id"); err != nil {
			return config, err
		}
	}
	if conf.Contains("deployment_id") {
		if config.DeploymentID, err = conf.FieldString("deployment_id"); err != nil {
			return config, err
		}
	}

	if config.TempEventPrefix == "" {
		return config, fmt.Errorf("temp_event_prefix must not be empty")
	}
	return config, nil
}

// EventTrackerProcessor applies event commands against the SQLite store and
// renders the resulting line-protocol points. Command handling is serialized
// so a start and its implicit end can never interleave.
type EventTrackerProcessor struct {
	config    EventTrackerConfig
	store     *EventStore
	validator *commandValidator
	logger    *service.Logger
	metrics   *EventTrackerMetrics

	commandMutex sync.Mutex

	// Heartbeat refreshes are queued here and drained first in ProcessBatch.
	heartbeatTicker *time.Ticker
	closeChan       chan struct{}
	heartbeatBatch  chan service.MessageBatch

	closeOnce sync.Once
}

func newEventTrackerProcessor(config EventTrackerConfig, logger *service.Logger, metrics *service.Metrics) (*EventTrackerProcessor, error) {
	validator, err := newCommandValidator()
	if err != nil {
		return nil, err
	}

	store, err := OpenEventStore(config.DBPath)
	if err != nil {
		return nil, err
	}

	p := &EventTrackerProcessor{
		config:         config,
		store:          store,
		validator:      validator,
		logger:         logger,
		metrics:        NewEventTrackerMetrics(metrics),
		closeChan:      make(chan struct{}),
		heartbeatBatch: make(chan service.MessageBatch, 1),
	}

	if config.HeartbeatInterval > 0 {
		p.heartbeatTicker = time.NewTicker(config.HeartbeatInterval)
		go p.heartbeatLoop()
		logger.Infof("Event tracker refreshing active events every %v", config.HeartbeatInterval)
	}

	return p, nil
}

// ProcessBatch drains any pending heartbeat refresh, then handles each
// command message. Command-level failures become error acks, never batch
// errors, so a malformed command cannot stall the pipeline.
func (p *EventTrackerProcessor) ProcessBatch(ctx context.Context, batch service.MessageBatch) ([]service.MessageBatch, error) {
	var outBatches []service.MessageBatch

	select {
	case refreshBatch := <-p.heartbeatBatch:
		if len(refreshBatch) > 0 {
			outBatches = append(outBatches, refreshBatch)
		}
	default:
	}

	var outBatch service.MessageBatch
	for _, msg := range batch {
		outBatch = append(outBatch, p.handleMessage(ctx, msg)...)
	}

	if len(outBatch) > 0 {
		outBatches = append(outBatches, outBatch)
	}
	if len(outBatches) == 0 {
		return nil, nil
	}
	return outBatches, nil
}

func (p *EventTrackerProcessor) handleMessage(ctx context.Context, msg *service.Message) service.MessageBatch {
	p.metrics.IncrementCommandsProcessed()

	payload, err := msg.AsBytes()
	if err != nil {
		p.metrics.IncrementCommandsRejected()
		return service.MessageBatch{p.errorAck("", "", err)}
	}

	cmd, err := p.validator.Parse(payload)
	if err != nil {
		p.metrics.IncrementCommandsRejected()
		p.logger.Warnf("Rejected event command: %v", err)
		return service.MessageBatch{p.errorAck("", "", err)}
	}

	p.commandMutex.Lock()
	defer p.commandMutex.Unlock()

	now := time.Now()
	switch cmd.Action {
	case ActionStart:
		return p.handleStart(ctx, cmd, now)
	case ActionEnd:
		return p.handleEnd(ctx, cmd, now)
	case ActionEndAll:
		return p.handleEndAll(ctx, cmd, now)
	case ActionLocationSet:
		return p.handleLocation(ctx, cmd, cmd.Location, now)
	case ActionLocationClear:
		return p.handleLocation(ctx, cmd, lineproto.PlaceholderLocation, now)
	case ActionNote:
		return p.handleNote(ctx, cmd, now)
	case ActionTick:
		// Drain hook only, the heartbeat batch was already picked up.
		return nil
	default:
		p.metrics.IncrementCommandsRejected()
		return service.MessageBatch{p.errorAck(cmd.Action, cmd.SystemID,
			fmt.Errorf("unknown action %q", cmd.Action))}
	}
}

func (p *EventTrackerProcessor) handleStart(ctx context.Context, cmd eventCommand, now time.Time) service.MessageBatch {
	systemID := systemid.Canonicalize(cmd.SystemID)
	if systemID == "" {
		return p.reject(cmd, fmt.Errorf("system_id required"))
	}
	ts := commandTimestamp(cmd, now)

	eventID := strings.TrimSpace(cmd.EventID)
	tempEventID := ""
	if eventID == "" {
		eventID = p.mintTempEventID(systemID, now)
		tempEventID = eventID
	} else if strings.HasPrefix(eventID, p.config.TempEventPrefix) {
		tempEventID = eventID
	}

	location := strings.TrimSpace(cmd.Location)
	note := strings.TrimSpace(cmd.Note)
	nodeID := firstNonEmpty(cmd.NodeID, p.config.NodeID)
	deploymentID := firstNonEmpty(cmd.DeploymentID, p.config.DeploymentID)

	previous, err := p.store.Active(ctx, systemID)
	if err != nil {
		return p.fail(cmd, systemID, eventID, err)
	}

	var out service.MessageBatch
	if previous != nil && previous.EventID != eventID {
		// The system was still in another event, close that series out
		// before opening the new one.
		out = append(out, lineMessage(lineproto.EventLine(
			previous.EventID, systemID, previous.Location, false,
			previous.NodeID, previous.DeploymentID, ts)))
		p.metrics.IncrementEventsEnded()
	}
	out = append(out, lineMessage(lineproto.EventLine(
		eventID, systemID, location, true, nodeID, deploymentID, ts)))
	if note != "" {
		out = append(out, lineMessage(lineproto.NoteLine(systemID, eventID, note, ts)))
	}

	startedAt := ts
	if previous != nil && previous.EventID == eventID {
		startedAt = previous.StartedAt
	}
	err = p.store.UpsertActive(ctx, ActiveEvent{
		SystemID:     systemID,
		EventID:      eventID,
		Location:     location,
		NodeID:       nodeID,
		DeploymentID: deploymentID,
		StartedAt:    startedAt,
		UpdatedAt:    ts,
	})
	if err != nil {
		return p.fail(cmd, systemID, eventID, err)
	}

	p.appendAudit(ctx, ts, "event_start", eventID, systemID, location)
	if note != "" {
		p.appendAudit(ctx, ts, "event_note", eventID, systemID, note)
		p.metrics.IncrementNotesRecorded()
	}
	p.metrics.IncrementEventsStarted()
	p.logger.Infof("Started event %s for system %s", eventID, systemID)

	return append(out, p.ack(commandAck{
		Success:     true,
		Action:      ActionStart,
		SystemID:    systemID,
		EventID:     eventID,
		TempEventID: tempEventID,
		Location:    location,
		Ts:          ts,
	}))
}

func (p *EventTrackerProcessor) handleEnd(ctx context.Context, cmd eventCommand, now time.Time) service.MessageBatch {
	systemID := systemid.Canonicalize(cmd.SystemID)
	eventID := strings.TrimSpace(cmd.EventID)
	if systemID == "" && eventID == "" {
		return p.reject(cmd, fmt.Errorf("system_id or event_id required"))
	}
	if systemID == "" {
		// Ending by event alone ends every logger in that event.
		return p.endEvent(ctx, cmd, eventID, now)
	}
	ts := commandTimestamp(cmd, now)

	active, err := p.store.Active(ctx, systemID)
	if err != nil {
		return p.fail(cmd, systemID, eventID, err)
	}
	if active == nil {
		return service.MessageBatch{p.ack(commandAck{
			Action:   ActionEnd,
			SystemID: systemID,
			EventID:  eventID,
			Error:    fmt.Sprintf("no active event for system %s", systemID),
		})}
	}

	// An explicit event_id overrides the stored one, but the location only
	// applies when it names the event actually active.
	location := ""
	if eventID == "" || eventID == active.EventID {
		eventID = active.EventID
		location = active.Location
	}

	line := lineMessage(lineproto.EventLine(
		eventID, systemID, location, false, active.NodeID, active.DeploymentID, ts))

	if err := p.store.DeleteActive(ctx, systemID); err != nil {
		return p.fail(cmd, systemID, eventID, err)
	}

	p.appendAudit(ctx, ts, "event_end", eventID, systemID, "")
	p.metrics.IncrementEventsEnded()
	p.logger.Infof("Ended event %s for system %s", eventID, systemID)

	return service.MessageBatch{line, p.ack(commandAck{
		Success:  true,
		Action:   ActionEnd,
		SystemID: systemID,
		EventID:  eventID,
		Ts:       ts,
	})}
}

func (p *EventTrackerProcessor) handleEndAll(ctx context.Context, cmd eventCommand, now time.Time) service.MessageBatch {
	return p.endEvent(ctx, cmd, strings.TrimSpace(cmd.EventID), now)
}

// endEvent ends every active row of one event, or every active row of every
// event when eventID is empty.
func (p *EventTrackerProcessor) endEvent(ctx context.Context, cmd eventCommand, eventID string, now time.Time) service.MessageBatch {
	ts := commandTimestamp(cmd, now)

	var rows []ActiveEvent
	var err error
	if eventID == "" {
		rows, err = p.store.ListActive(ctx)
	} else {
		rows, err = p.store.ListActiveByEvent(ctx, eventID)
	}
	if err != nil {
		return p.fail(cmd, "", eventID, err)
	}
	if len(rows) == 0 {
		notFound := "no active events"
		if eventID != "" {
			notFound = fmt.Sprintf("no active loggers for event %s", eventID)
		}
		return service.MessageBatch{p.ack(commandAck{
			Action:  cmd.Action,
			EventID: eventID,
			Error:   notFound,
		})}
	}

	out := make(service.MessageBatch, 0, len(rows)+1)
	for _, row := range rows {
		out = append(out, lineMessage(lineproto.EventLine(
			row.EventID, row.SystemID, row.Location, false,
			row.NodeID, row.DeploymentID, ts)))
		p.metrics.IncrementEventsEnded()
	}

	if eventID == "" {
		_, err = p.store.ClearActive(ctx)
	} else {
		_, err = p.store.DeleteActiveByEvent(ctx, eventID)
	}
	if err != nil {
		return p.fail(cmd, "", eventID, err)
	}

	p.appendAudit(ctx, ts, "event_end_all", eventID, "-", fmt.Sprintf("%d loggers", len(rows)))
	p.logger.Infof("Ended %d loggers for event %q", len(rows), eventID)

	return append(out, p.ack(commandAck{
		Success:     true,
		Action:      cmd.Action,
		EventID:     eventID,
		EventsEnded: len(rows),
		Ts:          ts,
	}))
}

// handleLocation moves the system's active event to a new location. The old
// location's series gets a closing point first so only one location per
// system reads active.
func (p *EventTrackerProcessor) handleLocation(ctx context.Context, cmd eventCommand, location string, now time.Time) service.MessageBatch {
	systemID := systemid.Canonicalize(cmd.SystemID)
	if systemID == "" {
		return p.reject(cmd, fmt.Errorf("system_id required"))
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return p.reject(cmd, fmt.Errorf("location required"))
	}
	ts := commandTimestamp(cmd, now)

	active, err := p.store.Active(ctx, systemID)
	if err != nil {
		return p.fail(cmd, systemID, "", err)
	}
	if active == nil {
		return service.MessageBatch{p.ack(commandAck{
			Action:   cmd.Action,
			SystemID: systemID,
			Error:    fmt.Sprintf("no active event for system %s", systemID),
		})}
	}

	previousLocation := orPlaceholder(active.Location)
	var out service.MessageBatch
	if previousLocation != location {
		out = append(out, lineMessage(lineproto.EventLine(
			active.EventID, systemID, previousLocation, false,
			active.NodeID, active.DeploymentID, ts)))
	}
	out = append(out, lineMessage(lineproto.EventLine(
		active.EventID, systemID, location, true,
		active.NodeID, active.DeploymentID, ts)))

	stored := location
	if stored == lineproto.PlaceholderLocation {
		stored = ""
	}
	if err := p.store.SetLocation(ctx, systemID, stored, ts); err != nil {
		return p.fail(cmd, systemID, active.EventID, err)
	}

	p.appendAudit(ctx, ts, cmd.Action, active.EventID, systemID, location)
	p.logger.Infof("Event %s for system %s now at %s", active.EventID, systemID, location)

	return append(out, p.ack(commandAck{
		Success:  true,
		Action:   cmd.Action,
		SystemID: systemID,
		EventID:  active.EventID,
		Location: location,
		Ts:       ts,
	}))
}

func (p *EventTrackerProcessor) handleNote(ctx context.Context, cmd eventCommand, now time.Time) service.MessageBatch {
	systemID := systemid.Canonicalize(cmd.SystemID)
	if systemID == "" {
		return p.reject(cmd, fmt.Errorf("system_id required"))
	}
	msg := strings.TrimSpace(cmd.Msg)
	if msg == "" {
		msg = strings.TrimSpace(cmd.Note)
	}
	if msg == "" {
		return p.reject(cmd, fmt.Errorf("msg required"))
	}
	ts := commandTimestamp(cmd, now)

	// An explicit event_id wins, then the system's active event, then the
	// note is filed under "general".
	eventID := strings.TrimSpace(cmd.EventID)
	if eventID == "" {
		active, err := p.store.Active(ctx, systemID)
		if err != nil {
			return p.fail(cmd, systemID, "", err)
		}
		if active != nil {
			eventID = active.EventID
		}
	}
	if eventID == "" {
		eventID = generalEventID
	}

	p.appendAudit(ctx, ts, "note", eventID, systemID, msg)
	p.metrics.IncrementNotesRecorded()

	return service.MessageBatch{
		lineMessage(lineproto.NoteLine(systemID, eventID, msg, ts)),
		p.ack(commandAck{
			Success:  true,
			Action:   ActionNote,
			SystemID: systemID,
			EventID:  eventID,
			Ts:       ts,
		}),
	}
}

// heartbeatLoop periodically re-emits every active event so the ovr_event
// series never goes stale between commands.
func (p *EventTrackerProcessor) heartbeatLoop() {
	for {
		select {
		case <-p.heartbeatTicker.C:
			p.refreshActiveEvents()
		case <-p.closeChan:
			return
		}
	}
}

func (p *EventTrackerProcessor) refreshActiveEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.store.ListActive(ctx)
	if err != nil {
		p.logger.Errorf("Heartbeat query failed: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	ts := time.Now().UnixNano()
	refreshBatch := make(service.MessageBatch, 0, len(rows))
	for _, row := range rows {
		refreshBatch = append(refreshBatch, lineMessage(lineproto.EventLine(
			row.EventID, row.SystemID, row.Location, true,
			row.NodeID, row.DeploymentID, ts)))
	}
	p.metrics.IncrementHeartbeatLines(int64(len(refreshBatch)))

	// A queued refresh that was never drained only repeats what this one
	// says at an older timestamp, so replace it.
	select {
	case <-p.heartbeatBatch:
	default:
	}
	select {
	case p.heartbeatBatch <- refreshBatch:
	default:
	}
}

// Close stops the heartbeat goroutine and releases the store.
func (p *EventTrackerProcessor) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.heartbeatTicker != nil {
			p.heartbeatTicker.Stop()
		}
	})
	return p.store.Close()
}

func (p *EventTrackerProcessor) mintTempEventID(systemID string, now time.Time) string {
	fragment := systemid.SafeFragment(firstNonEmpty(p.config.NodeID, systemID))
	if fragment == "" {
		fragment = "node"
	}
	return p.config.TempEventPrefix + fragment + "-" + fmt.Sprintf("%d", now.Unix())
}

// appendAudit records the audit row and logs on failure. Audit is bookkeeping
// around an already-emitted line, losing a row must not fail the command.
func (p *EventTrackerProcessor) appendAudit(ctx context.Context, ts int64, action, eventID, systemID, detail string) {
	if err := p.store.AppendAudit(ctx, ts, action, eventID, systemID, detail); err != nil {
		p.logger.Errorf("Audit append failed for %s: %v", action, err)
	}
}

// reject acks a command that failed validation in a handler.
func (p *EventTrackerProcessor) reject(cmd eventCommand, err error) service.MessageBatch {
	p.metrics.IncrementCommandsRejected()
	p.logger.Warnf("Rejected %s command: %v", cmd.Action, err)
	return service.MessageBatch{p.errorAck(cmd.Action, cmd.SystemID, err)}
}

// fail acks a command that hit a store error.
func (p *EventTrackerProcessor) fail(cmd eventCommand, systemID, eventID string, err error) service.MessageBatch {
	p.logger.Errorf("Event command %s failed: %v", cmd.Action, err)
	return service.MessageBatch{p.ack(commandAck{
		Action:   cmd.Action,
		SystemID: systemID,
		EventID:  eventID,
		Error:    err.Error(),
	})}
}

func (p *EventTrackerProcessor) errorAck(action, systemID string, err error) *service.Message {
	if action == "" {
		action = ackActionInvalid
	}
	return p.ack(commandAck{
		Action:   action,
		SystemID: systemID,
		Error:    err.Error(),
	})
}

func (p *EventTrackerProcessor) ack(ack commandAck) *service.Message {
	payload, err := json.Marshal(ack)
	if err != nil {
		p.logger.Errorf("Failed to encode command ack: %v", err)
		payload = []byte(`{"success":false,"error":"ack encoding failed"}`)
	}
	msg := service.NewMessage(payload)
	msg.MetaSet(ackMetadataKey, ack.Action)
	return msg
}

func lineMessage(line string) *service.Message {
	msg := service.NewMessage([]byte(line))
	msg.MetaSet(lineMetadataKey, line)
	return msg
}

func commandTimestamp(cmd eventCommand, now time.Time) int64 {
	if cmd.Ts > 0 {
		return cmd.Ts
	}
	return now.UnixNano()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

func orPlaceholder(location string) string {
	if location == "" {
		return lineproto.PlaceholderLocation
	}
	return location
}
