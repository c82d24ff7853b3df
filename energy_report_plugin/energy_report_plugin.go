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

// Package energy_report_plugin generates after-event energy reports from the
// series already sitting in VictoriaMetrics. A report request names a system
// and a time window; the processor works out what hardware the system runs,
// integrates its power series into energy figures, and answers with a report
// document.
package energy_report_plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonschema"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/systemid"
	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/vmquery"
)

// reportIDMetadataKey carries the generated report ID so delivery stages can
// name uploads without reparsing the document.
const reportIDMetadataKey = "report_id"

// EnergyReportConfig holds the configuration for the report generator.
type EnergyReportConfig struct {
	URL          string
	Username     string
	Password     string
	PasswordFile string

	ProbeWindow      time.Duration
	PowerThreshold   float64
	VoltageThreshold float64
	ProfileTTL       time.Duration
	Step             time.Duration

	QueriesPerSecond float64
}

func init() {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Generate energy reports for fleet systems from VictoriaMetrics series").
		Description(`The energy_report processor answers report requests:

  {"system_id": "Pro6000-7", "start": "...", "end": "...", "event_id": "festival-42"}

start and end accept RFC3339 strings or unix seconds. For each request the
processor auto-detects the device profile (Victron inverter or Acuvim meter,
active phases, nominal voltage) by probing which series carry data, then
integrates real and apparent power over the window and reports totals, per
phase figures, peak and average power. The response replaces the message
payload with the report JSON and sets a report_id metadata key.

Failed requests are answered with {"success": false, "error": ...} and
counted, never raised as batch errors. Device profiles are cached per system
for profile_ttl.`).
		Field(service.NewStringField("url").
			Description("VictoriaMetrics base URL queried for series").
			Example("http://victoriametrics:8428")).
		Field(service.NewStringField("username").
			Description("Basic auth username").
			Optional()).
		Field(service.NewStringField("password").
			Description("Basic auth password").
			Optional().
			Secret()).
		Field(service.NewStringField("password_file").
			Description("File to read the basic auth password from, mutually exclusive with password").
			Optional()).
		Field(service.NewDurationField("probe_window").
			Description("How much of the window's tail profile detection probes").
			Default("1h").
			Advanced()).
		Field(service.NewFloatField("power_threshold").
			Description("Average watts above which a phase counts as loaded").
			Default(10.0).
			Advanced()).
		Field(service.NewFloatField("voltage_threshold").
			Description("Average volts above which a metered phase counts as energized").
			Default(20.0).
			Advanced()).
		Field(service.NewDurationField("profile_ttl").
			Description("How long detected device profiles are cached").
			Default("10m").
			Advanced()).
		Field(service.NewDurationField("step").
			Description("Sampling step for the range queries reports integrate over").
			Default("30s").
			Advanced()).
		Field(service.NewFloatField("queries_per_second").
			Description("Query rate cap so report runs cannot starve live ingest").
			Default(10.0).
			Advanced())

	err := service.RegisterBatchProcessor(
		"energy_report",
		spec,
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchProcessor, error) {
			config, err := parseEnergyReportConfig(conf)
			if err != nil {
				return nil, err
			}
			return newEnergyReportProcessor(config, mgr.Logger(), mgr.Metrics())
		})
	if err != nil {
		panic(err)
	}
}

func parseEnergyReportConfig(conf *service.ParsedConfig) (EnergyReportConfig, error) {
	var config EnergyReportConfig
	var err error

	if config.URL, err = conf.FieldString("url"); err != nil {
		return config, err
	}
	if config.URL == "" {
		return config, fmt.Errorf("url must not be empty")
	}
	if conf.Contains("username") {
		if config.Username, err = conf.FieldString("username"); err != nil {
			return config, err
		}
	}
	if conf.Contains("password") {
		if config.Password, err = conf.FieldString("password"); err != nil {
			return config, err
		}
	}
	if conf.Contains("password_file") {
		if config.PasswordFile, err = conf.FieldString("password_file"); err != nil {
			return config, err
		}
	}
	if config.Password != "" && config.PasswordFile != "" {
		return config, fmt.Errorf("password and password_file are mutually exclusive")
	}

	if config.ProbeWindow, err = conf.FieldDuration("probe_window"); err != nil {
		return config, err
	}
	if config.ProbeWindow <= 0 {
		return config, fmt.Errorf("probe_window must be positive")
	}
	if config.PowerThreshold, err = conf.FieldFloat("power_threshold"); err != nil {
		return config, err
	}
	if config.VoltageThreshold, err = conf.FieldFloat("voltage_threshold"); err != nil {
		return config, err
	}
	if config.ProfileTTL, err = conf.FieldDuration("profile_ttl"); err != nil {
		return config, err
	}
	if config.Step, err = conf.FieldDuration("step"); err != nil {
		return config, err
	}
	if config.Step <= 0 {
		return config, fmt.Errorf("step must be positive")
	}
	if config.QueriesPerSecond, err = conf.FieldFloat("queries_per_second"); err != nil {
		return config, err
	}

	return config, nil
}

// requestSchema shapes the report request envelope.
var requestSchema = []byte(`{
	"type": "object",
	"required": ["system_id", "start", "end"],
	"properties": {
		"system_id": {"type": "string", "minLength": 1},
		"start":     {"type": ["string", "integer"]},
		"end":       {"type": ["string", "integer"]},
		"event_id":  {"type": "string"}
	}
}`)

type reportRequestEnvelope struct {
	SystemID string `json:"system_id"`
	EventID  string `json:"event_id"`
	Start    any    `json:"start"`
	End      any    `json:"end"`
}

// EnergyReportProcessor services report requests against one VictoriaMetrics
// instance.
type EnergyReportProcessor struct {
	config   EnergyReportConfig
	schema   *jsonschema.Schema
	detector *profileDetector
	builder  *reportBuilder
	logger   *service.Logger
	metrics  *EnergyReportMetrics
}

func newEnergyReportProcessor(config EnergyReportConfig, logger *service.Logger, metrics *service.Metrics) (*EnergyReportProcessor, error) {
	compiled, err := jsonschema.NewCompiler().Compile(requestSchema)
	if err != nil {
		return nil, fmt.Errorf("error compiling report request schema: %v", err)
	}

	password := config.Password
	if config.PasswordFile != "" {
		data, err := os.ReadFile(config.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("error reading password file: %v", err)
		}
		password = strings.TrimSpace(string(data))
	}

	client, err := vmquery.New(vmquery.Config{
		BaseURL:          config.URL,
		Username:         config.Username,
		Password:         password,
		QueriesPerSecond: config.QueriesPerSecond,
	})
	if err != nil {
		return nil, err
	}

	detector, err := newProfileDetector(client,
		config.ProbeWindow, config.PowerThreshold, config.VoltageThreshold, config.ProfileTTL)
	if err != nil {
		return nil, err
	}

	step := fmt.Sprintf("%ds", int(config.Step.Seconds()))
	return &EnergyReportProcessor{
		config:   config,
		schema:   compiled,
		detector: detector,
		builder:  newReportBuilder(client, step, logger),
		logger:   logger,
		metrics:  NewEnergyReportMetrics(metrics),
	}, nil
}

// ProcessBatch answers each request message with a report document or an
// error document. Requests are independent, one bad window never fails its
// neighbours.
func (p *EnergyReportProcessor) ProcessBatch(ctx context.Context, batch service.MessageBatch) ([]service.MessageBatch, error) {
	outBatch := make(service.MessageBatch, 0, len(batch))
	for _, msg := range batch {
		outBatch = append(outBatch, p.handleRequest(ctx, msg))
	}
	return []service.MessageBatch{outBatch}, nil
}

func (p *EnergyReportProcessor) handleRequest(ctx context.Context, msg *service.Message) *service.Message {
	payload, err := msg.AsBytes()
	if err != nil {
		return p.errorResponse("", "", err)
	}

	systemID, eventID, start, end, err := p.parseRequest(payload)
	if err != nil {
		p.logger.Warnf("Rejected report request: %v", err)
		return p.errorResponse(systemID, eventID, err)
	}

	profile, cached, err := p.detector.Detect(ctx, systemID, start, end)
	if err != nil {
		if errors.Is(err, ErrUnknownDevice) {
			p.logger.Warnf("Report for %s: %v", systemID, err)
		} else {
			p.logger.Errorf("Profile detection for %s failed: %v", systemID, err)
		}
		return p.errorResponse(systemID, eventID, err)
	}
	if !cached {
		p.metrics.IncrementProfilesDetected()
		p.logger.Infof("Detected %s %s (%s, %dV) for system %s",
			profile.Source, profile.Model, profile.PhaseLayout, profile.VoltageLevel, systemID)
	}

	report, err := p.builder.Build(ctx, profile, systemID, eventID, start, end)
	if err != nil {
		p.logger.Errorf("Report for %s failed: %v", systemID, err)
		return p.errorResponse(systemID, eventID, err)
	}

	rendered, err := json.Marshal(report)
	if err != nil {
		return p.errorResponse(systemID, eventID, fmt.Errorf("error encoding report: %v", err))
	}

	p.metrics.IncrementReportsGenerated()
	p.logger.Infof("Generated report %s for system %s: %.1f Wh over %.0fs",
		report.ReportID, systemID, report.Energy.TotalWh, report.DurationSeconds)

	out := service.NewMessage(rendered)
	out.MetaSet(reportIDMetadataKey, report.ReportID)
	return out
}

// parseRequest validates and decodes one request payload.
func (p *EnergyReportProcessor) parseRequest(payload []byte) (systemID, eventID string, start, end time.Time, err error) {
	if !json.Valid(payload) {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("report request is not valid JSON")
	}

	result := p.schema.ValidateJSON(payload)
	if result == nil {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("report request validation produced no result")
	}
	if !result.Valid {
		var validationErrors []string
		for _, validationErr := range result.Errors {
			if validationErr != nil {
				validationErrors = append(validationErrors, validationErr.Error())
			}
		}
		return "", "", time.Time{}, time.Time{},
			fmt.Errorf("invalid report request: %s", strings.Join(validationErrors, "; "))
	}

	var envelope reportRequestEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", "", time.Time{}, time.Time{}, fmt.Errorf("error decoding report request: %v", err)
	}

	systemID = systemid.Canonicalize(envelope.SystemID)
	eventID = strings.TrimSpace(envelope.EventID)

	if start, err = parseTimeValue(envelope.Start); err != nil {
		return systemID, eventID, time.Time{}, time.Time{}, fmt.Errorf("invalid start: %v", err)
	}
	if end, err = parseTimeValue(envelope.End); err != nil {
		return systemID, eventID, time.Time{}, time.Time{}, fmt.Errorf("invalid end: %v", err)
	}
	if !end.After(start) {
		return systemID, eventID, start, end, fmt.Errorf("end must be after start")
	}
	return systemID, eventID, start, end, nil
}

// parseTimeValue accepts RFC3339 strings and unix seconds.
func parseTimeValue(raw any) (time.Time, error) {
	switch value := raw.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q is not RFC3339", value)
		}
		return parsed, nil
	case float64:
		return time.Unix(int64(value), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

func (p *EnergyReportProcessor) errorResponse(systemID, eventID string, err error) *service.Message {
	p.metrics.IncrementReportFailures()

	response := map[string]any{
		"success": false,
		"error":   err.Error(),
	}
	if systemID != "" {
		response["system_id"] = systemID
	}
	if eventID != "" {
		response["event_id"] = eventID
	}

	rendered, encodeErr := json.Marshal(response)
	if encodeErr != nil {
		rendered = []byte(`{"success":false,"error":"response encoding failed"}`)
	}
	return service.NewMessage(rendered)
}

// Close implements service.BatchProcessor.
func (p *EnergyReportProcessor) Close(ctx context.Context) error {
	return nil
}
