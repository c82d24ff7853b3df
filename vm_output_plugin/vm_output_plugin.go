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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"
)

const defaultLineMetadataKey = "influx_line"

// init registers the "vm_write" batch output plugin with Benthos using its configuration and constructor.
func init() {
	service.RegisterBatchOutput("vm_write", outputConfig(), newVmOutput)
}

func outputConfig() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("1.0.0").
		Summary("Writes telemetry to VictoriaMetrics over the influx line protocol endpoint").
		Description(`
The vm_write output posts batches of influx line protocol to a VictoriaMetrics
write endpoint. VictoriaMetrics answers 204 (or 200) on success, anything else
is treated as a failed attempt and retried with exponential backoff.

Messages are rendered one line each. A message that already carries a complete
line in its influx_line metadata, the way the ovr_events tracker emits them, is
forwarded verbatim. Every other message must carry metric_name metadata as set
by the victron_topics processor: the line is then built from that name, the
service/instance/phase metadata tags, the configured global tags and the
sampled payload value.

A secondary endpoint receives a best effort copy of every successful batch.
Failures on the copy are logged and counted but never fail the batch, so a
flaky central ingest cannot stall the site local write path.`).
		Field(service.NewStringField("url").
			Description("Write endpoint of the primary VictoriaMetrics instance").
			Example("http://victoriametrics:8428/write")).
		Field(service.NewStringField("secondary_url").
			Description("Optional endpoint receiving a best effort copy of every batch").
			Optional()).
		Field(service.NewStringField("username").
			Description("Username for HTTP basic auth").
			Optional()).
		Field(service.NewStringField("password").
			Description("Password for HTTP basic auth").
			Optional().
			Secret()).
		Field(service.NewStringField("password_file").
			Description("Read the basic auth password from this file instead of the config. The file is read on connect, so mounted secrets may appear late.").
			Optional().
			Advanced()).
		Field(service.NewDurationField("timeout").
			Description("Timeout for a single write request").
			Default("10s")).
		Field(service.NewIntField("max_retries").
			Description("Number of attempts per batch against the primary endpoint").
			Default(3)).
		Field(service.NewDurationField("retry_backoff").
			Description("Base delay before the first retry, doubled on every further attempt").
			Default("500ms").
			Advanced()).
		Field(service.NewStringMapField("global_tags").
			Description("Static tags added to every rendered line, e.g. the system_id of this site").
			Example(map[string]any{"system_id": "Pro6000-7"}).
			Optional()).
		Field(service.NewStringField("line_metadata_key").
			Description("Metadata key holding a prebuilt line that bypasses rendering").
			Default(defaultLineMetadataKey).
			Advanced()).
		Field(service.NewOutputMaxInFlightField())
}

type vmOutputConfig struct {
	url             string
	secondaryURL    string
	username        string
	password        string
	passwordFile    string
	timeout         time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	globalTags      map[string]string
	lineMetadataKey string
}

type vmOutput struct {
	config  vmOutputConfig
	builder *lineBuilder
	client  *http.Client
	// password is resolved on Connect, from the config or the password file
	password string
	log      *service.Logger
	metrics  *VmOutputMetrics
}

func newVmOutput(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchOutput, service.BatchPolicy, int, error) {
	batchPolicy := service.BatchPolicy{
		Count:  100,
		Period: "100ms",
	}

	maxInFlight, err := conf.FieldMaxInFlight()
	if err != nil {
		return nil, batchPolicy, 0, err
	}

	config, err := parseVmOutputConfig(conf)
	if err != nil {
		return nil, batchPolicy, 0, err
	}

	client := &http.Client{Timeout: config.timeout}
	output := newVmOutputWithClient(config, client, mgr.Logger(), NewVmOutputMetrics(mgr.Metrics()))
	return output, batchPolicy, maxInFlight, nil
}

// Testable constructor that accepts the HTTP client
func newVmOutputWithClient(config vmOutputConfig, client *http.Client, logger *service.Logger, metrics *VmOutputMetrics) service.BatchOutput {
	return &vmOutput{
		config:  config,
		builder: newLineBuilder(config.lineMetadataKey, config.globalTags),
		client:  client,
		log:     logger,
		metrics: metrics,
	}
}

func parseVmOutputConfig(conf *service.ParsedConfig) (vmOutputConfig, error) {
	var config vmOutputConfig
	var err error

	if config.url, err = conf.FieldString("url"); err != nil {
		return config, err
	}
	if config.url == "" {
		return config, fmt.Errorf("url must not be empty")
	}

	if conf.Contains("secondary_url") {
		if config.secondaryURL, err = conf.FieldString("secondary_url"); err != nil {
			return config, err
		}
	}
	if conf.Contains("username") {
		if config.username, err = conf.FieldString("username"); err != nil {
			return config, err
		}
	}
	if conf.Contains("password") {
		if config.password, err = conf.FieldString("password"); err != nil {
			return config, err
		}
	}
	if conf.Contains("password_file") {
		if config.passwordFile, err = conf.FieldString("password_file"); err != nil {
			return config, err
		}
	}
	if config.password != "" && config.passwordFile != "" {
		return config, fmt.Errorf("password and password_file are mutually exclusive")
	}

	if config.timeout, err = conf.FieldDuration("timeout"); err != nil {
		return config, err
	}
	if config.maxRetries, err = conf.FieldInt("max_retries"); err != nil {
		return config, err
	}
	if config.maxRetries < 1 {
		return config, fmt.Errorf("max_retries must be at least 1")
	}
	if config.retryBackoff, err = conf.FieldDuration("retry_backoff"); err != nil {
		return config, err
	}

	if conf.Contains("global_tags") {
		if config.globalTags, err = conf.FieldStringMap("global_tags"); err != nil {
			return config, err
		}
	}
	if config.lineMetadataKey, err = conf.FieldString("line_metadata_key"); err != nil {
		return config, err
	}

	return config, nil
}

// Connect resolves the credentials. The endpoint itself is not probed, a dead
// VictoriaMetrics surfaces on the first write and is retried there.
func (o *vmOutput) Connect(ctx context.Context) error {
	if o.config.passwordFile != "" {
		data, err := os.ReadFile(o.config.passwordFile)
		if err != nil {
			return fmt.Errorf("error reading password file: %v", err)
		}
		o.password = strings.TrimSpace(string(data))
	} else {
		o.password = o.config.password
	}

	o.log.Infof("Writing telemetry to VictoriaMetrics at %s", o.config.url)
	if o.config.secondaryURL != "" {
		o.log.Infof("Mirroring telemetry best effort to %s", o.config.secondaryURL)
	}
	return nil
}

// WriteBatch implements service.BatchOutput.
func (o *vmOutput) WriteBatch(ctx context.Context, msgs service.MessageBatch) error {
	now := time.Now()

	lines := make([]string, 0, len(msgs))
	for i, msg := range msgs {
		line, err := o.builder.Build(msg, now)
		if err != nil {
			o.log.Warnf("Dropping message %d of batch: %v", i, err)
			o.metrics.IncrementLinesDropped()
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil
	}

	payload := strings.Join(lines, "\n")
	if err := o.writeWithRetry(ctx, o.config.url, payload); err != nil {
		o.metrics.IncrementWriteFailures()
		return err
	}
	o.metrics.IncrementLinesWritten(int64(len(lines)))
	o.metrics.IncrementBatchesWritten()

	if o.config.secondaryURL != "" {
		if err := o.post(ctx, o.config.secondaryURL, payload); err != nil {
			o.metrics.IncrementSecondaryFailures()
			o.log.Warnf("Best effort copy to %s failed: %v", o.config.secondaryURL, err)
		}
	}
	return nil
}

// writeWithRetry posts the payload until it is accepted or the attempts are
// exhausted. The backoff doubles per attempt and aborts early when the stream
// shuts down.
func (o *vmOutput) writeWithRetry(ctx context.Context, url, payload string) error {
	var lastErr error
	for attempt := 0; attempt < o.config.maxRetries; attempt++ {
		if attempt > 0 {
			o.metrics.IncrementWriteRetries()
			backoff := o.config.retryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if lastErr = o.post(ctx, url, payload); lastErr == nil {
			return nil
		}
		o.log.Warnf("Write attempt %d/%d to %s failed: %v", attempt+1, o.config.maxRetries, url, lastErr)
	}
	return fmt.Errorf("all %d write attempts to %s failed: %v", o.config.maxRetries, url, lastErr)
}

func (o *vmOutput) post(ctx context.Context, url, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error building write request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if o.config.username != "" {
		req.SetBasicAuth(o.config.username, o.password)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections held by the HTTP client.
func (o *vmOutput) Close(ctx context.Context) error {
	if o.client != nil {
		o.client.CloseIdleConnections()
	}
	return nil
}
