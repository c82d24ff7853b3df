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
	"encoding/json"
	"fmt"
	"time"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/lineproto"
)

// Metadata keys written by the victron_topics processor. Their values become
// tags on every rendered line.
var tagMetadataKeys = []string{"service", "instance", "phase"}

// lineBuilder renders messages into influx line protocol. Messages carrying a
// prebuilt line in their metadata are forwarded verbatim, everything else is
// rendered from the metric metadata plus the sampled payload value.
type lineBuilder struct {
	lineMetadataKey string
	globalTags      map[string]string
}

func newLineBuilder(lineMetadataKey string, globalTags map[string]string) *lineBuilder {
	frozen := make(map[string]string, len(globalTags))
	for k, v := range globalTags {
		frozen[k] = v
	}
	return &lineBuilder{
		lineMetadataKey: lineMetadataKey,
		globalTags:      frozen,
	}
}

// Build renders one message into a single line. The now argument stamps lines
// whose payload carries no timestamp of its own.
func (b *lineBuilder) Build(msg *service.Message, now time.Time) (string, error) {
	if line, ok := msg.MetaGet(b.lineMetadataKey); ok && line != "" {
		return line, nil
	}

	name, ok := msg.MetaGet("metric_name")
	if !ok || name == "" {
		return "", fmt.Errorf("message carries neither a prebuilt line nor metric_name metadata")
	}

	tags := make(map[string]string, len(b.globalTags)+len(tagMetadataKeys))
	for k, v := range b.globalTags {
		tags[k] = v
	}
	for _, key := range tagMetadataKeys {
		if v, ok := msg.MetaGet(key); ok && v != "" {
			tags[key] = v
		}
	}

	structured, err := msg.AsStructured()
	if err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %v", err)
	}

	value, tsNano, err := extractSample(structured, now)
	if err != nil {
		return "", err
	}

	return lineproto.Line(name, tags, map[string]any{"value": value}, tsNano), nil
}

// extractSample pulls the sampled value and timestamp out of a decoded
// payload. Venus publishes objects of the form {"value": 230.1}, other feeds
// hand over bare scalars.
func extractSample(structured any, now time.Time) (any, int64, error) {
	tsNano := now.UnixNano()

	obj, isObject := structured.(map[string]any)
	if isObject {
		raw, exists := obj["value"]
		if !exists {
			return nil, 0, fmt.Errorf("payload object has no value key")
		}
		if ms, ok := numericField(obj["timestamp_ms"]); ok {
			tsNano = int64(ms) * int64(time.Millisecond)
		}
		structured = raw
	}

	switch v := structured.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, 0, fmt.Errorf("payload value %q is not a number: %v", v.String(), err)
		}
		return f, tsNano, nil
	case float64:
		return v, tsNano, nil
	case int:
		return float64(v), tsNano, nil
	case int64:
		return float64(v), tsNano, nil
	case bool:
		return v, tsNano, nil
	case string:
		return v, tsNano, nil
	case nil:
		// Venus publishes {"value": null} when a path disappears.
		return nil, 0, fmt.Errorf("payload value is null")
	default:
		return nil, 0, fmt.Errorf("payload value has unsupported type %T", structured)
	}
}

// numericField converts the decoded forms a JSON number can take.
func numericField(raw any) (float64, bool) {
	switch v := raw.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
