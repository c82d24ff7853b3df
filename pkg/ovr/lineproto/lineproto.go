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

// Package lineproto renders influx line protocol for the VictoriaMetrics
// write path.
//
// The fleet writes two kinds of points: telemetry samples
// (victron_*/acuvim_* series) and event markers. Event markers share a single
// unified series so dashboards can overlay them on any panel:
//
//	ovr_event,event_id=E,system_id=S,location=L[,node_id=N][,deployment_id=D] active=1i <ts_ns>
//	ovr_event_note,system_id=S,event_id=E active="free text" <ts_ns>
//
// Escaping rules are the line-protocol subset VictoriaMetrics accepts: tag
// values escape backslash, comma, equals and space; string fields escape
// backslash and double quote inside quotes; measurements escape backslash,
// comma and space. An empty measurement falls back to "metric" rather than
// producing an invalid line.
package lineproto

import (
	"sort"
	"strconv"
	"strings"
)

// Measurement names of the unified event series.
const (
	MeasurementEvent = "ovr_event"
	MeasurementNote  = "ovr_event_note"
)

// PlaceholderLocation marks an event without a known location.
const PlaceholderLocation = "-"

var tagEscaper = strings.NewReplacer(
	"\\", "\\\\",
	",", "\\,",
	"=", "\\=",
	" ", "\\ ",
)

var measurementEscaper = strings.NewReplacer(
	"\\", "\\\\",
	",", "\\,",
	" ", "\\ ",
)

var fieldStringEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\"", "\\\"",
)

// EscapeTagValue escapes a tag value. Empty input stays empty; callers decide
// whether to omit the tag entirely.
func EscapeTagValue(s string) string {
	if s == "" {
		return ""
	}
	return tagEscaper.Replace(s)
}

// EscapeFieldString escapes a string field value and wraps it in quotes. The
// empty string encodes as a pair of quotes, never as a missing field.
func EscapeFieldString(s string) string {
	if s == "" {
		return `""`
	}
	return `"` + fieldStringEscaper.Replace(s) + `"`
}

// EscapeMeasurement escapes a measurement name. Empty input falls back to
// "metric" so a mangled upstream record still lands somewhere visible.
func EscapeMeasurement(s string) string {
	if s == "" {
		return "metric"
	}
	return measurementEscaper.Replace(s)
}

// FormatValue renders a field value. Integer kinds carry the "i" suffix,
// floats use the shortest round-trip form, strings are escaped and quoted.
func FormatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case int:
		return strconv.FormatInt(int64(x), 10) + "i"
	case int64:
		return strconv.FormatInt(x, 10) + "i"
	case uint64:
		return strconv.FormatUint(x, 10) + "i"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case string:
		return EscapeFieldString(x)
	default:
		return EscapeFieldString("")
	}
}

// Line renders one point. Tags with empty values are omitted; the remaining
// tags are sorted by key so identical input always yields an identical line.
// Fields are rendered in sorted key order as well.
func Line(measurement string, tags map[string]string, fields map[string]any, tsNano int64) string {
	var b strings.Builder
	b.WriteString(EscapeMeasurement(measurement))

	tagKeys := make([]string, 0, len(tags))
	for k, v := range tags {
		if v == "" {
			continue
		}
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys)
	for _, k := range tagKeys {
		b.WriteByte(',')
		b.WriteString(EscapeTagValue(k))
		b.WriteByte('=')
		b.WriteString(EscapeTagValue(tags[k]))
	}

	fieldKeys := make([]string, 0, len(fields))
	for k := range fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for i, k := range fieldKeys {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteByte(',')
		}
		b.WriteString(EscapeTagValue(k))
		b.WriteByte('=')
		b.WriteString(FormatValue(fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(tsNano, 10))
	return b.String()
}

// EventLine renders the unified ovr_event point. The location defaults to the
// "-" placeholder; node and deployment tags are only written when known. Tag
// order is fixed (event_id, system_id, location, node_id, deployment_id) to
// match the lines the fleet has written historically.
func EventLine(eventID, systemID, location string, active bool, nodeID, deploymentID string, tsNano int64) string {
	if location == "" {
		location = PlaceholderLocation
	}
	var b strings.Builder
	b.WriteString(EscapeMeasurement(MeasurementEvent))
	b.WriteString(",event_id=")
	b.WriteString(EscapeTagValue(eventID))
	b.WriteString(",system_id=")
	b.WriteString(EscapeTagValue(systemID))
	b.WriteString(",location=")
	b.WriteString(EscapeTagValue(location))
	if nodeID != "" {
		b.WriteString(",node_id=")
		b.WriteString(EscapeTagValue(nodeID))
	}
	if deploymentID != "" {
		b.WriteString(",deployment_id=")
		b.WriteString(EscapeTagValue(deploymentID))
	}
	if active {
		b.WriteString(" active=1i ")
	} else {
		b.WriteString(" active=0i ")
	}
	b.WriteString(strconv.FormatInt(tsNano, 10))
	return b.String()
}

// NoteLine renders an ovr_event_note annotation. The note text rides in the
// "active" field so the stored series becomes ovr_event_note_active alongside
// ovr_event_active rather than a separate _text series.
func NoteLine(systemID, eventID, msg string, tsNano int64) string {
	var b strings.Builder
	b.WriteString(EscapeMeasurement(MeasurementNote))
	b.WriteString(",system_id=")
	b.WriteString(EscapeTagValue(systemID))
	b.WriteString(",event_id=")
	b.WriteString(EscapeTagValue(eventID))
	b.WriteString(" active=")
	b.WriteString(EscapeFieldString(msg))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(tsNano, 10))
	return b.String()
}
