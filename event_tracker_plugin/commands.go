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
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/kaptinlin/jsonschema"
)

// Command actions the tracker accepts.
const (
	ActionStart         = "start"
	ActionEnd           = "end"
	ActionEndAll        = "end_all"
	ActionLocationSet   = "location_set"
	ActionLocationClear = "location_clear"
	ActionNote          = "note"
	ActionTick          = "tick"
)

// commandSchema shapes the command envelope. Field presence beyond "action"
// is checked per action by the handlers so the error acks can say exactly
// which field is missing.
var commandSchema = []byte(`{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {
			"type": "string",
			"enum": ["start", "end", "end_all", "location_set", "location_clear", "note", "tick"]
		},
		"system_id":     {"type": "string"},
		"event_id":      {"type": "string"},
		"location":      {"type": "string"},
		"note":          {"type": "string"},
		"msg":           {"type": "string"},
		"node_id":       {"type": "string"},
		"deployment_id": {"type": "string"},
		"ts":            {"type": "integer", "minimum": 0}
	}
}`)

// eventCommand is one decoded command message. ts is unix nanoseconds; zero
// means "now".
type eventCommand struct {
	Action       string `json:"action"`
	SystemID     string `json:"system_id"`
	EventID      string `json:"event_id"`
	Location     string `json:"location"`
	Note         string `json:"note"`
	Msg          string `json:"msg"`
	NodeID       string `json:"node_id"`
	DeploymentID string `json:"deployment_id"`
	Ts           int64  `json:"ts"`
}

// commandValidator validates raw command payloads against the compiled
// schema before they are decoded.
type commandValidator struct {
	schema *jsonschema.Schema
}

func newCommandValidator() (*commandValidator, error) {
	compiled, err := jsonschema.NewCompiler().Compile(commandSchema)
	if err != nil {
		return nil, fmt.Errorf("error compiling event command schema: %v", err)
	}
	return &commandValidator{schema: compiled}, nil
}

// Parse validates and decodes one command payload. Validation failures list
// every violated constraint so the ack is actionable.
func (v *commandValidator) Parse(payload []byte) (eventCommand, error) {
	var cmd eventCommand

	if !json.Valid(payload) {
		return cmd, fmt.Errorf("event command is not valid JSON")
	}

	result := v.schema.ValidateJSON(payload)
	if result == nil {
		return cmd, fmt.Errorf("event command validation produced no result")
	}
	if !result.Valid {
		var validationErrors []string
		for _, validationErr := range result.Errors {
			if validationErr != nil {
				validationErrors = append(validationErrors, validationErr.Error())
			}
		}
		return cmd, fmt.Errorf("invalid event command: %s", strings.Join(validationErrors, "; "))
	}

	if err := json.Unmarshal(payload, &cmd); err != nil {
		return cmd, fmt.Errorf("error decoding event command: %v", err)
	}
	return cmd, nil
}

// commandAck is the JSON status message emitted for every command except
// tick. A failed command still acks, with success false and the reason in
// error.
type commandAck struct {
	Success     bool   `json:"success"`
	Action      string `json:"action,omitempty"`
	SystemID    string `json:"system_id,omitempty"`
	EventID     string `json:"event_id,omitempty"`
	TempEventID string `json:"temp_event_id,omitempty"`
	Location    string `json:"location,omitempty"`
	EventsEnded int    `json:"events_ended,omitempty"`
	Ts          int64  `json:"ts,omitempty"`
	Error       string `json:"error,omitempty"`
}
