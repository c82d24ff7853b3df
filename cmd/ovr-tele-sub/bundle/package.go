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

// Package bundle wires the components the fleet pipelines use: the stock
// connect bundle for mqtt/http inputs and outputs, plus every local plugin.
package bundle

import (
	_ "github.com/redpanda-data/connect/public/bundle/free/v4"

	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/energy_report_plugin"
	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/event_tracker_plugin"
	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/tile_usage_plugin"
	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/venus_keepalive_plugin"
	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/victron_topics_plugin"
	_ "github.com/overdrive-dev-sean/ovr-tele-sub001/vm_output_plugin"
)
