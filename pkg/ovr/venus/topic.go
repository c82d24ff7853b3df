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

/*
Package venus parses Venus OS MQTT topics into their structured parts.

A Venus device publishes every D-Bus value under a notification topic of the
form:

	N/<portal_id>/<service>/<instance>/<path...>

For example:

	N/48e7da87c3ef/system/0/Ac/ConsumptionOnOutput/L1/Power
	N/48e7da87c3ef/vebus/276/Settings/ESS/Mode
	N/48e7da87c3ef/battery/512/Soc

The leading "N" marks a notification (as opposed to "R" read requests and "W"
writes, which devices never publish back). Parse only accepts notification
topics with at least one path segment beyond the instance; everything else is
rejected with ErrNotVenusTopic so callers can treat foreign topics as opaque.

Parsing is a pure string operation with no allocation beyond the returned
struct, safe for concurrent use.
*/
package venus

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotVenusTopic is returned for any subject that does not match the
// N/<portal_id>/<service>/<instance>/<path...> layout.
var ErrNotVenusTopic = errors.New("not a venus notification topic")

// Topic holds the structured parts of a parsed Venus notification topic.
// Instances are immutable after Parse returns.
type Topic struct {
	// PortalID identifies the publishing device (VRM portal ID).
	PortalID string
	// Service is the logical subsystem, e.g. "system", "vebus", "battery".
	Service string
	// Instance is the service instance index, kept as the raw string since
	// it only ever travels into a tag.
	Instance string
	// Path holds the remaining segments in publish order.
	Path []string
}

// Parse splits subject into its Venus topic parts. It requires the literal
// "N" prefix, a portal ID, a service, an instance and at least one further
// path segment. On any violation it returns ErrNotVenusTopic wrapped with
// detail.
func Parse(subject string) (*Topic, error) {
	if subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrNotVenusTopic)
	}

	parts := strings.Split(subject, "/")
	if len(parts) < 5 {
		return nil, fmt.Errorf("%w: %d segments in %q, need at least 5", ErrNotVenusTopic, len(parts), subject)
	}
	if parts[0] != "N" {
		return nil, fmt.Errorf("%w: leading segment %q in %q", ErrNotVenusTopic, parts[0], subject)
	}

	return &Topic{
		PortalID: parts[1],
		Service:  parts[2],
		Instance: parts[3],
		Path:     parts[4:],
	}, nil
}

// PathString returns the path segments rejoined with "/". This is the form
// allowlist prefix rules match against.
func (t *Topic) PathString() string {
	return strings.Join(t.Path, "/")
}

// String reassembles the full topic, mainly for log lines.
func (t *Topic) String() string {
	return "N/" + t.PortalID + "/" + t.Service + "/" + t.Instance + "/" + t.PathString()
}
