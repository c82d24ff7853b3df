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

package victron_topics_plugin

import (
	"fmt"
	"strings"
)

// Allowlist holds the prefix rules deciding which Venus paths become metrics.
// Instances are immutable after construction so concurrent batch workers can
// share one without coordination.
type Allowlist struct {
	globalPrefixes  []string
	servicePrefixes map[string][]string
}

// NewAllowlist validates and freezes the rule tables. Empty prefixes are
// rejected because they would allow every path and usually indicate a mangled
// config. An empty global list with no service rules is rejected as well: in
// allowlist mode that table would silently drop the entire stream.
func NewAllowlist(globalPrefixes []string, servicePrefixes map[string][]string) (*Allowlist, error) {
	for _, prefix := range globalPrefixes {
		if prefix == "" {
			return nil, fmt.Errorf("global allowlist contains an empty prefix")
		}
	}
	for svc, prefixes := range servicePrefixes {
		if svc == "" {
			return nil, fmt.Errorf("service allowlist contains an empty service name")
		}
		for _, prefix := range prefixes {
			if prefix == "" {
				return nil, fmt.Errorf("service %q allowlist contains an empty prefix", svc)
			}
		}
	}
	if len(globalPrefixes) == 0 && len(servicePrefixes) == 0 {
		return nil, fmt.Errorf("allowlist has no rules, every message would be dropped")
	}

	frozen := make(map[string][]string, len(servicePrefixes))
	for svc, prefixes := range servicePrefixes {
		frozen[svc] = append([]string(nil), prefixes...)
	}
	return &Allowlist{
		globalPrefixes:  append([]string(nil), globalPrefixes...),
		servicePrefixes: frozen,
	}, nil
}

// Allows reports whether the path may become a metric. A path is allowed when
// it starts with any global prefix, or with any prefix of the service's own
// rule set. The empty path never matches.
func (a *Allowlist) Allows(svc, path string) bool {
	if path == "" {
		return false
	}
	for _, prefix := range a.globalPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, prefix := range a.servicePrefixes[svc] {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// isPhaseSegment matches the three electrical phase markers exactly. Venus
// paths never use lowercase or other phase spellings.
func isPhaseSegment(segment string) bool {
	return segment == "L1" || segment == "L2" || segment == "L3"
}

// buildMetricName derives the canonical metric name and phase tag from a
// parsed topic. Phase segments are pulled out of the path (last occurrence
// wins) and never contribute to the name. Returns ok=false when every path
// segment was a phase marker, in which case the caller must pass the message
// through unrenamed rather than emit a contentless name.
func buildMetricName(svc string, path []string) (name, phase string, ok bool) {
	segments := make([]string, 0, len(path))
	for _, segment := range path {
		if isPhaseSegment(segment) {
			phase = segment
			continue
		}
		segments = append(segments, strings.ToLower(segment))
	}
	if len(segments) == 0 {
		return "", phase, false
	}

	name = "victron_" + strings.ToLower(svc) + "_" + strings.Join(segments, "_")
	name = collapseUnderscores(name)
	return name, phase, true
}

// collapseUnderscores reduces runs of underscores to one and strips them from
// both ends, so empty or odd path segments cannot leak into the series name.
func collapseUnderscores(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
			b.WriteByte(c)
			continue
		}
		lastUnderscore = false
		b.WriteByte(c)
	}
	return strings.Trim(b.String(), "_")
}
