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

// Package systemid normalizes the system identifiers the fleet uses to label
// events and time series.
//
// The same machine shows up under different spellings depending on where the
// name was typed: hostnames swap dots for dashes, Acuvim power meters appear
// as "Logger N" in the UI but tag their series with a device label derived
// from the meter's IP (acuvim_1N). Canonicalize fixes the spellings that are
// known to be wrong; Variants expands an identifier into every spelling worth
// trying when querying the time-series store.
package systemid

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TempEventPrefix marks event IDs minted locally before an operator assigns a
// real one.
const TempEventPrefix = "temp-"

// aliases maps identifiers that were entered inconsistently in the field to
// their canonical spelling.
var aliases = map[string]string{
	"Pro6005.2": "Pro6005-2",
}

var unsafeFragment = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

var acuvimDevice = regexp.MustCompile(`^acuvim_1(\d+)$`)

// Canonicalize trims an identifier and applies the known alias fixups. Empty
// input stays empty.
func Canonicalize(systemID string) string {
	trimmed := strings.TrimSpace(systemID)
	if fixed, ok := aliases[trimmed]; ok {
		return fixed
	}
	return trimmed
}

// Variants returns the identifier spellings to try when matching series
// labels, starting with the canonical form. Dots and dashes are swapped for
// hostname/service mismatches, and "Logger N" names expand to the acuvim_1N
// device label (the logger number is the last digit of the meter's IP).
// The result is deduplicated and never empty for non-empty input.
func Variants(systemID string) []string {
	canonical := Canonicalize(systemID)
	variants := []string{canonical}
	if canonical != systemID {
		variants = append(variants, systemID)
	}

	for _, value := range append([]string(nil), variants...) {
		if strings.Contains(value, ".") {
			variants = append(variants, strings.ReplaceAll(value, ".", "-"))
		} else if strings.Contains(value, "-") {
			variants = append(variants, strings.ReplaceAll(value, "-", "."))
		}
	}

	if rest, ok := strings.CutPrefix(canonical, "Logger "); ok {
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			variants = append(variants, "acuvim_1"+fields[0])
		}
	}

	deduped := make([]string, 0, len(variants))
	seen := make(map[string]struct{}, len(variants))
	for _, value := range variants {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		deduped = append(deduped, value)
	}
	return deduped
}

// AcuvimDeviceToLogger maps an acuvim_1N device label back to its "Logger N"
// display name. Returns "" for anything else.
func AcuvimDeviceToLogger(device string) string {
	match := acuvimDevice.FindStringSubmatch(device)
	if match == nil {
		return ""
	}
	num, err := strconv.Atoi(match[1])
	if err != nil {
		return ""
	}
	return "Logger " + strconv.Itoa(num)
}

// SafeFragment reduces a value to the characters allowed inside an event ID.
// Runs of anything outside [A-Za-z0-9_.-] collapse to a single dash, and
// leading/trailing dashes are stripped.
func SafeFragment(value string) string {
	if value == "" {
		return ""
	}
	return strings.Trim(unsafeFragment.ReplaceAllString(value, "-"), "-")
}

// TempEventID mints a local event ID from the best available identity
// fragment and a unix timestamp. The fragment falls back to "node" when
// nothing survives sanitization.
func TempEventID(fragment string, now time.Time) string {
	safe := SafeFragment(fragment)
	if safe == "" {
		safe = "node"
	}
	return TempEventPrefix + safe + "-" + strconv.FormatInt(now.Unix(), 10)
}

// IsTempEventID reports whether the event ID was minted by TempEventID.
func IsTempEventID(eventID string) bool {
	return strings.HasPrefix(eventID, TempEventPrefix)
}
