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

package energy_report_plugin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/systemid"
	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/vmquery"
)

// ErrUnknownDevice means no Victron or Acuvim series matched any spelling of
// the system ID inside the probe window.
var ErrUnknownDevice = errors.New("no known metrics for system")

// Device sources and models the detector can report.
const (
	SourceVictron = "victron"
	SourceAcuvim  = "acuvim"

	ModelPro6000  = "pro6000"
	ModelPro600   = "pro600"
	ModelAcuvim2R = "acuvim2r"
)

// Phase layouts.
const (
	LayoutThreePhase  = "3phase"
	LayoutSplitPhase  = "split_phase"
	LayoutSinglePhase = "single_phase"
)

// DeviceProfile describes what a system's series reveal about the hardware
// behind them: which vendor stack publishes, which phases carry load, and the
// nominal service voltage. SystemID holds the identifier variant that
// actually matched, which is the one later queries must use.
type DeviceProfile struct {
	SystemID     string   `json:"system_id"`
	Source       string   `json:"source"`
	Model        string   `json:"device_model"`
	PhaseLayout  string   `json:"phase_config"`
	Phases       []string `json:"phases"`
	VoltageLevel int      `json:"voltage_nominal,omitempty"`
	HasApparent  bool     `json:"has_apparent_power"`
	HasReactive  bool     `json:"has_reactive_power"`

	detectedAt time.Time
}

// profileDetector probes VictoriaMetrics for a system's device profile and
// caches the answer. Detection costs a handful of range queries, and profiles
// only change when hardware is rewired, so a short TTL saves most of the cost
// across a batch of report requests.
type profileDetector struct {
	client           *vmquery.Client
	probeWindow      time.Duration
	powerThreshold   float64
	voltageThreshold float64
	ttl              time.Duration

	mu    sync.Mutex
	cache *lru.Cache
}

const profileCacheSize = 256

func newProfileDetector(client *vmquery.Client, probeWindow time.Duration, powerThreshold, voltageThreshold float64, ttl time.Duration) (*profileDetector, error) {
	cache, err := lru.New(profileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("error creating profile cache: %v", err)
	}
	return &profileDetector{
		client:           client,
		probeWindow:      probeWindow,
		powerThreshold:   powerThreshold,
		voltageThreshold: voltageThreshold,
		ttl:              ttl,
		cache:            cache,
	}, nil
}

// Detect returns the device profile for a system, probing over the tail of
// the report window. The second return is true on a cache hit.
func (d *profileDetector) Detect(ctx context.Context, systemID string, start, end time.Time) (DeviceProfile, bool, error) {
	key := systemid.Canonicalize(systemID)

	d.mu.Lock()
	if cached, ok := d.cache.Get(key); ok {
		profile := cached.(DeviceProfile)
		if time.Since(profile.detectedAt) < d.ttl {
			d.mu.Unlock()
			return profile, true, nil
		}
	}
	d.mu.Unlock()

	probeStart, probeEnd := d.probeRange(start, end)
	profile, err := d.probe(ctx, key, probeStart, probeEnd)
	if err != nil {
		return DeviceProfile{}, false, err
	}
	profile.detectedAt = time.Now()

	d.mu.Lock()
	d.cache.Add(key, profile)
	d.mu.Unlock()
	return profile, false, nil
}

// probeRange trims the probe to the tail of the report window. Existence and
// average probes over a multi-day event would be slower without being any
// more conclusive.
func (d *profileDetector) probeRange(start, end time.Time) (time.Time, time.Time) {
	if end.Sub(start) > d.probeWindow {
		return end.Add(-d.probeWindow), end
	}
	return start, end
}

func (d *profileDetector) probe(ctx context.Context, systemID string, start, end time.Time) (DeviceProfile, error) {
	variants := systemid.Variants(systemID)

	for _, sid := range variants {
		query := fmt.Sprintf(`victron_ac_out_power{system_id="%s"}`, vmquery.EscapeLabelValue(sid))
		found, err := d.client.Exists(ctx, query, start, end)
		if err != nil {
			return DeviceProfile{}, err
		}
		if found {
			return d.probeVictron(ctx, sid, start, end)
		}
	}

	for _, sid := range variants {
		query := fmt.Sprintf(`acuvim_P{device=~".*%s.*"}`, vmquery.EscapeLabelValue(sid))
		found, err := d.client.Exists(ctx, query, start, end)
		if err != nil {
			return DeviceProfile{}, err
		}
		if found {
			return d.probeAcuvim(ctx, sid, start, end)
		}
	}

	return DeviceProfile{}, fmt.Errorf("%w %q", ErrUnknownDevice, systemID)
}

// probeVictron works out which phases carry real load and the service
// voltage. A phase counts as present when its average real power clears the
// threshold, which ignores phases that only ever float around zero.
func (d *profileDetector) probeVictron(ctx context.Context, sid string, start, end time.Time) (DeviceProfile, error) {
	profile := DeviceProfile{
		SystemID: sid,
		Source:   SourceVictron,
	}
	escaped := vmquery.EscapeLabelValue(sid)

	for _, phase := range []string{"L1", "L2", "L3"} {
		query := fmt.Sprintf(`victron_ac_out_%s_p{system_id="%s"}`, strings.ToLower(phase), escaped)
		loaded, err := d.client.HasNonzero(ctx, query, start, end, d.powerThreshold)
		if err != nil {
			return DeviceProfile{}, err
		}
		if loaded {
			profile.Phases = append(profile.Phases, phase)
		}
	}

	switch len(profile.Phases) {
	case 3:
		profile.PhaseLayout = LayoutThreePhase
		profile.Model = ModelPro6000
	case 2:
		profile.PhaseLayout = LayoutSplitPhase
		profile.Model = ModelPro600
	default:
		profile.PhaseLayout = LayoutSinglePhase
		profile.Model = ModelPro600
		if len(profile.Phases) == 0 {
			// Inverter publishes totals but no phase carries load right
			// now, assume the single phase convention.
			profile.Phases = []string{"L1"}
		}
	}

	voltageQuery := fmt.Sprintf(`victron_ac_out_%s_v{system_id="%s"}`, strings.ToLower(profile.Phases[0]), escaped)
	if avg, found, err := d.client.AvgOverTime(ctx, voltageQuery, start, end); err != nil {
		return DeviceProfile{}, err
	} else if found {
		profile.VoltageLevel = VoltageLevel(avg)
	}

	apparentQuery := fmt.Sprintf(`victron_ac_out_apparent{system_id="%s"}`, escaped)
	hasApparent, err := d.client.Exists(ctx, apparentQuery, start, end)
	if err != nil {
		return DeviceProfile{}, err
	}
	profile.HasApparent = hasApparent
	// Victron inverters do not expose reactive power.
	profile.HasReactive = false

	return profile, nil
}

// probeAcuvim reads phase presence off the voltage inputs: a metered phase
// shows line voltage whether or not anything draws current.
func (d *profileDetector) probeAcuvim(ctx context.Context, sid string, start, end time.Time) (DeviceProfile, error) {
	profile := DeviceProfile{
		SystemID: sid,
		Source:   SourceAcuvim,
		Model:    ModelAcuvim2R,
		// An Acuvim reports P and Q, so apparent power is computable.
		HasApparent: true,
		HasReactive: true,
	}
	filter := fmt.Sprintf(`device=~".*%s.*"`, vmquery.EscapeLabelValue(sid))

	for _, phase := range []string{"A", "B", "C"} {
		query := fmt.Sprintf(`acuvim_V%s{%s}`, strings.ToLower(phase), filter)
		energized, err := d.client.HasNonzero(ctx, query, start, end, d.voltageThreshold)
		if err != nil {
			return DeviceProfile{}, err
		}
		if energized {
			profile.Phases = append(profile.Phases, phase)
		}
	}

	switch len(profile.Phases) {
	case 3:
		profile.PhaseLayout = LayoutThreePhase
	case 2:
		profile.PhaseLayout = LayoutSplitPhase
	default:
		profile.PhaseLayout = LayoutSinglePhase
		if len(profile.Phases) == 0 {
			profile.Phases = []string{"A"}
		}
	}

	// Three phase services are described by line-to-line voltage, the rest
	// by line-to-neutral.
	voltageMetric := "acuvim_Vln"
	if profile.PhaseLayout == LayoutThreePhase {
		voltageMetric = "acuvim_Vll"
	}
	voltageQuery := fmt.Sprintf(`%s{%s}`, voltageMetric, filter)
	if avg, found, err := d.client.AvgOverTime(ctx, voltageQuery, start, end); err != nil {
		return DeviceProfile{}, err
	} else if found {
		profile.VoltageLevel = VoltageLevel(avg)
	}

	return profile, nil
}

// VoltageLevel buckets a measured average line voltage into the nominal
// service level electricians speak in. Anything above the standard brackets
// rounds to the nearest 10 V.
func VoltageLevel(avgVoltage float64) int {
	switch {
	case avgVoltage < 140:
		return 120
	case avgVoltage < 260:
		return 240
	case avgVoltage < 300:
		return 277
	case avgVoltage < 520:
		return 480
	default:
		return int(math.Round(avgVoltage/10) * 10)
	}
}

