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
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/overdrive-dev-sean/ovr-tele-sub001/pkg/ovr/vmquery"
)

// PhaseEnergy carries the integrals for one phase. RealWh is only available
// where the source publishes per-phase real power, which Acuvim meters do
// not.
type PhaseEnergy struct {
	RealWh      float64 `json:"real_wh,omitempty"`
	ApparentVAh float64 `json:"apparent_vah"`
}

// PhasePower carries the rate statistics for one phase.
type PhasePower struct {
	PeakW float64 `json:"peak_w"`
	AvgW  float64 `json:"avg_w"`
}

// EnergySummary totals the event's energy. ApparentVAh comes from the best
// method the source supports: a published apparent power series, sqrt(P²+Q²)
// where reactive power exists, or the V·I product integral otherwise.
type EnergySummary struct {
	TotalWh        float64                `json:"total_wh"`
	ApparentVAh    float64                `json:"apparent_vah"`
	AvgPowerFactor float64                `json:"avg_power_factor,omitempty"`
	PerPhase       map[string]PhaseEnergy `json:"per_phase,omitempty"`
}

// PowerSummary describes how hard the system ran.
type PowerSummary struct {
	PeakW             float64               `json:"peak_w"`
	AvgW              float64               `json:"avg_w"`
	PhaseImbalancePct float64               `json:"phase_imbalance_pct,omitempty"`
	PerPhase          map[string]PhasePower `json:"per_phase,omitempty"`
}

// EnergyReport is the rendered report document.
type EnergyReport struct {
	ReportID        string        `json:"report_id"`
	EventID         string        `json:"event_id,omitempty"`
	SystemID        string        `json:"system_id"`
	GeneratedAt     time.Time     `json:"generated_at"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	DurationSeconds float64       `json:"duration_seconds"`
	Profile         DeviceProfile `json:"profile"`
	Energy          EnergySummary `json:"energy"`
	Power           PowerSummary  `json:"power"`
}

// reportBuilder turns a detected profile and a time window into a report.
// Every number is a VictoriaMetrics round trip, so the builder leans on the
// shared client's rate limiting rather than doing its own pacing.
type reportBuilder struct {
	client *vmquery.Client
	step   string
	logger *service.Logger
}

func newReportBuilder(client *vmquery.Client, step string, logger *service.Logger) *reportBuilder {
	return &reportBuilder{client: client, step: step, logger: logger}
}

// Build generates the report for one system over one window.
func (b *reportBuilder) Build(ctx context.Context, profile DeviceProfile, systemID, eventID string, start, end time.Time) (EnergyReport, error) {
	report := EnergyReport{
		ReportID:        uuid.NewString(),
		EventID:         eventID,
		SystemID:        systemID,
		GeneratedAt:     time.Now().UTC(),
		StartTime:       start.UTC(),
		EndTime:         end.UTC(),
		DurationSeconds: end.Sub(start).Seconds(),
		Profile:         profile,
	}

	var err error
	switch profile.Source {
	case SourceVictron:
		report.Energy, err = b.victronEnergy(ctx, profile, start, end)
	case SourceAcuvim:
		report.Energy, err = b.acuvimEnergy(ctx, profile, start, end)
	default:
		err = fmt.Errorf("unsupported device source %q", profile.Source)
	}
	if err != nil {
		return EnergyReport{}, err
	}

	report.Power, err = b.powerStats(ctx, profile, start, end)
	if err != nil {
		return EnergyReport{}, err
	}
	return report, nil
}

func (b *reportBuilder) victronEnergy(ctx context.Context, profile DeviceProfile, start, end time.Time) (EnergySummary, error) {
	escaped := vmquery.EscapeLabelValue(profile.SystemID)
	summary := EnergySummary{PerPhase: make(map[string]PhaseEnergy, len(profile.Phases))}

	totalWh, err := b.integrateWh(ctx,
		fmt.Sprintf(`victron_ac_out_power{system_id="%s"}`, escaped), start, end)
	if err != nil {
		return EnergySummary{}, err
	}
	summary.TotalWh = totalWh

	var productTotal float64
	for _, phase := range profile.Phases {
		lower := strings.ToLower(phase)
		realWh, err := b.integrateWh(ctx,
			fmt.Sprintf(`victron_ac_out_%s_p{system_id="%s"}`, lower, escaped), start, end)
		if err != nil {
			return EnergySummary{}, err
		}
		productVAh, err := b.integrateProductVAh(ctx,
			fmt.Sprintf(`victron_ac_out_%s_v{system_id="%s"}`, lower, escaped),
			fmt.Sprintf(`victron_ac_out_%s_i{system_id="%s"}`, lower, escaped),
			start, end)
		if err != nil {
			return EnergySummary{}, err
		}
		summary.PerPhase[phase] = PhaseEnergy{RealWh: realWh, ApparentVAh: productVAh}
		productTotal += productVAh
	}

	// Prefer the inverter's own apparent power series, the V·I product
	// integral is the fallback for firmware that does not publish it.
	if profile.HasApparent {
		apparentVAh, err := b.integrateWh(ctx,
			fmt.Sprintf(`victron_ac_out_apparent{system_id="%s"}`, escaped), start, end)
		if err != nil {
			return EnergySummary{}, err
		}
		summary.ApparentVAh = apparentVAh
	}
	if summary.ApparentVAh == 0 {
		summary.ApparentVAh = productTotal
	}

	if summary.ApparentVAh > 0 {
		summary.AvgPowerFactor = summary.TotalWh / summary.ApparentVAh
	}
	return summary, nil
}

func (b *reportBuilder) acuvimEnergy(ctx context.Context, profile DeviceProfile, start, end time.Time) (EnergySummary, error) {
	filter := fmt.Sprintf(`device=~".*%s.*"`, vmquery.EscapeLabelValue(profile.SystemID))
	summary := EnergySummary{PerPhase: make(map[string]PhaseEnergy, len(profile.Phases))}

	totalWh, err := b.integrateWh(ctx, fmt.Sprintf(`acuvim_P{%s}`, filter), start, end)
	if err != nil {
		return EnergySummary{}, err
	}
	summary.TotalWh = totalWh

	var productTotal float64
	for _, phase := range profile.Phases {
		lower := strings.ToLower(phase)
		productVAh, err := b.integrateProductVAh(ctx,
			fmt.Sprintf(`acuvim_V%s{%s}`, lower, filter),
			fmt.Sprintf(`acuvim_I%s{%s}`, lower, filter),
			start, end)
		if err != nil {
			return EnergySummary{}, err
		}
		summary.PerPhase[phase] = PhaseEnergy{ApparentVAh: productVAh}
		productTotal += productVAh
	}

	apparentVAh, ok, err := b.acuvimApparentVAh(ctx, filter, start, end)
	if err != nil {
		return EnergySummary{}, err
	}
	if ok {
		summary.ApparentVAh = apparentVAh
	} else {
		summary.ApparentVAh = productTotal
	}

	if summary.ApparentVAh > 0 {
		summary.AvgPowerFactor = summary.TotalWh / summary.ApparentVAh
	}
	return summary, nil
}

// acuvimApparentVAh integrates sqrt(P² + Q²) point by point. The meter does
// not publish apparent power, but real and reactive on the same sampling
// grid reconstruct it exactly.
func (b *reportBuilder) acuvimApparentVAh(ctx context.Context, filter string, start, end time.Time) (float64, bool, error) {
	pSeries, err := b.client.QueryRange(ctx, fmt.Sprintf(`acuvim_P{%s}`, filter), start, end, b.step)
	if err != nil {
		return 0, false, err
	}
	qSeries, err := b.client.QueryRange(ctx, fmt.Sprintf(`acuvim_Q{%s}`, filter), start, end, b.step)
	if err != nil {
		return 0, false, err
	}
	if len(pSeries) == 0 || len(qSeries) == 0 {
		return 0, false, nil
	}

	p, q := pSeries[0].Points, qSeries[0].Points
	if len(p) != len(q) || len(p) < 2 {
		b.logger.Warnf("Apparent power skipped: P has %d samples, Q has %d", len(p), len(q))
		return 0, false, nil
	}

	apparent := make([]vmquery.Point, len(p))
	for i := range p {
		apparent[i] = vmquery.Point{
			Ts:    p[i].Ts,
			Value: math.Sqrt(p[i].Value*p[i].Value + q[i].Value*q[i].Value),
		}
	}
	return vmquery.IntegrateWh(apparent), true, nil
}

func (b *reportBuilder) powerStats(ctx context.Context, profile DeviceProfile, start, end time.Time) (PowerSummary, error) {
	var totalQuery string
	switch profile.Source {
	case SourceVictron:
		totalQuery = fmt.Sprintf(`victron_ac_out_power{system_id="%s"}`,
			vmquery.EscapeLabelValue(profile.SystemID))
	case SourceAcuvim:
		totalQuery = fmt.Sprintf(`acuvim_P{device=~".*%s.*"}`,
			vmquery.EscapeLabelValue(profile.SystemID))
	default:
		return PowerSummary{}, fmt.Errorf("unsupported device source %q", profile.Source)
	}

	summary := PowerSummary{}
	if peak, found, err := b.client.MaxOverTime(ctx, totalQuery, start, end); err != nil {
		return PowerSummary{}, err
	} else if found {
		summary.PeakW = peak
	}
	if avg, found, err := b.client.AvgOverTime(ctx, totalQuery, start, end); err != nil {
		return PowerSummary{}, err
	} else if found {
		summary.AvgW = avg
	}

	phaseAvgs := make([]float64, 0, len(profile.Phases))
	if profile.Source == SourceVictron {
		escaped := vmquery.EscapeLabelValue(profile.SystemID)
		summary.PerPhase = make(map[string]PhasePower, len(profile.Phases))
		for _, phase := range profile.Phases {
			query := fmt.Sprintf(`victron_ac_out_%s_p{system_id="%s"}`, strings.ToLower(phase), escaped)
			stats := PhasePower{}
			if peak, found, err := b.client.MaxOverTime(ctx, query, start, end); err != nil {
				return PowerSummary{}, err
			} else if found {
				stats.PeakW = peak
			}
			if avg, found, err := b.client.AvgOverTime(ctx, query, start, end); err != nil {
				return PowerSummary{}, err
			} else if found {
				stats.AvgW = avg
				phaseAvgs = append(phaseAvgs, avg)
			}
			summary.PerPhase[phase] = stats
		}
	} else {
		// The meter has no per-phase real power series, approximate each
		// phase's load as avg(V)·avg(I) for the imbalance figure only.
		filter := fmt.Sprintf(`device=~".*%s.*"`, vmquery.EscapeLabelValue(profile.SystemID))
		for _, phase := range profile.Phases {
			lower := strings.ToLower(phase)
			avgV, foundV, err := b.client.AvgOverTime(ctx,
				fmt.Sprintf(`acuvim_V%s{%s}`, lower, filter), start, end)
			if err != nil {
				return PowerSummary{}, err
			}
			avgI, foundI, err := b.client.AvgOverTime(ctx,
				fmt.Sprintf(`acuvim_I%s{%s}`, lower, filter), start, end)
			if err != nil {
				return PowerSummary{}, err
			}
			if foundV && foundI {
				phaseAvgs = append(phaseAvgs, avgV*avgI)
			}
		}
	}

	summary.PhaseImbalancePct = phaseImbalance(phaseAvgs)
	return summary, nil
}

// phaseImbalance is (max-min)/mean as a percentage, rounded to two decimals.
// Fewer than two phase averages mean nothing to compare.
func phaseImbalance(phaseAvgs []float64) float64 {
	if len(phaseAvgs) < 2 {
		return 0
	}
	min, max, sum := phaseAvgs[0], phaseAvgs[0], 0.0
	for _, avg := range phaseAvgs {
		if avg < min {
			min = avg
		}
		if avg > max {
			max = avg
		}
		sum += avg
	}
	mean := sum / float64(len(phaseAvgs))
	if mean == 0 {
		return 0
	}
	return math.Round((max-min)/mean*100*100) / 100
}

// integrateWh pulls the raw series and integrates it trapezoidally. A series
// with no data in the window integrates to zero.
func (b *reportBuilder) integrateWh(ctx context.Context, query string, start, end time.Time) (float64, error) {
	series, err := b.client.QueryRange(ctx, query, start, end, b.step)
	if err != nil {
		return 0, err
	}
	if len(series) == 0 {
		return 0, nil
	}
	return vmquery.IntegrateWh(series[0].Points), nil
}

// integrateProductVAh integrates the product of two series sampled on the
// same grid. Missing or misaligned series contribute zero rather than
// failing the report.
func (b *reportBuilder) integrateProductVAh(ctx context.Context, queryA, queryB string, start, end time.Time) (float64, error) {
	seriesA, err := b.client.QueryRange(ctx, queryA, start, end, b.step)
	if err != nil {
		return 0, err
	}
	seriesB, err := b.client.QueryRange(ctx, queryB, start, end, b.step)
	if err != nil {
		return 0, err
	}
	if len(seriesA) == 0 || len(seriesB) == 0 {
		return 0, nil
	}

	value, err := vmquery.IntegrateProductVAh(seriesA[0].Points, seriesB[0].Points)
	if err != nil {
		b.logger.Warnf("Product integral skipped: %v", err)
		return 0, nil
	}
	return value, nil
}
