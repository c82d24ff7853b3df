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
	"testing"

	"github.com/redpanda-data/benthos/v4/public/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, f *fakeVM) *reportBuilder {
	t.Helper()
	return newReportBuilder(f.client(t), "30s", service.MockResources().Logger())
}

func victronThreePhaseProfile() DeviceProfile {
	return DeviceProfile{
		SystemID:    "Pro6000-7",
		Source:      SourceVictron,
		Model:       ModelPro6000,
		PhaseLayout: LayoutThreePhase,
		Phases:      []string{"L1", "L2", "L3"},
		HasApparent: true,
	}
}

func TestBuild_VictronReport(t *testing.T) {
	f := newFakeVM(t)
	f.ranges[`victron_ac_out_power{system_id="Pro6000-7"}`] = flatSeries(testStart, testEnd, 3000)
	f.ranges[`victron_ac_out_apparent{system_id="Pro6000-7"}`] = flatSeries(testStart, testEnd, 3300)
	for phase, watts := range map[string]float64{"l1": 1000, "l2": 900, "l3": 1100} {
		f.ranges[`victron_ac_out_`+phase+`_p{system_id="Pro6000-7"}`] = flatSeries(testStart, testEnd, watts)
		f.ranges[`victron_ac_out_`+phase+`_v{system_id="Pro6000-7"}`] = flatSeries(testStart, testEnd, 240)
		f.ranges[`victron_ac_out_`+phase+`_i{system_id="Pro6000-7"}`] = flatSeries(testStart, testEnd, 5)
	}
	f.instant[`max_over_time((victron_ac_out_power{system_id="Pro6000-7"})[`] = 4200
	f.instant[`avg_over_time((victron_ac_out_power{system_id="Pro6000-7"})[`] = 3000
	for phase, watts := range map[string]float64{"l1": 1000, "l2": 900, "l3": 1100} {
		f.instant[`max_over_time((victron_ac_out_`+phase+`_p{system_id="Pro6000-7"})[`] = watts + 400
		f.instant[`avg_over_time((victron_ac_out_`+phase+`_p{system_id="Pro6000-7"})[`] = watts
	}

	builder := newTestBuilder(t, f)
	report, err := builder.Build(context.Background(),
		victronThreePhaseProfile(), "Pro6000-7", "festival-42", testStart, testEnd)
	require.NoError(t, err)

	assert.NotEmpty(t, report.ReportID)
	assert.Equal(t, "festival-42", report.EventID)
	assert.Equal(t, "Pro6000-7", report.SystemID)
	assert.Equal(t, 3600.0, report.DurationSeconds)

	// Constant 3 kW over one hour integrates to 3 kWh.
	assert.InDelta(t, 3000, report.Energy.TotalWh, 1e-6)
	assert.InDelta(t, 3300, report.Energy.ApparentVAh, 1e-6)
	assert.InDelta(t, 3000.0/3300.0, report.Energy.AvgPowerFactor, 1e-6)

	require.Len(t, report.Energy.PerPhase, 3)
	assert.InDelta(t, 1000, report.Energy.PerPhase["L1"].RealWh, 1e-6)
	assert.InDelta(t, 900, report.Energy.PerPhase["L2"].RealWh, 1e-6)
	assert.InDelta(t, 1100, report.Energy.PerPhase["L3"].RealWh, 1e-6)
	// 240 V at 5 A for an hour is 1200 VAh on every phase.
	assert.InDelta(t, 1200, report.Energy.PerPhase["L1"].ApparentVAh, 1e-6)

	assert.InDelta(t, 4200, report.Power.PeakW, 1e-6)
	assert.InDelta(t, 3000, report.Power.AvgW, 1e-6)
	require.Len(t, report.Power.PerPhase, 3)
	assert.InDelta(t, 1400, report.Power.PerPhase["L1"].PeakW, 1e-6)
	assert.InDelta(t, 900, report.Power.PerPhase["L2"].AvgW, 1e-6)
	// Averages 900/1000/1100 around a 1000 mean spread 20%.
	assert.InDelta(t, 20.0, report.Power.PhaseImbalancePct, 1e-6)
}

func TestBuild_VictronFallsBackToProductIntegral(t *testing.T) {
	f := newFakeVM(t)
	f.ranges[`victron_ac_out_power{system_id="Pro600-3"}`] = flatSeries(testStart, testEnd, 800)
	f.ranges[`victron_ac_out_l1_p{system_id="Pro600-3"}`] = flatSeries(testStart, testEnd, 800)
	f.ranges[`victron_ac_out_l1_v{system_id="Pro600-3"}`] = flatSeries(testStart, testEnd, 120)
	f.ranges[`victron_ac_out_l1_i{system_id="Pro600-3"}`] = flatSeries(testStart, testEnd, 7.5)
	f.instant[`avg_over_time((victron_ac_out_power{system_id="Pro600-3"})[`] = 800

	profile := DeviceProfile{
		SystemID:    "Pro600-3",
		Source:      SourceVictron,
		Model:       ModelPro600,
		PhaseLayout: LayoutSinglePhase,
		Phases:      []string{"L1"},
		HasApparent: false,
	}

	builder := newTestBuilder(t, f)
	report, err := builder.Build(context.Background(), profile, "Pro600-3", "", testStart, testEnd)
	require.NoError(t, err)

	// No published apparent series: 120 V x 7.5 A = 900 VAh stands in.
	assert.InDelta(t, 900, report.Energy.ApparentVAh, 1e-6)
	assert.InDelta(t, 800.0/900.0, report.Energy.AvgPowerFactor, 1e-6)
	assert.Zero(t, report.Power.PhaseImbalancePct)
}

func TestBuild_AcuvimReport(t *testing.T) {
	f := newFakeVM(t)
	f.ranges[`acuvim_P{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 2400)
	f.ranges[`acuvim_Q{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 1000)
	f.ranges[`acuvim_Va{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 120)
	f.ranges[`acuvim_Ia{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 10)
	f.ranges[`acuvim_Vb{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 120)
	f.ranges[`acuvim_Ib{device=~".*acuvim_13.*"}`] = flatSeries(testStart, testEnd, 8)
	f.instant[`max_over_time((acuvim_P{device=~".*acuvim_13.*"})[`] = 3000
	f.instant[`avg_over_time((acuvim_P{device=~".*acuvim_13.*"})[`] = 2400
	f.instant[`avg_over_time((acuvim_Va{device=~".*acuvim_13.*"})[`] = 120
	f.instant[`avg_over_time((acuvim_Ia{device=~".*acuvim_13.*"})[`] = 10
	f.instant[`avg_over_time((acuvim_Vb{device=~".*acuvim_13.*"})[`] = 120
	f.instant[`avg_over_time((acuvim_Ib{device=~".*acuvim_13.*"})[`] = 8

	profile := DeviceProfile{
		SystemID:    "acuvim_13",
		Source:      SourceAcuvim,
		Model:       ModelAcuvim2R,
		PhaseLayout: LayoutSplitPhase,
		Phases:      []string{"A", "B"},
		HasApparent: true,
		HasReactive: true,
	}

	builder := newTestBuilder(t, f)
	report, err := builder.Build(context.Background(), profile, "Logger 3", "festival-42", testStart, testEnd)
	require.NoError(t, err)

	assert.Equal(t, "Logger 3", report.SystemID)
	assert.InDelta(t, 2400, report.Energy.TotalWh, 1e-6)
	// sqrt(2400^2 + 1000^2) = 2600 VA, constant for an hour.
	assert.InDelta(t, 2600, report.Energy.ApparentVAh, 1e-6)
	assert.InDelta(t, 2400.0/2600.0, report.Energy.AvgPowerFactor, 1e-6)

	require.Len(t, report.Energy.PerPhase, 2)
	assert.Zero(t, report.Energy.PerPhase["A"].RealWh)
	assert.InDelta(t, 1200, report.Energy.PerPhase["A"].ApparentVAh, 1e-6)
	assert.InDelta(t, 960, report.Energy.PerPhase["B"].ApparentVAh, 1e-6)

	assert.InDelta(t, 3000, report.Power.PeakW, 1e-6)
	assert.InDelta(t, 2400, report.Power.AvgW, 1e-6)
	assert.Empty(t, report.Power.PerPhase)
	// Phase loads 1200 and 960 around a 1080 mean spread 22.22%.
	assert.InDelta(t, 22.22, report.Power.PhaseImbalancePct, 0.01)
}

func TestPhaseImbalance(t *testing.T) {
	tests := []struct {
		name string
		avgs []float64
		want float64
	}{
		{"single phase", []float64{1000}, 0},
		{"balanced", []float64{1000, 1000, 1000}, 0},
		{"uneven", []float64{900, 1000, 1100}, 20},
		{"zero mean", []float64{0, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, phaseImbalance(tt.avgs), 1e-9)
		})
	}
}
