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

package vmquery

import "fmt"

// IntegrateWh integrates a power series in watts into watt hours using the
// trapezoidal rule. Fewer than two points integrate to zero.
func IntegrateWh(points []Point) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		dtHours := (points[i].Ts - points[i-1].Ts) / 3600
		avg := (points[i].Value + points[i-1].Value) / 2
		total += dtHours * avg
	}
	return total
}

// IntegrateProductVAh integrates the pointwise product of two series, such as
// voltage and current, into volt ampere hours. The series must be sampled on
// the same grid: equal lengths of at least two points, timestamps taken from
// the first series.
func IntegrateProductVAh(a, b []Point) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vmquery: series lengths differ, %d vs %d", len(a), len(b))
	}
	if len(a) < 2 {
		return 0, fmt.Errorf("vmquery: need at least two points to integrate, got %d", len(a))
	}

	product := make([]Point, len(a))
	for i := range a {
		product[i] = Point{Ts: a[i].Ts, Value: a[i].Value * b[i].Value}
	}
	return IntegrateWh(product), nil
}
