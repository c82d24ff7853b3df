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

package energy_report_plugin_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// stubVM answers the two VictoriaMetrics query endpoints with canned data
// for a single phase Victron system named Pro600-3.
func stubVM() *httptest.Server {
	rangeBody := func(value float64) string {
		var values []string
		for ts := int64(1700000000); ts <= 1700003600; ts += 60 {
			values = append(values, fmt.Sprintf(`[%d,"%g"]`, ts, value))
		}
		return fmt.Sprintf(`{"status":"success","data":{"resultType":"matrix","result":[{"metric":{},"values":[%s]}]}}`,
			strings.Join(values, ","))
	}
	instantBody := func(value float64) string {
		return fmt.Sprintf(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700003600,"%g"]}]}}`, value)
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")

		if strings.HasSuffix(r.URL.Path, "/query_range") {
			switch {
			case strings.Contains(query, `victron_ac_out_power{system_id="Pro600-3"}`):
				fmt.Fprint(w, rangeBody(800))
			case strings.Contains(query, `victron_ac_out_l1_p{system_id="Pro600-3"}`):
				fmt.Fprint(w, rangeBody(800))
			case strings.Contains(query, `victron_ac_out_l1_v{system_id="Pro600-3"}`):
				fmt.Fprint(w, rangeBody(120))
			case strings.Contains(query, `victron_ac_out_l1_i{system_id="Pro600-3"}`):
				fmt.Fprint(w, rangeBody(7.5))
			default:
				fmt.Fprint(w, `{"status":"success","data":{"resultType":"matrix","result":[]}}`)
			}
			return
		}

		switch {
		case strings.Contains(query, "max_over_time((victron_ac_out_power"):
			fmt.Fprint(w, instantBody(950))
		case strings.Contains(query, "avg_over_time((victron_ac_out_power"):
			fmt.Fprint(w, instantBody(800))
		case strings.Contains(query, "victron_ac_out_l1_p"):
			fmt.Fprint(w, instantBody(800))
		case strings.Contains(query, "victron_ac_out_l1_v"):
			fmt.Fprint(w, instantBody(120))
		default:
			fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
		}
	}))
}

var _ = Describe("EnergyReportProcessor", func() {
	BeforeEach(func() {
		testActivated := os.Getenv("TEST_ENERGY_REPORT")

		if testActivated == "" {
			Skip("Skipping energy report tests: TEST_ENERGY_REPORT not set")
			return
		}
	})

	When("using a stream builder", func() {
		It("turns a report request into a report document", func() {
			vm := stubVM()
			defer vm.Close()

			builder := service.NewStreamBuilder()

			var msgHandler service.MessageHandlerFunc
			msgHandler, err := builder.AddProducerFunc()
			Expect(err).NotTo(HaveOccurred())

			err = builder.AddProcessorYAML(fmt.Sprintf(`
energy_report:
  url: %s
  queries_per_second: 1000
`, vm.URL))
			Expect(err).NotTo(HaveOccurred())

			var messages []*service.Message
			err = builder.AddConsumerFunc(func(ctx context.Context, msg *service.Message) error {
				messages = append(messages, msg)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			stream, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			go func() {
				_ = stream.Run(ctx)
			}()

			request := service.NewMessage([]byte(
				`{"system_id":"Pro600-3","event_id":"festival-42","start":1700000000,"end":1700003600}`))
			Expect(msgHandler(ctx, request)).To(Succeed())

			Eventually(func() int {
				return len(messages)
			}, "10s").Should(Equal(1))

			payload, err := messages[0].AsBytes()
			Expect(err).NotTo(HaveOccurred())

			var report map[string]any
			Expect(json.Unmarshal(payload, &report)).To(Succeed())
			Expect(report["report_id"]).NotTo(BeEmpty())
			Expect(report["event_id"]).To(Equal("festival-42"))
			Expect(report["system_id"]).To(Equal("Pro600-3"))

			profile, ok := report["profile"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(profile["source"]).To(Equal("victron"))
			Expect(profile["device_model"]).To(Equal("pro600"))

			energy, ok := report["energy"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(energy["total_wh"]).To(BeNumerically("~", 800, 1))

			reportID, exists := messages[0].MetaGet("report_id")
			Expect(exists).To(BeTrue())
			Expect(reportID).To(Equal(report["report_id"]))
		})
	})
})
