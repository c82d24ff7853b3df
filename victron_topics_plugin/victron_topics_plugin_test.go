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

package victron_topics_plugin_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// expectedOutput describes one message that must leave the stream. A
// passthrough expectation keeps its raw topic metadata, a rewrite
// expectation carries the normalized metric metadata instead.
type expectedOutput struct {
	passthrough bool
	topic       string
	metricName  string
	service     string
	instance    string
	phase       string
}

var _ = Describe("VictronTopicsProcessor", func() {
	BeforeEach(func() {
		testActivated := os.Getenv("TEST_VICTRON_TOPICS")

		if testActivated == "" {
			Skip("Skipping Victron topics tests: TEST_VICTRON_TOPICS not set")
			return
		}
	})

	When("using a stream builder", func() {
		DescribeTable("should normalize Venus notification topics",
			func(config string, topics []string, expected []expectedOutput) {
				builder := service.NewStreamBuilder()

				var msgHandler service.MessageHandlerFunc
				msgHandler, err := builder.AddProducerFunc()
				Expect(err).NotTo(HaveOccurred())

				err = builder.AddProcessorYAML(config)
				Expect(err).NotTo(HaveOccurred())

				var messages []*service.Message
				err = builder.AddConsumerFunc(func(ctx context.Context, msg *service.Message) error {
					messages = append(messages, msg)
					return nil
				})
				Expect(err).NotTo(HaveOccurred())

				stream, err := builder.Build()
				Expect(err).NotTo(HaveOccurred())

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				go func() {
					_ = stream.Run(ctx)
				}()

				for _, topic := range topics {
					testMsg := service.NewMessage([]byte(`{"value":230.1}`))
					testMsg.MetaSet("topic", topic)
					err = msgHandler(ctx, testMsg)
					Expect(err).NotTo(HaveOccurred())
				}

				Eventually(func() int {
					return len(messages)
				}).Should(Equal(len(expected)))

				for i, want := range expected {
					msg := messages[i]

					// The payload is never touched.
					body, err := msg.AsBytes()
					Expect(err).NotTo(HaveOccurred())
					Expect(string(body)).To(Equal(`{"value":230.1}`))

					if want.passthrough {
						topic, exists := msg.MetaGet("topic")
						Expect(exists).To(BeTrue())
						Expect(topic).To(Equal(want.topic))

						_, exists = msg.MetaGet("metric_name")
						Expect(exists).To(BeFalse())
						continue
					}

					metricName, exists := msg.MetaGet("metric_name")
					Expect(exists).To(BeTrue())
					Expect(metricName).To(Equal(want.metricName))

					svc, exists := msg.MetaGet("service")
					Expect(exists).To(BeTrue())
					Expect(svc).To(Equal(want.service))

					instance, exists := msg.MetaGet("instance")
					Expect(exists).To(BeTrue())
					Expect(instance).To(Equal(want.instance))

					phase, exists := msg.MetaGet("phase")
					if want.phase == "" {
						Expect(exists).To(BeFalse())
					} else {
						Expect(exists).To(BeTrue())
						Expect(phase).To(Equal(want.phase))
					}

					// Rewritten messages never carry the raw topic onward.
					_, exists = msg.MetaGet("topic")
					Expect(exists).To(BeFalse())
					_, exists = msg.MetaGet("mqtt_topic")
					Expect(exists).To(BeFalse())
				}
			},
			Entry("rewrite with phase tag under the default rules",
				`victron_topics: {}`,
				[]string{"N/48e7da87c3ef/system/0/Ac/ConsumptionOnOutput/L1/Power"},
				[]expectedOutput{
					{
						metricName: "victron_system_ac_consumptiononoutput_power",
						service:    "system",
						instance:   "0",
						phase:      "L1",
					},
				},
			),
			Entry("rewrite without phase segment",
				`victron_topics: {}`,
				[]string{"N/48e7da87c3ef/battery/512/Soc"},
				[]expectedOutput{
					{
						metricName: "victron_battery_soc",
						service:    "battery",
						instance:   "512",
					},
				},
			),
			Entry("vebus settings pass the service specific rule",
				`victron_topics: {}`,
				[]string{"N/48e7da87c3ef/vebus/257/Settings/SystemSetup/AcInput1"},
				[]expectedOutput{
					{
						metricName: "victron_vebus_settings_systemsetup_acinput1",
						service:    "vebus",
						instance:   "257",
					},
				},
			),
			Entry("allowlist drops the unmatched path and keeps the matched one",
				`victron_topics: {}`,
				[]string{
					"N/48e7da87c3ef/vebus/257/Interfaces/Mk2/Version",
					"N/48e7da87c3ef/vebus/257/Ac/Out/L1/P",
				},
				[]expectedOutput{
					{
						metricName: "victron_vebus_ac_out_p",
						service:    "vebus",
						instance:   "257",
						phase:      "L1",
					},
				},
			),
			Entry("permissive mode rewrites paths outside the allowlist",
				`victron_topics:
  mode: permissive`,
				[]string{"N/48e7da87c3ef/vebus/257/Interfaces/Mk2/Version"},
				[]expectedOutput{
					{
						metricName: "victron_vebus_interfaces_mk2_version",
						service:    "vebus",
						instance:   "257",
					},
				},
			),
			Entry("non venus topics pass through with metadata intact",
				`victron_topics: {}`,
				[]string{"telemetry/heartbeat"},
				[]expectedOutput{
					{
						passthrough: true,
						topic:       "telemetry/heartbeat",
					},
				},
			),
			Entry("explicit global prefixes replace the defaults",
				`victron_topics:
  global_prefixes:
    - "Dc/"`,
				[]string{
					"N/48e7da87c3ef/battery/512/Dc/0/Voltage",
					"N/48e7da87c3ef/system/0/Ac/Out/L1/Power",
				},
				[]expectedOutput{
					{
						metricName: "victron_battery_dc_0_voltage",
						service:    "battery",
						instance:   "512",
					},
				},
			),
			Entry("empty path segments collapse in the metric name",
				`victron_topics: {}`,
				[]string{"N/48e7da87c3ef/system/0/Ac//L1/Power"},
				[]expectedOutput{
					{
						metricName: "victron_system_ac_power",
						service:    "system",
						instance:   "0",
						phase:      "L1",
					},
				},
			),
			Entry("phase only path passes through unrenamed",
				`victron_topics:
  mode: permissive`,
				[]string{"N/48e7da87c3ef/system/0/L1"},
				[]expectedOutput{
					{
						passthrough: true,
						topic:       "N/48e7da87c3ef/system/0/L1",
					},
				},
			),
		)

		It("should read the topic from a custom metadata key", func() {
			builder := service.NewStreamBuilder()

			var msgHandler service.MessageHandlerFunc
			msgHandler, err := builder.AddProducerFunc()
			Expect(err).NotTo(HaveOccurred())

			err = builder.AddProcessorYAML(`
victron_topics:
  topic_metadata_key: venus_topic
`)
			Expect(err).NotTo(HaveOccurred())

			var messages []*service.Message
			err = builder.AddConsumerFunc(func(ctx context.Context, msg *service.Message) error {
				messages = append(messages, msg)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			stream, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			go func() {
				_ = stream.Run(ctx)
			}()

			testMsg := service.NewMessage([]byte(`{"value":3.2}`))
			testMsg.MetaSet("venus_topic", "N/48e7da87c3ef/solarcharger/279/Yield/Power")
			err = msgHandler(ctx, testMsg)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				return len(messages)
			}).Should(Equal(1))

			metricName, exists := messages[0].MetaGet("metric_name")
			Expect(exists).To(BeTrue())
			Expect(metricName).To(Equal("victron_solarcharger_yield_power"))

			_, exists = messages[0].MetaGet("venus_topic")
			Expect(exists).To(BeFalse())
		})
	})
})
