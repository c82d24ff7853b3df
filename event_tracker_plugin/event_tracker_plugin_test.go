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

package event_tracker_plugin_test

import (
	"context"
	"os"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
)

var _ = Describe("EventTrackerProcessor", func() {
	BeforeEach(func() {
		testActivated := os.Getenv("TEST_OVR_EVENTS")

		if testActivated == "" {
			Skip("Skipping event tracker tests: TEST_OVR_EVENTS not set")
			return
		}
	})

	When("using a stream builder", func() {
		var (
			msgHandler service.MessageHandlerFunc
			messages   []*service.Message
			cancel     context.CancelFunc
			streamCtx  context.Context
		)

		BeforeEach(func() {
			builder := service.NewStreamBuilder()

			var err error
			msgHandler, err = builder.AddProducerFunc()
			Expect(err).NotTo(HaveOccurred())

			err = builder.AddProcessorYAML(`
ovr_events:
  db_path: ":memory:"
  heartbeat_interval: 0s
  node_id: edge-spec
`)
			Expect(err).NotTo(HaveOccurred())

			messages = nil
			err = builder.AddConsumerFunc(func(ctx context.Context, msg *service.Message) error {
				messages = append(messages, msg)
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			stream, err := builder.Build()
			Expect(err).NotTo(HaveOccurred())

			streamCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			go func() {
				_ = stream.Run(streamCtx)
			}()
		})

		AfterEach(func() {
			if cancel != nil {
				cancel()
			}
		})

		sendCommand := func(cmd map[string]any) {
			payload, err := json.Marshal(cmd)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgHandler(streamCtx, service.NewMessage(payload))).To(Succeed())
		}

		It("routes lines and acks through distinct metadata keys", func() {
			sendCommand(map[string]any{
				"action":    "start",
				"system_id": "Pro6000-7",
				"event_id":  "festival-42",
				"location":  "main stage",
			})

			Eventually(func() int {
				return len(messages)
			}).Should(Equal(2))

			line, exists := messages[0].MetaGet("influx_line")
			Expect(exists).To(BeTrue())
			Expect(line).To(ContainSubstring("ovr_event,event_id=festival-42,system_id=Pro6000-7"))
			Expect(line).To(ContainSubstring(" active=1i "))
			_, exists = messages[0].MetaGet("ovr_ack")
			Expect(exists).To(BeFalse())

			ackAction, exists := messages[1].MetaGet("ovr_ack")
			Expect(exists).To(BeTrue())
			Expect(ackAction).To(Equal("start"))
			_, exists = messages[1].MetaGet("influx_line")
			Expect(exists).To(BeFalse())

			payload, err := messages[1].AsBytes()
			Expect(err).NotTo(HaveOccurred())
			var ack map[string]any
			Expect(json.Unmarshal(payload, &ack)).To(Succeed())
			Expect(ack["success"]).To(Equal(true))
			Expect(ack["event_id"]).To(Equal("festival-42"))
		})

		It("plays a session through start, note, relocation and end", func() {
			sendCommand(map[string]any{
				"action":    "start",
				"system_id": "Pro6000-7",
				"event_id":  "festival-42",
				"location":  "stage",
			})
			sendCommand(map[string]any{
				"action":    "note",
				"system_id": "Pro6000-7",
				"msg":       "generator warmed up",
			})
			sendCommand(map[string]any{
				"action":    "location_set",
				"system_id": "Pro6000-7",
				"location":  "north lawn",
			})
			sendCommand(map[string]any{
				"action":    "end",
				"system_id": "Pro6000-7",
			})

			// start: line+ack, note: line+ack, location: close+open+ack,
			// end: line+ack.
			Eventually(func() int {
				return len(messages)
			}).Should(Equal(9))

			var lines []string
			for _, msg := range messages {
				if line, exists := msg.MetaGet("influx_line"); exists {
					lines = append(lines, line)
				}
			}
			Expect(lines).To(HaveLen(5))
			Expect(lines[0]).To(ContainSubstring(" active=1i "))
			Expect(lines[1]).To(ContainSubstring(`ovr_event_note`))
			Expect(lines[1]).To(ContainSubstring(`active="generator warmed up"`))
			Expect(lines[2]).To(ContainSubstring("location=stage"))
			Expect(lines[2]).To(ContainSubstring(" active=0i "))
			Expect(lines[3]).To(ContainSubstring(`location=north\ lawn`))
			Expect(lines[3]).To(ContainSubstring(" active=1i "))
			Expect(lines[4]).To(ContainSubstring(" active=0i "))
		})

		It("acks malformed commands without emitting lines", func() {
			Expect(msgHandler(streamCtx, service.NewMessage([]byte(`{"action":"pause"}`)))).To(Succeed())

			Eventually(func() int {
				return len(messages)
			}).Should(Equal(1))

			_, exists := messages[0].MetaGet("influx_line")
			Expect(exists).To(BeFalse())

			payload, err := messages[0].AsBytes()
			Expect(err).NotTo(HaveOccurred())
			var ack map[string]any
			Expect(json.Unmarshal(payload, &ack)).To(Succeed())
			Expect(ack["success"]).To(Equal(false))
			Expect(ack["error"]).NotTo(BeEmpty())
		})
	})
})
