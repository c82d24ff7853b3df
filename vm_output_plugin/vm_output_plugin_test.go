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

package vm_output_plugin_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	_ "github.com/redpanda-data/benthos/v4/public/components/io"
	_ "github.com/redpanda-data/benthos/v4/public/components/pure"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// captureServer records every write request it receives.
type captureServer struct {
	mu           sync.Mutex
	bodies       []string
	contentTypes []string
	authHeaders  []string
	status       func(attempt int) int
	attempts     atomic.Int64
	server       *httptest.Server
}

func newCaptureServer(status func(attempt int) int) *captureServer {
	cs := &captureServer{status: status}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := int(cs.attempts.Add(1))
		body, _ := io.ReadAll(r.Body)

		cs.mu.Lock()
		cs.bodies = append(cs.bodies, string(body))
		cs.contentTypes = append(cs.contentTypes, r.Header.Get("Content-Type"))
		user, pass, _ := r.BasicAuth()
		cs.authHeaders = append(cs.authHeaders, user+":"+pass)
		cs.mu.Unlock()

		w.WriteHeader(cs.status(attempt))
	}))
	return cs
}

func (cs *captureServer) URL() string { return cs.server.URL }

func (cs *captureServer) Close() { cs.server.Close() }

func (cs *captureServer) joinedBodies() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return strings.Join(cs.bodies, "\n")
}

func (cs *captureServer) lastContentType() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.contentTypes) == 0 {
		return ""
	}
	return cs.contentTypes[len(cs.contentTypes)-1]
}

func (cs *captureServer) lastAuthHeader() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.authHeaders) == 0 {
		return ""
	}
	return cs.authHeaders[len(cs.authHeaders)-1]
}

func alwaysAccept(int) int { return http.StatusNoContent }

// buildStream wires a producer function straight into a vm_write output.
func buildStream(outputYAML string) (service.MessageHandlerFunc, *service.Stream) {
	builder := service.NewStreamBuilder()

	msgHandler, err := builder.AddProducerFunc()
	Expect(err).NotTo(HaveOccurred())

	err = builder.AddOutputYAML(outputYAML)
	Expect(err).NotTo(HaveOccurred())

	stream, err := builder.Build()
	Expect(err).NotTo(HaveOccurred())

	return msgHandler, stream
}

func telemetryMessage(value string) *service.Message {
	msg := service.NewMessage([]byte(fmt.Sprintf(`{"value":%s}`, value)))
	msg.MetaSet("metric_name", "victron_system_ac_out_power")
	msg.MetaSet("service", "system")
	msg.MetaSet("instance", "0")
	msg.MetaSet("phase", "L1")
	return msg
}

var _ = Describe("VmOutput", func() {
	BeforeEach(func() {
		testActivated := os.Getenv("TEST_VM_WRITE")

		if testActivated == "" {
			Skip("Skipping vm_write tests: TEST_VM_WRITE not set")
			return
		}
	})

	When("using a stream builder", func() {
		It("should post rendered lines with auth and content type", func() {
			primary := newCaptureServer(alwaysAccept)
			defer primary.Close()

			msgHandler, stream := buildStream(fmt.Sprintf(`
vm_write:
  url: %s
  username: edge
  password: hunter2
  retry_backoff: 10ms
  global_tags:
    system_id: Pro6000-7
`, primary.URL()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			go func() {
				_ = stream.Run(ctx)
			}()

			Expect(msgHandler(ctx, telemetryMessage("230.1"))).To(Succeed())

			Eventually(primary.joinedBodies).Should(ContainSubstring(
				"victron_system_ac_out_power,instance=0,phase=L1,service=system,system_id=Pro6000-7 value=230.1 "))
			Expect(primary.lastContentType()).To(HavePrefix("text/plain"))
			Expect(primary.lastAuthHeader()).To(Equal("edge:hunter2"))
		})

		It("should retry with backoff until the endpoint accepts", func() {
			flaky := newCaptureServer(func(attempt int) int {
				if attempt <= 2 {
					return http.StatusInternalServerError
				}
				return http.StatusNoContent
			})
			defer flaky.Close()

			msgHandler, stream := buildStream(fmt.Sprintf(`
vm_write:
  url: %s
  max_retries: 5
  retry_backoff: 5ms
`, flaky.URL()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			go func() {
				_ = stream.Run(ctx)
			}()

			Expect(msgHandler(ctx, telemetryMessage("52.4"))).To(Succeed())

			Eventually(func() int64 {
				return flaky.attempts.Load()
			}).Should(BeNumerically(">=", 3))
			Eventually(flaky.joinedBodies).Should(ContainSubstring("value=52.4"))
		})

		It("should keep the batch when the best effort copy fails", func() {
			primary := newCaptureServer(alwaysAccept)
			defer primary.Close()
			secondary := newCaptureServer(func(int) int { return http.StatusInternalServerError })
			defer secondary.Close()

			msgHandler, stream := buildStream(fmt.Sprintf(`
vm_write:
  url: %s
  secondary_url: %s
  retry_backoff: 5ms
`, primary.URL(), secondary.URL()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			go func() {
				_ = stream.Run(ctx)
			}()

			Expect(msgHandler(ctx, telemetryMessage("1"))).To(Succeed())
			Expect(msgHandler(ctx, telemetryMessage("2"))).To(Succeed())

			Eventually(primary.joinedBodies).Should(SatisfyAll(
				ContainSubstring("value=1"),
				ContainSubstring("value=2"),
			))
			Eventually(func() int64 {
				return secondary.attempts.Load()
			}).Should(BeNumerically(">=", 1))
		})

		It("should forward prebuilt lines verbatim", func() {
			primary := newCaptureServer(alwaysAccept)
			defer primary.Close()

			msgHandler, stream := buildStream(fmt.Sprintf(`
vm_write:
  url: %s
`, primary.URL()))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			go func() {
				_ = stream.Run(ctx)
			}()

			prebuilt := "ovr_event,event_id=deadbeef,system_id=Pro6000-7,location=- active=1i 1700000000000000000"
			msg := service.NewMessage([]byte(`{}`))
			msg.MetaSet("influx_line", prebuilt)
			Expect(msgHandler(ctx, msg)).To(Succeed())

			Eventually(primary.joinedBodies).Should(ContainSubstring(prebuilt))
		})
	})
})
