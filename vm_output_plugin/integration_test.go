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
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	vmContainer testcontainers.Container
	vmBaseURL   string
)

// startVictoriaMetricsContainer starts a single node VictoriaMetrics using testcontainers
func startVictoriaMetricsContainer() error {
	cleanupVictoriaMetricsContainer()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "victoriametrics/victoria-metrics:v1.103.0",
			ExposedPorts: []string{"8428/tcp"},
			WaitingFor:   wait.ForHTTP("/health").WithPort("8428/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start VictoriaMetrics container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return fmt.Errorf("failed to get VictoriaMetrics host: %w", err)
	}
	port, err := container.MappedPort(ctx, "8428")
	if err != nil {
		_ = container.Terminate(ctx)
		return fmt.Errorf("failed to get VictoriaMetrics port: %w", err)
	}

	vmContainer = container
	vmBaseURL = fmt.Sprintf("http://%s:%s", host, port.Port())
	return nil
}

func cleanupVictoriaMetricsContainer() {
	if vmContainer != nil {
		// Use a timeout context to prevent hanging during cleanup
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_ = vmContainer.Terminate(ctx)
		vmContainer = nil
	}
}

// exportedSeries dumps the stored samples for one metric. The export endpoint
// reads straight from storage, so freshly ingested samples show up without
// waiting out the query latency offset.
func exportedSeries(metric string) string {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/export?match[]=%s", vmBaseURL, metric))
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

var _ = Describe("VictoriaMetrics integration", Ordered, Label("victoriametrics"), func() {
	BeforeAll(func() {
		if os.Getenv("TEST_VM_INTEGRATION") == "" {
			Skip("Skipping VictoriaMetrics integration tests: TEST_VM_INTEGRATION not set")
			return
		}

		By("Starting VictoriaMetrics container")
		Expect(startVictoriaMetricsContainer()).To(Succeed())
	})

	AfterAll(func() {
		By("Cleaning up VictoriaMetrics container")
		cleanupVictoriaMetricsContainer()
	})

	It("should ingest rendered telemetry end to end", func() {
		msgHandler, stream := buildStream(fmt.Sprintf(`
vm_write:
  url: %s/write
  global_tags:
    system_id: Pro6000-7
`, vmBaseURL))

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		go func() {
			_ = stream.Run(ctx)
		}()

		Expect(msgHandler(ctx, telemetryMessage("230.1"))).To(Succeed())

		Eventually(func() string {
			return exportedSeries("victron_system_ac_out_power")
		}, "30s", "1s").Should(SatisfyAll(
			ContainSubstring(`"__name__":"victron_system_ac_out_power"`),
			ContainSubstring(`"system_id":"Pro6000-7"`),
		))
	})
})
