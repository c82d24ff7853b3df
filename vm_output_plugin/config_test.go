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

package vm_output_plugin

import (
	"strings"
	"testing"
)

func TestParseVmOutputConfig_PasswordSources(t *testing.T) {
	parse := func(t *testing.T, yaml string) (vmOutputConfig, error) {
		t.Helper()
		parsed, err := outputConfig().ParseYAML(yaml, nil)
		if err != nil {
			t.Fatalf("ParseYAML() error = %v", err)
		}
		return parseVmOutputConfig(parsed)
	}

	t.Run("inline password", func(t *testing.T) {
		config, err := parse(t, `
url: http://localhost:8428/write
username: writer
password: hunter2
`)
		if err != nil {
			t.Fatalf("parseVmOutputConfig() error = %v", err)
		}
		if config.password != "hunter2" || config.passwordFile != "" {
			t.Errorf("got password %q, password_file %q", config.password, config.passwordFile)
		}
	})

	t.Run("password file", func(t *testing.T) {
		config, err := parse(t, `
url: http://localhost:8428/write
username: writer
password_file: /run/secrets/vm-password
`)
		if err != nil {
			t.Fatalf("parseVmOutputConfig() error = %v", err)
		}
		if config.passwordFile != "/run/secrets/vm-password" || config.password != "" {
			t.Errorf("got password %q, password_file %q", config.password, config.passwordFile)
		}
	})

	t.Run("both set is rejected", func(t *testing.T) {
		_, err := parse(t, `
url: http://localhost:8428/write
username: writer
password: hunter2
password_file: /run/secrets/vm-password
`)
		if err == nil {
			t.Fatal("parseVmOutputConfig() expected an error, got nil")
		}
		if !strings.Contains(err.Error(), "mutually exclusive") {
			t.Errorf("parseVmOutputConfig() error = %v, want mutual exclusion", err)
		}
	})
}
