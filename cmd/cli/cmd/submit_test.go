package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mopplane/pkg/api"

	"github.com/spf13/viper"
)

const testMOP = `
name: disk-check
commands:
  - id: disk
    command: df -h / | tail -1 | awk '{print $5}'
    extract_method: regex:(\d+)%
    comparator_method: numeric:<
    reference_value: "90"
  - id: cleanup
    command: journalctl --vacuum-size=100M
    skip_condition:
      condition_id: disk
      condition_type: not_ok
`

const testInventory = `
defaults:
  transport: ssh
  admin:
    username: ops
    password: ${MOPCTL_TEST_PASSWORD}
servers:
  - host: 10.0.0.1
    name: web-1
  - host: 10.0.0.2
`

func writeFixtures(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	mopPath := filepath.Join(dir, "mop.yaml")
	inventoryPath := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(mopPath, []byte(testMOP), 0o600); err != nil {
		t.Fatalf("failed to write mop: %v", err)
	}
	if err := os.WriteFile(inventoryPath, []byte(testInventory), 0o600); err != nil {
		t.Fatalf("failed to write inventory: %v", err)
	}
	return mopPath, inventoryPath
}

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()
	t.Setenv("MOPCTL_TEST_PASSWORD", "s3cret")
	mopPath, inventoryPath := writeFixtures(t)

	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assessments" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		called = true

		var req api.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode body: %v", err)
			return
		}
		if req.MOP.Name != "disk-check" || len(req.MOP.Commands) != 2 {
			t.Errorf("unexpected mop: %+v", req.MOP)
			return
		}
		if req.MOP.Commands[0].OrderIndex != 1 || req.MOP.Commands[1].OrderIndex != 2 {
			t.Errorf("expected file order to become order_index, got %d and %d",
				req.MOP.Commands[0].OrderIndex, req.MOP.Commands[1].OrderIndex)
		}
		if len(req.Servers) != 2 || req.Servers[1].Admin.Password != "s3cret" {
			t.Errorf("expected defaults and env secrets applied, got %+v", req.Servers)
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitResponse{JobID: "job-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	output, err := execute(t, "submit", "--mop", mopPath, "--inventory", inventoryPath, "--watch=false")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected submit endpoint to be called")
	}
	if !strings.Contains(output, "job-123") {
		t.Errorf("expected job id in output, got: %s", output)
	}
	if !strings.Contains(output, "Commands: 2  Servers: 2") {
		t.Errorf("expected counts in output, got: %s", output)
	}
}

func TestSubmitCommand_MissingMOP(t *testing.T) {
	resetViper()

	output, err := execute(t, "submit", "--mop", "", "--inventory", "servers.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "--mop is required") {
		t.Errorf("expected missing mop message, got: %s", output)
	}
}

func TestSubmitCommand_MissingInventory(t *testing.T) {
	resetViper()

	output, err := execute(t, "submit", "--mop", "mop.yaml", "--inventory", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "--inventory is required") {
		t.Errorf("expected missing inventory message, got: %s", output)
	}
}

func TestSubmitCommand_UnsetSecret(t *testing.T) {
	resetViper()
	os.Unsetenv("MOPCTL_TEST_PASSWORD")
	mopPath, inventoryPath := writeFixtures(t)

	output, err := execute(t, "submit", "--mop", mopPath, "--inventory", inventoryPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "MOPCTL_TEST_PASSWORD is not set") {
		t.Errorf("expected unset variable error, got: %s", output)
	}
}

func TestSubmitCommand_Rejected(t *testing.T) {
	resetViper()
	t.Setenv("MOPCTL_TEST_PASSWORD", "s3cret")
	mopPath, inventoryPath := writeFixtures(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "dependency cycle: disk -> cleanup -> disk"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)

	output, err := execute(t, "submit", "--mop", mopPath, "--inventory", inventoryPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "Submit failed (422): dependency cycle") {
		t.Errorf("expected rejection message, got: %s", output)
	}
}
