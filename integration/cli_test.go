//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../taskq",
		"./taskq",
		filepath.Join(os.Getenv("GOPATH"), "bin", "taskq"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../taskq", "../cmd/taskq")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../taskq")
	return abs
}

// createTestConfig creates a temporary config file for testing
func createTestConfig(t *testing.T, dbPath, inboxDir string, port int) string {
	t.Helper()
	configPath := TempConfigPath(t)

	config := fmt.Sprintf(`[general]
database_path = %q

[web]
port = %d
host = "127.0.0.1"

[queue]
default_priority = 50
default_max_attempts = 3

[reaper]
enabled = true
cron = "@every 1m"
claim_ttl = "30m"

[inbox]
enabled = %v
dir = %q

[notifications]
desktop = false
`, dbPath, port, inboxDir != "", inboxDir)

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

func run(t *testing.T, binary, configPath string, args ...string) string {
	t.Helper()
	cmd := exec.Command(binary, append(args, "--config", configPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

func ingestFixtures(t *testing.T, binary, configPath string) string {
	t.Helper()
	return run(t, binary, configPath, "ingest",
		filepath.Join(BundlesDir(t), "checkout.yaml"),
		filepath.Join(BundlesDir(t), "export-report.md"))
}

// TestCLI_Ingest tests the ingest command with both bundle formats
func TestCLI_Ingest(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), "", 8080)

	output := ingestFixtures(t, binary, configPath)

	if !strings.Contains(output, "2 task(s) for story 42") {
		t.Errorf("Expected checkout bundle in output, got: %s", output)
	}
	if !strings.Contains(output, "1 task(s) for story 9") {
		t.Errorf("Expected report task in output, got: %s", output)
	}
}

// TestCLI_Stats tests the stats command
func TestCLI_Stats(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), "", 8080)
	ingestFixtures(t, binary, configPath)

	output := run(t, binary, configPath, "stats")

	if !strings.Contains(output, "3 active") {
		t.Errorf("Expected '3 active' in output, got: %s", output)
	}
}

// TestCLI_NextAndRelease walks a task through the CLI
func TestCLI_NextAndRelease(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), "", 8080)
	ingestFixtures(t, binary, configPath)

	output := run(t, binary, configPath, "next")
	var packet struct {
		Identity struct {
			TaskID string `json:"task_id"`
		} `json:"identity"`
		Goal struct {
			Title string `json:"title"`
		} `json:"goal"`
	}
	if err := json.Unmarshal([]byte(output), &packet); err != nil {
		t.Fatalf("next did not print a packet: %v\n%s", err, output)
	}
	if packet.Goal.Title != "Card form" {
		t.Errorf("Expected the priority 80 task first, got %q", packet.Goal.Title)
	}

	// Nothing is claimed, so release must fail
	cmd := exec.Command(binary, "release", packet.Identity.TaskID, "--config", configPath)
	if out, err := cmd.CombinedOutput(); err == nil {
		t.Errorf("Expected release of an unclaimed task to fail, got: %s", out)
	}
}

// TestCLI_EvaluateLineage tests scoring through the CLI
func TestCLI_EvaluateLineage(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t), "", 8080)

	var output string
	for i := 0; i < 4; i++ {
		output = run(t, binary, configPath, "evaluate", "--task-name", "nightly-build", "--failed", "--failure-type", "timeout")
	}
	if !strings.Contains(output, "Escalate:") {
		t.Errorf("Expected escalation after four failures, got: %s", output)
	}

	output = run(t, binary, configPath, "evaluations", "--task-name", "nightly-build", "--limit", "2")
	if got := strings.Count(output, "nightly-build"); got != 2 {
		t.Errorf("Expected 2 evaluations listed, got %d:\n%s", got, output)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// TestCLI_ServeIngestsInbox runs the server with an inbox and checks the
// dropped bundles become queued tasks visible over HTTP.
func TestCLI_ServeIngestsInbox(t *testing.T) {
	binary := binaryPath(t)
	inboxDir := CopyBundlesToTemp(t)
	port := freePort(t)
	configPath := createTestConfig(t, TempDBPath(t), inboxDir, port)

	cmd := exec.Command(binary, "serve", "--config", configPath)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cmd.Process.Signal(os.Interrupt)
		cmd.Wait()
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/queue/stats", port)
	deadline := time.Now().Add(10 * time.Second)
	for {
		var stats map[string]int
		resp, err := http.Get(url)
		if err == nil {
			json.NewDecoder(resp.Body).Decode(&stats)
			resp.Body.Close()
			if stats["queued"] == 3 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("inbox bundles not ingested, last stats = %v, err = %v", stats, err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	entries, _ := os.ReadDir(filepath.Join(inboxDir, "processed"))
	if len(entries) != 2 {
		t.Errorf("Expected 2 processed files, got %d", len(entries))
	}
}
