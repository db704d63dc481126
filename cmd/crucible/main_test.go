package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func TestRunVersion(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion(nil)
	})
	if code != 0 {
		t.Fatalf("runVersion() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "crucible "+version) {
		t.Fatalf("stdout missing version line: %s", stdout)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"--json"})
	})
	if code != 0 {
		t.Fatalf("runVersion(--json) code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("version JSON does not parse: %v\n%s", err, stdout)
	}
	if info.Version != version {
		t.Fatalf("version = %q, want %q", info.Version, version)
	}
}

func TestRunVersionRejectsExtraArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"extra"})
	})
	if code != 1 {
		t.Fatalf("runVersion(extra) code = %d", code)
	}
	if !strings.Contains(stderr, "Usage: crucible version") {
		t.Fatalf("stderr missing usage: %s", stderr)
	}
}

func TestRunConfigCheckValid(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "crucible.yaml")
	configYAML := `
service:
  name: crucible
runtime:
  root_dir: ` + dir + `
  version: "3.1"
  worker: bin/crucible-worker
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", configPath})
	})
	if code != 0 {
		t.Fatalf("runConfigCheck() code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "Config check PASSED") {
		t.Fatalf("stdout missing pass line: %s", stdout)
	}
	if !strings.Contains(stdout, "3.1") {
		t.Fatalf("stdout missing runtime version: %s", stdout)
	}
}

func TestRunConfigCheckMissingFile(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigCheck([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	})
	if code != 1 {
		t.Fatalf("runConfigCheck() code = %d", code)
	}
	if !strings.Contains(stderr, "Config check FAILED") {
		t.Fatalf("stderr missing failure line: %s", stderr)
	}
}

func TestRunConfigNounUnknownAction(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runConfigNoun([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("runConfigNoun() code = %d", code)
	}
	if !strings.Contains(stderr, "Unknown config action") {
		t.Fatalf("stderr missing unknown action message: %s", stderr)
	}
}

func TestRunWatchRequiresAPIKey(t *testing.T) {
	t.Setenv("CRUCIBLE_API_KEY", "")
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runWatch(nil)
	})
	if code != 1 {
		t.Fatalf("runWatch() code = %d", code)
	}
	if !strings.Contains(stderr, "API key required") {
		t.Fatalf("stderr missing API key message: %s", stderr)
	}
}
