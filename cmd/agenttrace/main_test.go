package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agenttrace/agenttrace/internal/auth"
	"github.com/agenttrace/agenttrace/internal/config"
)

func TestRunVersion(t *testing.T) {
	if code := run([]string{"version"}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestConfigValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenttrace.yaml")
	valid := `
server:
  host: 127.0.0.1
  port: 9090
storage:
  driver: sqlite
  path: ./data/test.db
`
	if err := os.WriteFile(path, []byte(valid), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runConfig([]string{"validate", "--config", path}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "config is valid") {
		t.Fatalf("stdout = %q", out.String())
	}
}

func TestConfigValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenttrace.yaml")
	invalid := `
storage:
  driver: dynamodb
`
	if err := os.WriteFile(path, []byte(invalid), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runConfig([]string{"validate", "--config", path}, &out, &errOut); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "config is invalid") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestAuthKeysFromConfig(t *testing.T) {
	keys := authKeysFromConfig([]config.AuthKeyConfig{
		{UserID: " u1 ", Email: " u1@example.com ", Plan: " pro ", Token: "tok"},
	})
	want := auth.KeyConfig{UserID: "u1", Email: "u1@example.com", Plan: "pro", Token: "tok"}
	if len(keys) != 1 || keys[0] != want {
		t.Fatalf("keys = %+v", keys)
	}

	if got := authKeysFromConfig(nil); got != nil {
		t.Fatalf("empty config produced %+v", got)
	}
}
