package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestGatewayURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "http://127.0.0.1:18790"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000"},
		{"[::]:9000", "http://127.0.0.1:9000"},
		{":9000", "http://127.0.0.1:9000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
		{"https://gw.example.com/", "https://gw.example.com"},
	}
	for _, tt := range tests {
		if got := gatewayURL(tt.in); got != tt.want {
			t.Errorf("gatewayURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nTS_DOTENV_A=\"quoted\"\nTS_DOTENV_B = plain\nTS_DOTENV_KEEP=fromfile\nnot a pair\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TS_DOTENV_KEEP", "fromenv")
	t.Setenv("TS_DOTENV_A", "")
	t.Setenv("TS_DOTENV_B", "")

	loadDotEnv(path)

	if got := os.Getenv("TS_DOTENV_A"); got != "quoted" {
		t.Errorf("A = %q", got)
	}
	if got := os.Getenv("TS_DOTENV_B"); got != "plain" {
		t.Errorf("B = %q", got)
	}
	if got := os.Getenv("TS_DOTENV_KEEP"); got != "fromenv" {
		t.Errorf("existing variable overridden: %q", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(os.NewSyscallError("bind", syscall.EADDRINUSE)) {
		t.Error("syscall error not detected")
	}
	if !isAddrInUse(fmt.Errorf("listen: %w", errors.New("bind: address already in use"))) {
		t.Error("message match not detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Error("unrelated error reported as in use")
	}
}

func TestDrainTimeout(t *testing.T) {
	if got := drainTimeout(0); got.Seconds() != 5 {
		t.Errorf("default = %v", got)
	}
	if got := drainTimeout(12); got.Seconds() != 12 {
		t.Errorf("configured = %v", got)
	}
}

// setTestConfig writes a minimal config.yaml to a temp dir and sets TASKSTREAM_HOME.
func setTestConfig(t *testing.T, addr, token string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TASKSTREAM_HOME", home)
	t.Setenv("TASKSTREAM_BIND_ADDR", "")
	t.Setenv("TASKSTREAM_AUTH_TOKEN", "")
	yaml := fmt.Sprintf("bind_addr: %q\nauth_token: %q\n", addr, token)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}
