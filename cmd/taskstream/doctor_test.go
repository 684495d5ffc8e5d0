package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskstream/internal/config"
	"github.com/basket/taskstream/internal/doctor"
)

func stubDiagnosis(t *testing.T, results ...doctor.CheckResult) {
	t.Helper()
	prev := runDiagnosis
	runDiagnosis = func(_ context.Context, cfg *config.Config, version string) doctor.Diagnosis {
		return doctor.Diagnosis{
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			System:    doctor.SystemInfo{OS: "linux", Arch: "amd64", Go: "go1.24", Version: version},
			Results:   results,
		}
	}
	t.Cleanup(func() { runDiagnosis = prev })
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	stubDiagnosis(t,
		doctor.CheckResult{Name: "Config", Status: doctor.StatusPass, Message: "loaded", Detail: "abc123"},
		doctor.CheckResult{Name: "Redis", Status: doctor.StatusSkip, Message: "not configured"},
	)

	var stdout bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &stdout, &bytes.Buffer{}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	out := stdout.String()
	for _, want := range []string{"Taskstream Doctor Report (2026-01-02T03:04:05Z)", "[PASS] Config", "abc123", "[SKIP] Redis"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	setTestConfig(t, "127.0.0.1:1", "")
	stubDiagnosis(t, doctor.CheckResult{Name: "Queue", Status: doctor.StatusFail, Message: "dial failed"})

	var stdout bytes.Buffer
	if code := runDoctorCommand(context.Background(), []string{"-json"}, &stdout, &bytes.Buffer{}); code != 1 {
		t.Fatalf("got exit code %d, want 1 on a failed check", code)
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(stdout.Bytes(), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(diag.Results) != 1 || diag.Results[0].Status != doctor.StatusFail {
		t.Fatalf("results = %+v", diag.Results)
	}
}

func TestRunDoctorCommand_BadFlag(t *testing.T) {
	if code := runDoctorCommand(context.Background(), []string{"-nope"}, &bytes.Buffer{}, &bytes.Buffer{}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
