package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORTGATE_JWT_SECRET", "s3cret")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Defaults()
	want.JWTSecret = "s3cret"
	if cfg.HTTPAddr != want.HTTPAddr || cfg.GRPCAddr != want.GRPCAddr || cfg.Store != "sqlite" ||
		cfg.OperationTimeout != 5*time.Second || cfg.AuditVerifySchedule != want.AuditVerifySchedule {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_Precedence(t *testing.T) {
	yamlPath := writeFile(t, "portgate.yaml", `
http_addr: ":7000"
grpc_addr: ":7001"
store: memory
jwt_secret: from-yaml
operation_timeout: 2s
known_agents: [edge-a, edge-b]
log_format: json
`)
	t.Setenv("PORTGATE_GRPC_ADDR", ":8001")
	t.Setenv("PORTGATE_KNOWN_AGENTS", "edge-c, ,edge-d")

	cfg, err := Load([]string{"--config", yamlPath, "--http-addr", ":9000"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("flag should win: http_addr=%q", cfg.HTTPAddr)
	}
	if cfg.GRPCAddr != ":8001" {
		t.Errorf("env should beat yaml: grpc_addr=%q", cfg.GRPCAddr)
	}
	if cfg.Store != "memory" || cfg.JWTSecret != "from-yaml" || cfg.LogFormat != "json" {
		t.Errorf("yaml values lost: %+v", cfg)
	}
	if cfg.OperationTimeout != 2*time.Second {
		t.Errorf("operation_timeout=%s", cfg.OperationTimeout)
	}
	if strings.Join(cfg.KnownAgents, ",") != "edge-c,edge-d" {
		t.Errorf("known agents=%v", cfg.KnownAgents)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	envPath := writeFile(t, "test.env", "PORTGATE_JWT_SECRET=from-dotenv\nPORTGATE_LOG_LEVEL=debug\n")
	// godotenv sets real process variables; t.Setenv restores them afterwards.
	t.Setenv("PORTGATE_JWT_SECRET", "")
	t.Setenv("PORTGATE_LOG_LEVEL", "")
	os.Unsetenv("PORTGATE_JWT_SECRET")
	os.Unsetenv("PORTGATE_LOG_LEVEL")

	cfg, err := Load([]string{"--env-file", envPath})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JWTSecret != "from-dotenv" || cfg.LogLevel != "debug" {
		t.Fatalf("dotenv not applied: %+v", cfg)
	}
}

func TestLoad_MissingExplicitEnvFile(t *testing.T) {
	t.Setenv("PORTGATE_JWT_SECRET", "s3cret")

	if _, err := Load([]string{"--env-file", filepath.Join(t.TempDir(), "nope.env")}); err == nil {
		t.Fatal("expected error for a missing --env-file")
	}
}

func TestLoad_ScheduleCanBeDisabled(t *testing.T) {
	t.Setenv("PORTGATE_JWT_SECRET", "s3cret")
	t.Setenv("PORTGATE_AUDIT_VERIFY_SCHEDULE", "")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuditVerifySchedule != "" {
		t.Fatalf("schedule=%q", cfg.AuditVerifySchedule)
	}
}

func TestLoad_FailSoft(t *testing.T) {
	t.Setenv("PORTGATE_JWT_SECRET", "s3cret")
	t.Setenv("PORTGATE_ENV", "staging")
	t.Setenv("PORTGATE_DB_READ_CONNS", "lots")
	t.Setenv("PORTGATE_OPERATION_TIMEOUT", "-1s")
	t.Setenv("PORTGATE_AUDIT_VERIFY_FULL_EVERY", "0")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "dev" || cfg.DBReadConns != 4 || cfg.OperationTimeout != 5*time.Second || cfg.AuditVerifyFullEvery != 6 {
		t.Fatalf("expected fallbacks, got %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"no secret", nil, nil, "jwt_secret"},
		{"bad store", map[string]string{"PORTGATE_JWT_SECRET": "x"}, []string{"--store", "postgres"}, "store must be"},
		{"bad level", map[string]string{"PORTGATE_JWT_SECRET": "x", "PORTGATE_LOG_LEVEL": "loud"}, nil, "log_level"},
		{"bad format", map[string]string{"PORTGATE_JWT_SECRET": "x", "PORTGATE_LOG_FORMAT": "xml"}, nil, "log_format"},
		{"unknown flag", map[string]string{"PORTGATE_JWT_SECRET": "x"}, []string{"--nope"}, "parse flags"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PORTGATE_JWT_SECRET", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	t.Setenv("PORTGATE_JWT_SECRET", "s3cret")
	p := writeFile(t, "bad.yaml", "http_addr: [unterminated\n")

	if _, err := Load([]string{"--config", p}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLogger_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := Defaults()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	logger := cfg.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("expected json record, got %s", out)
	}
}
