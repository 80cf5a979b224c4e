package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	if got := GetEnv("CIENGINE_TEST_UNSET", "default"); got != "default" {
		t.Errorf("Expected 'default', got %q", got)
	}

	t.Setenv("CIENGINE_TEST_GET_ENV", "custom")
	if got := GetEnv("CIENGINE_TEST_GET_ENV", "default"); got != "custom" {
		t.Errorf("Expected 'custom', got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 42},
		{"valid", "123", 123},
		{"invalid falls back", "not-a-number", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CIENGINE_TEST_INT", tt.value)
			if got := GetIntEnv("CIENGINE_TEST_INT", 42); got != tt.want {
				t.Errorf("GetIntEnv() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"unset keeps default", "", true, true},
		{"true", "true", false, true},
		{"numeric false", "0", true, false},
		{"invalid falls back", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CIENGINE_TEST_BOOL", tt.value)
			if got := GetBoolEnv("CIENGINE_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("GetBoolEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"unset", "", defaultDuration},
		{"seconds", "30s", 30 * time.Second},
		{"milliseconds", "100ms", 100 * time.Millisecond},
		{"invalid falls back", "not-a-duration", defaultDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CIENGINE_TEST_DURATION", tt.value)
			if got := GetDurationEnv("CIENGINE_TEST_DURATION", defaultDuration); got != tt.want {
				t.Errorf("GetDurationEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetListEnv(t *testing.T) {
	t.Setenv("CIENGINE_TEST_LIST", "")
	if got := GetListEnv("CIENGINE_TEST_LIST"); got != nil {
		t.Errorf("Expected nil for unset list, got %v", got)
	}

	t.Setenv("CIENGINE_TEST_LIST", " broker-1:9092, ,broker-2:9092 ")
	got := GetListEnv("CIENGINE_TEST_LIST")
	if len(got) != 2 || got[0] != "broker-1:9092" || got[1] != "broker-2:9092" {
		t.Errorf("Unexpected list: %v", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty string for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/path/to/secret"); got != "" {
		t.Errorf("Expected empty string for nonexistent file, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "api-key")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}
	if got := GetSecretFile(path); got != "my-secret-value" {
		t.Errorf("Expected %q, got %q", "my-secret-value", got)
	}
}

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("LOCK_TIMEOUT", "90s")
	t.Setenv("EXECUTOR", "docker")

	cfg := LoadServiceConfig()
	if cfg.LockTimeout != 90*time.Second {
		t.Errorf("Expected lock timeout 90s, got %v", cfg.LockTimeout)
	}
	if cfg.Executor != "docker" {
		t.Errorf("Expected docker executor, got %q", cfg.Executor)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %q", cfg.Port)
	}
}
