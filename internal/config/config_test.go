package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ashita-ai/darwin/internal/model"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("DARWIN_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid DARWIN_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "DARWIN_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention DARWIN_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("DARWIN_PORT", "abc")
	t.Setenv("DARWIN_MAX_ACTIVE", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "DARWIN_PORT") {
		t.Fatalf("error should mention DARWIN_PORT, got: %s", got)
	}
	if !contains(got, "DARWIN_MAX_ACTIVE") {
		t.Fatalf("error should mention DARWIN_MAX_ACTIVE, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="high" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " https://a.example, ,https://b.example ")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected list: %v", got)
	}
	if envList("TEST_LIST_MISSING") != nil {
		t.Fatal("expected nil for unset list")
	}
}

func TestLoadDefaultsMatchStockPolicy(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Lite() {
		t.Fatal("expected lite mode without DATABASE_URL")
	}
	p := cfg.Policy
	if p.GracePeriod.Hours() != 48 || p.GraceMinimum != 40 || p.PromotionThreshold != 65 || p.EliminationThreshold != 30 || p.MaxActive != 50 {
		t.Fatalf("unexpected default policy: %+v", p)
	}
	if err := cfg.Weights.Validate(); err != nil {
		t.Fatalf("default weights invalid: %v", err)
	}
	if cfg.SpecializationFallback {
		t.Fatal("hinted items must only match their specialization by default")
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("DARWIN_PROMOTION_THRESHOLD", "20")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when elimination >= promotion")
	}
}

func TestLoadWeightsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	body := "weights:\n  code_quality: 0.2\n  issue_resolution: 0.2\n  pr_success: 0.2\n  peer_review: 0.2\n  creativity: 0.2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DARWIN_WEIGHTS_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Weights.CodeQuality != 0.2 || cfg.Weights.Creativity != 0.2 {
		t.Fatalf("weights not loaded: %+v", cfg.Weights)
	}
}

func TestLoadRejectsBadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	body := "weights:\n  code_quality: 0.5\n  issue_resolution: 0.2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DARWIN_WEIGHTS_FILE", path)
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail when weights do not sum to 1.0")
	}
	if !errors.Is(err, model.ErrInvalidWeights) {
		t.Fatalf("expected ErrInvalidWeights, got: %v", err)
	}
}

func TestLoadWeightsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	if err := os.WriteFile(path, []byte("weights:\n  speed: 1.0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWeights(path); err == nil {
		t.Fatal("expected unknown metric to be rejected")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
