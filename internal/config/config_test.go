package config

import (
	"testing"
	"time"
)

func TestEnvStr(t *testing.T) {
	t.Setenv("TEST_STR", "value")
	if v := envStr("TEST_STR", "fallback"); v != "value" {
		t.Fatalf("expected value, got %q", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %q", v)
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback on malformed value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	if v := envDuration("TEST_DUR_BAD", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback on malformed value, got %s", v)
	}
}

func TestLoadSkillPodsDefaults(t *testing.T) {
	cfg, err := LoadSkillPods()
	if err != nil {
		t.Fatalf("expected defaults to load, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.EmbeddingProvider != "auto" {
		t.Fatalf("expected provider auto, got %q", cfg.EmbeddingProvider)
	}
	if cfg.QdrantURL != "" {
		t.Fatalf("expected qdrant off by default, got %q", cfg.QdrantURL)
	}
}

func TestSkillPodsValidate(t *testing.T) {
	cfg, err := LoadSkillPods()
	if err != nil {
		t.Fatal(err)
	}
	cfg.DataDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty data dir")
	}
	cfg.DataDir = "./data"
	cfg.EmbeddingDimensions = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero dimensions")
	}
}

func TestLoadSmartMailDefaults(t *testing.T) {
	cfg, err := LoadSmartMail()
	if err != nil {
		t.Fatalf("expected defaults to load, got: %v", err)
	}
	if cfg.Port != 8081 {
		t.Fatalf("expected default port 8081, got %d", cfg.Port)
	}
	if cfg.SendAPIKey != "" {
		t.Fatalf("send API key should default to empty, got %q", cfg.SendAPIKey)
	}
}

func TestSmartMailValidate(t *testing.T) {
	cfg, err := LoadSmartMail()
	if err != nil {
		t.Fatal(err)
	}
	cfg.DatabaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty database URL")
	}
}
