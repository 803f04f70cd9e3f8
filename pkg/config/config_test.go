package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Concurrency)
	}
	if cfg.LookbackHours != 24 {
		t.Errorf("lookback hours = %d", cfg.LookbackHours)
	}
	if cfg.OutDir != "artifacts" {
		t.Errorf("out dir = %s", cfg.OutDir)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.Multiplier != 2.0 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Concurrency)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LookbackHours != 24 {
		t.Errorf("lookback hours = %d", cfg.LookbackHours)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
region: eu-west-1
concurrency: 8
retry:
  maxAttempts: 3
  initialDelay: 500ms
provision:
  imageId: ami-0abc
  instanceType: g5.xlarge
  bootstrap:
    containerImage: vllm/vllm-openai:latest
    model: meta-llama/Llama-3.1-8B-Instruct
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("region = %s", cfg.Region)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Concurrency)
	}
	// Unset fields keep their defaults
	if cfg.OutDir != "artifacts" {
		t.Errorf("out dir = %s", cfg.OutDir)
	}
	if cfg.Provision.Request.ImageID != "ami-0abc" {
		t.Errorf("image id = %s", cfg.Provision.Request.ImageID)
	}
	if cfg.Provision.Bootstrap.Model != "meta-llama/Llama-3.1-8B-Instruct" {
		t.Errorf("model = %s", cfg.Provision.Bootstrap.Model)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("concurrency: 999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for out-of-range concurrency")
	}

	if err := os.WriteFile(path, []byte("region: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error for malformed yaml")
	}
}

func TestRetryPolicyMergesDefaults(t *testing.T) {
	cfg := Default()
	cfg.Retry.MaxAttempts = 7
	cfg.Retry.InitialDelay = 0 // unset, keep default
	cfg.Retry.MaxDelay = time.Minute
	cfg.Retry.Multiplier = 0 // unset, keep default

	p := cfg.RetryPolicy()
	if p.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", p.MaxAttempts)
	}
	if p.InitialDelay != time.Second {
		t.Errorf("initial delay = %s", p.InitialDelay)
	}
	if p.MaxDelay != time.Minute {
		t.Errorf("max delay = %s", p.MaxDelay)
	}
	if p.Multiplier != 2.0 {
		t.Errorf("multiplier = %g", p.Multiplier)
	}
}

func TestDatabasePathCreatesDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "nested", "data")

	path, err := cfg.DatabasePath()
	if err != nil {
		t.Fatalf("DatabasePath() error = %v", err)
	}
	if filepath.Base(path) != "ladpipe.db" {
		t.Errorf("path = %s", path)
	}
	if _, err := os.Stat(cfg.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}
