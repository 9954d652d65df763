package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

type testConfig struct {
	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	Gmail  GmailConfig  `yaml:"gmail"`
}

func TestDecodeMergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: "8080"
llm:
  model: gpt-3.5-turbo
  api_key: ${JOBTRAIL_TEST_KEY}
gmail:
  labels: [INBOX]
`)
	writeFile(t, dir, "staging.yaml", `
server:
  port: "9090"
`)
	writeFile(t, dir, "secrets.env", "# comment\nJOBTRAIL_TEST_KEY=\"sk-from-file\"\n")

	var cfg testConfig
	if err := Decode("staging", dir, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port: got %q, want 9090", cfg.Server.Port)
	}
	if cfg.LLM.Model != "gpt-3.5-turbo" {
		t.Errorf("model: got %q, want value from base.yaml", cfg.LLM.Model)
	}
	if cfg.LLM.APIKey != "sk-from-file" {
		t.Errorf("api key: got %q, want sk-from-file", cfg.LLM.APIKey)
	}
	if len(cfg.Gmail.Labels) != 1 || cfg.Gmail.Labels[0] != "INBOX" {
		t.Errorf("labels: got %v", cfg.Gmail.Labels)
	}
}

func TestDecodeEnvironmentBeatsSecretsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "llm:\n  api_key: ${JOBTRAIL_TEST_KEY2}\n")
	writeFile(t, dir, "secrets.env", "JOBTRAIL_TEST_KEY2=from-file\n")
	t.Setenv("JOBTRAIL_TEST_KEY2", "from-env")

	var cfg testConfig
	if err := Decode("local", dir, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.LLM.APIKey != "from-env" {
		t.Errorf("api key: got %q, want from-env", cfg.LLM.APIKey)
	}
}

func TestDecodeMissingBase(t *testing.T) {
	t.Parallel()
	var cfg testConfig
	if err := Decode("local", t.TempDir(), &cfg); err == nil {
		t.Error("Decode without base.yaml: got nil error")
	}
}

func TestOverrideGmailFromEnv(t *testing.T) {
	t.Setenv("GMAIL_LABELS", "INBOX, Jobs ,,")
	t.Setenv("GMAIL_TOKEN_PATH", "/tmp/token.json")

	var cfg GmailConfig
	OverrideGmailFromEnv(&cfg)
	if len(cfg.Labels) != 2 || cfg.Labels[1] != "Jobs" {
		t.Errorf("labels: got %v, want [INBOX Jobs]", cfg.Labels)
	}
	if cfg.TokenPath != "/tmp/token.json" {
		t.Errorf("token path: got %q", cfg.TokenPath)
	}
}

func TestSyncTimeoutDefault(t *testing.T) {
	t.Parallel()
	if got := (SyncConfig{}).Timeout().Minutes(); got != 5 {
		t.Errorf("default timeout: got %vm, want 5m", got)
	}
	if got := (SyncConfig{TimeoutSec: 30}).Timeout().Seconds(); got != 30 {
		t.Errorf("timeout: got %vs, want 30s", got)
	}
}
