package config

import (
	"os"
	"testing"
	"time"
)

const sampleConfig = `
llm:
  provider: openai
  base_url: https://api.example.com
  api_key: dummy
  model: gpt-4o
server:
  host: 0.0.0.0
  port: "8080"
store:
  path: /tmp/chat.db
mcp_servers:
  - type: stdio
    command: ./mock
    args: ["--flag"]
    env:
      FOO: bar
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmp, err := os.CreateTemp(t.TempDir(), "cfg-*.yaml")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	if _, err := tmp.WriteString(body); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmp.Close()
	return tmp.Name()
}

// TestLoad_File verifies that Load unmarshals the YAML sections including MCP servers.
func TestLoad_File(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, sampleConfig))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4o" {
		t.Fatalf("unexpected llm config: %+v", cfg.LLM)
	}
	if cfg.Store.Path != "/tmp/chat.db" {
		t.Fatalf("unexpected store path: %s", cfg.Store.Path)
	}
	if len(cfg.MCPServers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(cfg.MCPServers))
	}
	s := cfg.MCPServers[0]
	if s.Type != ClientTypeStdio {
		t.Fatalf("expected type stdio, got %s", s.Type)
	}
	if s.Command != "./mock" {
		t.Fatalf("unexpected command: %s", s.Command)
	}
	if len(s.Args) != 1 || s.Args[0] != "--flag" {
		t.Fatalf("unexpected args: %v", s.Args)
	}
	if v := s.Env["foo"]; v != "bar" {
		t.Fatalf("env not parsed: %v", s.Env)
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfig(t, "llm:\n  api_key: k\n"))
	t.Setenv("ANACHAK_LLM_MODEL", "gemini-2.5-pro")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Fatalf("expected default provider, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("env override not applied: %q", cfg.LLM.Model)
	}
	if cfg.Attachments.PollAttempts != 40 || cfg.Attachments.PollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected attachment defaults: %+v", cfg.Attachments)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("unexpected log level: %q", cfg.Log.Level)
	}
}

// TestLoad_EnvOnly verifies that every llm key can be set from the
// environment when there is no config file at all.
func TestLoad_EnvOnly(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("ANACHAK_LLM_API_KEY", "secret")
	t.Setenv("ANACHAK_LLM_BASE_URL", "https://llm.example.com")
	t.Setenv("ANACHAK_LLM_MEMORY_MODEL", "gemini-2.5-flash-lite")
	t.Setenv("ANACHAK_LLM_SYSTEM_PROMPT", "be brief")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.APIKey != "secret" {
		t.Fatalf("ANACHAK_LLM_API_KEY ignored: got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "https://llm.example.com" {
		t.Fatalf("ANACHAK_LLM_BASE_URL ignored: got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.MemoryModel != "gemini-2.5-flash-lite" {
		t.Fatalf("ANACHAK_LLM_MEMORY_MODEL ignored: got %q", cfg.LLM.MemoryModel)
	}
	if cfg.LLM.SystemPrompt != "be brief" {
		t.Fatalf("ANACHAK_LLM_SYSTEM_PROMPT ignored: got %q", cfg.LLM.SystemPrompt)
	}
	if cfg.Store.Path != "anachak.db" {
		t.Fatalf("unexpected store path default: %q", cfg.Store.Path)
	}
}
