package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Engine.Mode != "mock" || cfg.Engine.Variant != "buffered" {
		t.Fatalf("expected mock/buffered engine defaults, got %s/%s", cfg.Engine.Mode, cfg.Engine.Variant)
	}
	if cfg.Bridge.MaxBufferedKB != 4096 || cfg.Bridge.SynthesisTimeoutMS != 120000 {
		t.Fatalf("unexpected bridge defaults: %+v", cfg.Bridge)
	}
	if cfg.Voice.RateBoost != 100 {
		t.Fatalf("expected rate boost default 100, got %d", cfg.Voice.RateBoost)
	}
	if params := cfg.Voice.Params(); len(params) != 0 {
		t.Fatalf("expected no voice params by default, got %v", params)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOX_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOX_BUS_USERNAME", "alice")
	t.Setenv("VOX_BUS_PASSWORD", "secret")
	t.Setenv("VOX_BUS_TLS_INSECURE", "true")
	t.Setenv("VOX_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("VOX_ENGINE_MODE", "exec")
	t.Setenv("VOX_ENGINE_COMMAND", "eloqhost --stdio")
	t.Setenv("VOX_ENGINE_VARIANT", "tapped")
	t.Setenv("VOX_BRIDGE_SYNTHESIS_TIMEOUT_MS", "30000")
	t.Setenv("VOX_VOICE_RATE_BOOST", "250")
	t.Setenv("VOX_JOURNAL_PATH", "./tmp.db")
	t.Setenv("VOX_JOURNAL_RETENTION_MODE", "persistent")
	t.Setenv("VOX_JOURNAL_RETENTION_DAYS", "7")
	t.Setenv("VOX_JOURNAL_MAX_UTTERANCES", "123")
	t.Setenv("VOX_JOURNAL_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command != "eloqhost --stdio" {
		t.Fatalf("expected engine override, got %+v", cfg.Engine)
	}
	if cfg.Engine.Variant != "tapped" {
		t.Fatalf("expected variant override, got %s", cfg.Engine.Variant)
	}
	if cfg.Bridge.SynthesisTimeoutMS != 30000 {
		t.Fatalf("expected synthesis timeout override, got %d", cfg.Bridge.SynthesisTimeoutMS)
	}
	if cfg.Voice.RateBoost != 250 {
		t.Fatalf("expected rate boost override, got %d", cfg.Voice.RateBoost)
	}
	if cfg.Journal.Path != "./tmp.db" {
		t.Fatalf("expected journal path override")
	}
	if cfg.Journal.RetentionMode != "persistent" {
		t.Fatalf("expected journal retention mode override")
	}
	if cfg.Journal.RetentionDays != 7 {
		t.Fatalf("expected journal retention days override")
	}
	if cfg.Journal.MaxUtterances != 123 {
		t.Fatalf("expected journal max utterances override")
	}
	if !cfg.Journal.VacuumOnStart {
		t.Fatalf("expected journal vacuum flag override")
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxbridge.yaml")
	body := []byte(`
engine:
  mode: exec
  command: "eloqhost --stdio"
  variant: tapped
voice:
  voice: 2
  rate_boost: 200
  pitch_height: 60
  volume: 90
bridge:
  synthesis_timeout_ms: 45000
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Variant != "tapped" {
		t.Fatalf("engine section not applied: %+v", cfg.Engine)
	}
	if cfg.Bridge.SynthesisTimeoutMS != 45000 {
		t.Fatalf("bridge section not applied: %+v", cfg.Bridge)
	}
	params := cfg.Voice.Params()
	if len(params) != 2 || params[2] != 60 || params[7] != 90 {
		t.Fatalf("voice params %v", params)
	}
	if cfg.Voice.Voice != 2 || cfg.Voice.RateBoost != 200 {
		t.Fatalf("voice section not applied: %+v", cfg.Voice)
	}
}

func TestValidateRejectsBadEngine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  mode: exec\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for exec mode without command")
	}

	if err := os.WriteFile(path, []byte("engine:\n  variant: direct\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown variant")
	}
}
