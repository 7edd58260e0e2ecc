package config

import (
	"os"
	"path/filepath"
	"testing"

	"relay/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "general": {"logLevel": "debug"},
  "server": {"port": 8181},
  "agent": {"baseUrl": "http://agent:9000", "apiKey": "${RELAY_TEST_KEY:-fallback}"}
}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.LogLevel != "debug" || cfg.Server.Port != 8181 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Agent.APIKey != "fallback" {
		t.Fatalf("env default not applied: %q", cfg.Agent.APIKey)
	}
	// Untouched sections keep their defaults.
	if cfg.Executor.QueueSize != 100 || cfg.Delivery.EditIntervalMs != 1500 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "tok-from-env")
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"agent": {"apiKey": "${RELAY_TEST_TOKEN}"}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.APIKey != "tok-from-env" {
		t.Fatalf("apiKey = %q", cfg.Agent.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	cfg.Executor.MaxConcurrent = 0
	cfg.Delivery.EditIntervalMs = 10
	err := Validate(cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Defaults()
	cfg.Server.Port = 7777
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 7777 {
		t.Fatalf("port = %d", loaded.Server.Port)
	}
}

func TestLoadSeed(t *testing.T) {
	t.Setenv("RELAY_SEED_TOKEN", "bot-token")
	path := filepath.Join(t.TempDir(), "seed.yaml")
	data := `
channels:
  - id: tg-main
    owner: user-1
    provider: telegram
    credentials:
      token: ${RELAY_SEED_TOKEN}
    secret: hook-secret
    settings:
      parseMode: Markdown
tasks:
  - name: standup
    kind: cron
    expression: "0 9 * * 1-5"
    prompt: "Post the standup summary for {{date}}."
    agent: assistant
    channel: tg-main
    target: "100200"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}

	channels, err := seed.ChannelConfigs()
	if err != nil {
		t.Fatalf("channel configs: %v", err)
	}
	if len(channels) != 1 || channels[0].Provider != domain.ProviderTelegram {
		t.Fatalf("channels = %+v", channels)
	}
	if string(channels[0].Credentials) != `{"token":"bot-token"}` {
		t.Fatalf("credentials = %s", channels[0].Credentials)
	}
	if !channels[0].Active {
		t.Fatal("active should default to true")
	}

	tasks, err := seed.ScheduledTasks()
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Kind != domain.ScheduleCron || tasks[0].TargetID != "100200" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestLoadSeedRejectsBadEntries(t *testing.T) {
	writeSeed := func(t *testing.T, data string) *SeedFile {
		t.Helper()
		path := filepath.Join(t.TempDir(), "seed.yaml")
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatalf("write seed: %v", err)
		}
		seed, err := LoadSeed(path)
		if err != nil {
			t.Fatalf("load seed: %v", err)
		}
		return seed
	}

	seed := writeSeed(t, "channels:\n  - id: x\n    provider: carrier-pigeon\n")
	if _, err := seed.ChannelConfigs(); err == nil {
		t.Fatal("unknown provider accepted")
	}

	seed = writeSeed(t, "tasks:\n  - name: t\n    kind: cron\n    expression: \"* * * * *\"\n    channel: ch\n")
	if _, err := seed.ScheduledTasks(); err == nil {
		t.Fatal("task without binding or target accepted")
	}
}
