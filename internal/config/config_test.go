package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "Cerberus-Core/internal/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("CERBERUS_TEST_OPENAI_KEY", "sk-test")
	path := writeFile(t, "cerberus.yaml", `
server:
  address: ":9090"
queue:
  driver: redis
  workers: 8
storage:
  redis:
    address: "localhost:6379"
router:
  ema_alpha: 0.3
  default_budget:
    max_cost: 0.05
    max_latency: 30s
  candidates:
    classify:
      - backend: openai
        model: gpt-4o-mini
        cost: 0.002
        latency: 1.5
        confidence: 0.85
engine:
  max_parallel: 6
  base_backoff: 100ms
backends:
  openai:
    api_key_env: CERBERUS_TEST_OPENAI_KEY
    model: gpt-4o-mini
sink:
  driver: csv
  dir: out
agents_dir: agents
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Server.Address != ":9090" || cfg.Queue.Workers != 8 {
		t.Fatalf("unexpected server/queue: %+v %+v", cfg.Server, cfg.Queue)
	}
	if cfg.Queue.Redis.Address != "localhost:6379" {
		t.Fatalf("queue should inherit the storage redis address, got %q", cfg.Queue.Redis.Address)
	}
	if cfg.Router.DefaultBudget.MaxLatency.Std() != 30*time.Second || cfg.Router.EMAAlpha != 0.3 {
		t.Fatalf("unexpected router config: %+v", cfg.Router)
	}
	cands := cfg.Router.Candidates["classify"]
	if len(cands) != 1 || cands[0].Latency.Std() != 1500*time.Millisecond {
		t.Fatalf("unexpected candidates: %+v", cands)
	}
	if cfg.Engine.BaseBackoff.Std() != 100*time.Millisecond {
		t.Fatalf("unexpected backoff: %v", cfg.Engine.BaseBackoff.Std())
	}
	if cfg.Backends.OpenAI == nil || cfg.Backends.OpenAI.APIKey != "sk-test" || cfg.Backends.OpenAI.Name != "openai" {
		t.Fatalf("openai backend not resolved: %+v", cfg.Backends.OpenAI)
	}
	if cfg.Backends.Rules != nil {
		t.Fatalf("rules backend should only be a fallback when nothing is configured")
	}
	if cfg.Sink.Dir != filepath.Join(base, "out") || cfg.AgentsDir != filepath.Join(base, "agents") {
		t.Fatalf("relative paths not resolved: %q %q", cfg.Sink.Dir, cfg.AgentsDir)
	}
}

func TestLoadJSONDefaults(t *testing.T) {
	path := writeFile(t, "cerberus.json", `{"engine": {"task_timeout": "90s"}, "queue": {"redis": {"block_wait": 2}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Server.Address != ":8080" || cfg.Queue.Driver != "memory" || cfg.Storage.Requests.MaxAttempts != 3 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Engine.TaskTimeout.Std() != 90*time.Second || cfg.Queue.Redis.BlockWait.Std() != 2*time.Second {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Engine, cfg.Queue.Redis)
	}
	if cfg.Pipeline.ClassifyMinConfidence != 0.7 || cfg.Pipeline.AcceptMinConfidence != 0.8 {
		t.Fatalf("unexpected thresholds: %+v", cfg.Pipeline)
	}
	if cfg.Runtime.DataDir != filepath.Join(base, "data") || cfg.Sink.Driver != "memory" {
		t.Fatalf("unexpected runtime/sink: %+v %+v", cfg.Runtime, cfg.Sink)
	}
	if cfg.Backends.Rules == nil || cfg.Backends.Rules.Name != "rules" {
		t.Fatalf("rules backend should be the offline default: %+v", cfg.Backends)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("empty path: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("missing file: %v", err)
	}
	bad := writeFile(t, "bad.yaml", "engine: [unclosed")
	if _, err := Load(bad); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("bad yaml: %v", err)
	}
	badDuration := writeFile(t, "bad.json", `{"engine": {"task_timeout": "soon"}}`)
	if _, err := Load(badDuration); err == nil {
		t.Fatalf("expected duration parse error")
	}
}
