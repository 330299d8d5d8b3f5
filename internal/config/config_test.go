package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PendingThreshold() != 10*time.Minute {
		t.Fatalf("pending threshold = %s", cfg.PendingThreshold())
	}
	if cfg.Scheduler.SpeedMultiplier != 1 {
		t.Fatalf("speed = %v", cfg.Scheduler.SpeedMultiplier)
	}
	if cfg.SimulationCompletedDelay() != time.Hour {
		t.Fatalf("delay = %s", cfg.SimulationCompletedDelay())
	}
	if cfg.Scheduler.TickInterval != time.Minute {
		t.Fatalf("tick = %s", cfg.Scheduler.TickInterval)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("scheduler:\n  pending_threshold_minutes: 3\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.PendingThreshold() != 3*time.Minute {
		t.Fatalf("threshold = %s", cfg.PendingThreshold())
	}
	if cfg.Scheduler.Parallelism != 8 {
		t.Fatalf("parallelism default lost: %d", cfg.Scheduler.Parallelism)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"speed":     "scheduler:\n  speed_multiplier: 0.5\n",
		"threshold": "scheduler:\n  pending_threshold_minutes: 0\n",
		"webhook":   "notifications:\n  webhooks:\n    - events: [exercise.finished]\n",
		"yaml":      "scheduler: [",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "injectline.yml"), []byte("scheduler:\n  parallelism: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Parallelism != 2 {
		t.Fatalf("parallelism = %d", cfg.Scheduler.Parallelism)
	}
}

func TestParseEnv(t *testing.T) {
	t.Setenv("INJECTLINE_JWT_SECRET", "s3cret")
	t.Setenv("INJECTLINE_LOG_LEVEL", "debug")
	e, err := ParseEnv()
	if err != nil {
		t.Fatal(err)
	}
	if e.JWTSecret != "s3cret" || e.LogLevel != "debug" || e.LogFormat != "json" || !e.OTelEnabled {
		t.Fatalf("unexpected env: %+v", e)
	}
}
