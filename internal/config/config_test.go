package config

import (
	"strings"
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RUNBOAT_REPOS", `[{"repo": "acme/svc", "branch": "main", "builds": [{"image": "img:1"}]}]`)
	t.Setenv("RUNBOAT_BUILD_NAMESPACE", "runboat-builds")
	t.Setenv("RUNBOAT_BUILD_DOMAIN", "builds.example.com")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxInitializing != 2 || cfg.MaxStarted != 6 || cfg.MaxDeployed != 10 {
		t.Errorf("default limits = %d/%d/%d", cfg.MaxInitializing, cfg.MaxStarted, cfg.MaxDeployed)
	}
	if cfg.ListenAddr != ":8000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.ShutdownTimeout.Seconds() != 10 {
		t.Errorf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadRepoRules(t *testing.T) {
	setRequired(t)
	t.Setenv("RUNBOAT_REPOS", `
- repo: "acme/svc"
  branch: "main|15\\.0"
  builds:
    - image: "img:1"
      env:
        FOO: bar
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	m, err := cfg.Matcher()
	if err != nil {
		t.Fatalf("Matcher() error = %v", err)
	}
	recipe, ok := m.Match("acme/svc", "15.0")
	if !ok || recipe.Image != "img:1" || recipe.Env["FOO"] != "bar" {
		t.Errorf("Match() = %+v, %v", recipe, ok)
	}
}

func TestLoadEnvBags(t *testing.T) {
	setRequired(t)
	t.Setenv("RUNBOAT_BUILD_ENV", `{"PGHOST": "db", "PGPORT": "5432"}`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BuildEnv["PGHOST"] != "db" || cfg.BuildEnv["PGPORT"] != "5432" {
		t.Errorf("BuildEnv = %v", cfg.BuildEnv)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	tests := []struct {
		name string
		omit string
	}{
		{"missing repos", "RUNBOAT_REPOS"},
		{"missing namespace", "RUNBOAT_BUILD_NAMESPACE"},
		{"missing domain", "RUNBOAT_BUILD_DOMAIN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.omit, "")
			if _, err := Load(); err == nil {
				t.Error("Load() = nil error, want failure")
			}
		})
	}
}

func TestLoadRejectsMultipleBuildsPerRule(t *testing.T) {
	setRequired(t)
	t.Setenv("RUNBOAT_REPOS", `[{"repo": "a/b", "branch": "main", "builds": [{"image": "x"}, {"image": "y"}]}]`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "one and only one") {
		t.Errorf("Load() error = %v, want one-build-per-rule failure", err)
	}
}

func TestLoadRejectsNonPositiveLimits(t *testing.T) {
	setRequired(t)
	t.Setenv("RUNBOAT_MAX_STARTED", "0")
	if _, err := Load(); err == nil {
		t.Error("Load() with max_started=0: want error")
	}
}
