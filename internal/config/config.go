// Package config loads the controller configuration from environment
// variables (RUNBOAT_ prefix) and an optional config file. Invalid or
// missing required options are fatal at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sbidoul/runboat/internal/domain"
)

// BuildSettings is one build recipe of a repo rule.
type BuildSettings struct {
	Image         string            `yaml:"image"`
	KubefilesPath string            `yaml:"kubefiles_path"`
	Env           map[string]string `yaml:"env"`
	SecretEnv     map[string]string `yaml:"secret_env"`
	TemplateVars  map[string]string `yaml:"template_vars"`
}

// RepoSettings is one ordered rule mapping repo/branch regexes to a
// build recipe.
type RepoSettings struct {
	Repo   string          `yaml:"repo"`
	Branch string          `yaml:"branch"`
	Builds []BuildSettings `yaml:"builds"`
}

type Config struct {
	ListenAddr string

	// Supported repositories and branches, in matching order.
	Repos []RepoSettings

	// Namespace where builds are deployed and wildcard domain under
	// which they are served. Both required.
	BuildNamespace string
	BuildDomain    string

	// Environment and template variable bags merged into rendering.
	BuildEnv          map[string]string
	BuildSecretEnv    map[string]string
	BuildTemplateVars map[string]string

	// Default kubefiles directory; empty means the embedded set.
	DefaultKubefilesPath string

	// Fleet-wide capacity limits.
	MaxInitializing int
	MaxStarted      int
	MaxDeployed     int

	// Credential protecting the mutating API endpoints.
	APIAdminUser     string
	APIAdminPassword string

	// GitHub integration.
	GithubToken           string
	GithubWebhookSecret   string
	DisableCommitStatuses bool

	// Where the UI and API are exposed (backlinks in commit statuses).
	BaseURL string

	// Optional Loki endpoint for logs of builds whose pods are gone.
	LokiURL string

	KubeconfigPath string

	LogLevel slog.Level
	Trace    bool

	// Presentation only.
	AdditionalFooterHTML string

	ShutdownTimeout time.Duration
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runboat")
	v.AddConfigPath("/etc/runboat")
	v.AddConfigPath(".")
	v.SetEnvPrefix("RUNBOAT")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("max_initializing", 2)
	v.SetDefault("max_started", 6)
	v.SetDefault("max_deployed", 10)
	v.SetDefault("base_url", "http://localhost:8000")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	cfg := &Config{
		ListenAddr:            v.GetString("listen_addr"),
		BuildNamespace:        v.GetString("build_namespace"),
		BuildDomain:           v.GetString("build_domain"),
		DefaultKubefilesPath:  v.GetString("default_kubefiles_path"),
		MaxInitializing:       v.GetInt("max_initializing"),
		MaxStarted:            v.GetInt("max_started"),
		MaxDeployed:           v.GetInt("max_deployed"),
		APIAdminUser:          v.GetString("api_admin_user"),
		APIAdminPassword:      v.GetString("api_admin_passwd"),
		GithubToken:           v.GetString("github_token"),
		GithubWebhookSecret:   v.GetString("github_webhook_secret"),
		DisableCommitStatuses: v.GetBool("disable_commit_statuses"),
		BaseURL:               v.GetString("base_url"),
		LokiURL:               v.GetString("loki_url"),
		KubeconfigPath:        firstNonEmpty(v.GetString("kubeconfig"), os.Getenv("KUBECONFIG")),
		Trace:                 v.GetBool("trace"),
		AdditionalFooterHTML:  v.GetString("additional_footer_html"),
		ShutdownTimeout:       v.GetDuration("shutdown_timeout"),
	}

	var err error
	if cfg.Repos, err = parseRepos(v); err != nil {
		return nil, err
	}
	if cfg.BuildEnv, err = parseStringMap(v, "build_env"); err != nil {
		return nil, err
	}
	if cfg.BuildSecretEnv, err = parseStringMap(v, "build_secret_env"); err != nil {
		return nil, err
	}
	if cfg.BuildTemplateVars, err = parseStringMap(v, "build_template_vars"); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", v.GetString("log_level"), err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.Repos) == 0 {
		return fmt.Errorf("repos is required")
	}
	if c.BuildNamespace == "" {
		return fmt.Errorf("build_namespace is required")
	}
	if c.BuildDomain == "" {
		return fmt.Errorf("build_domain is required")
	}
	if c.MaxInitializing <= 0 || c.MaxStarted <= 0 || c.MaxDeployed <= 0 {
		return fmt.Errorf("max_initializing, max_started and max_deployed must be positive")
	}
	if c.DefaultKubefilesPath != "" {
		if fi, err := os.Stat(c.DefaultKubefilesPath); err != nil || !fi.IsDir() {
			return fmt.Errorf("default_kubefiles_path %q is not a directory", c.DefaultKubefilesPath)
		}
	}
	for _, r := range c.Repos {
		if len(r.Builds) != 1 {
			return fmt.Errorf("rule for repo %q: one and only one build settings entry is allowed", r.Repo)
		}
		if kp := r.Builds[0].KubefilesPath; kp != "" {
			if fi, err := os.Stat(kp); err != nil || !fi.IsDir() {
				return fmt.Errorf("rule for repo %q: kubefiles_path %q is not a directory", r.Repo, kp)
			}
		}
	}
	return nil
}

// Matcher compiles the repo rules into the domain matcher.
func (c *Config) Matcher() (*domain.Matcher, error) {
	rules := make([]domain.RepoRule, 0, len(c.Repos))
	for _, r := range c.Repos {
		b := r.Builds[0]
		rule, err := domain.NewRepoRule(r.Repo, r.Branch, domain.BuildRecipe{
			Image:         b.Image,
			KubefilesPath: b.KubefilesPath,
			Env:           b.Env,
			SecretEnv:     b.SecretEnv,
			TemplateVars:  b.TemplateVars,
		})
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return domain.NewMatcher(rules), nil
}

// parseRepos accepts the rule list either structured in the config file
// or as a YAML/JSON document in the RUNBOAT_REPOS variable.
func parseRepos(v *viper.Viper) ([]RepoSettings, error) {
	var repos []RepoSettings
	if raw := v.GetString("repos"); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &repos); err != nil {
			return nil, fmt.Errorf("parse repos: %w", err)
		}
		return repos, nil
	}
	if err := v.UnmarshalKey("repos", &repos); err != nil {
		return nil, fmt.Errorf("parse repos: %w", err)
	}
	return repos, nil
}

// parseStringMap accepts a YAML/JSON object in an env var or a plain
// map in the config file.
func parseStringMap(v *viper.Viper, key string) (map[string]string, error) {
	if raw := v.GetString(key); raw != "" {
		out := map[string]string{}
		if err := yaml.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		return out, nil
	}
	m := v.GetStringMapString(key)
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
