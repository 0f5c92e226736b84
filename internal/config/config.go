package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"lawline/internal/domain"
)

// Config models lawline.yml.
type Config struct {
	// Environment is the default target environment for policy checks.
	Environment string                             `yaml:"environment"`
	Lawbook     LawbookConfig                      `yaml:"lawbook"`
	Steps       map[domain.StepID]StepConfig       `yaml:"steps"`
	Effects     map[domain.ActionType]EffectConfig `yaml:"effects"`
	Webhooks    []WebhookConfig                    `yaml:"webhooks"`
	Telemetry   TelemetryConfig                    `yaml:"telemetry"`
}

type LawbookConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// StepConfig binds a lifecycle step to its executor command and the action
// types that must be authorized before it commits.
type StepConfig struct {
	Command   string            `yaml:"command"`
	Gate      domain.ActionType `yaml:"gate"`
	RetryGate domain.ActionType `yaml:"retry_gate"`
}

type EffectConfig struct {
	Command string `yaml:"command"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run lawline init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("config.environment is required")
	}
	for step, sc := range c.Steps {
		if !step.Valid() {
			return fmt.Errorf("config.steps: unknown step %s", step)
		}
		if step == domain.StepIntake {
			return fmt.Errorf("config.steps: %s is recorded at issue creation and cannot be configured", step)
		}
		if sc.Gate != "" && strings.TrimSpace(string(sc.Gate)) == "" {
			return fmt.Errorf("config.steps.%s.gate is blank", step)
		}
		if sc.RetryGate != "" && strings.TrimSpace(string(sc.RetryGate)) == "" {
			return fmt.Errorf("config.steps.%s.retry_gate is blank", step)
		}
	}
	for at := range c.Effects {
		if strings.TrimSpace(string(at)) == "" {
			return fmt.Errorf("config.effects contains an empty action type")
		}
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Gate returns the action type that must be allowed before step advances.
func (c *Config) Gate(step domain.StepID) domain.ActionType {
	if c == nil {
		return ""
	}
	return c.Steps[step].Gate
}

// RetryGate returns the action type that must be allowed before step is
// retried.
func (c *Config) RetryGate(step domain.StepID) domain.ActionType {
	if c == nil {
		return ""
	}
	return c.Steps[step].RetryGate
}

// StepCommands returns the configured step command lines.
func (c *Config) StepCommands() map[domain.StepID]string {
	out := make(map[domain.StepID]string, len(c.Steps))
	for step, sc := range c.Steps {
		if sc.Command != "" {
			out[step] = sc.Command
		}
	}
	return out
}

// EffectCommands returns the configured effect command lines.
func (c *Config) EffectCommands() map[domain.ActionType]string {
	out := make(map[domain.ActionType]string, len(c.Effects))
	for at, ec := range c.Effects {
		if ec.Command != "" {
			out[at] = ec.Command
		}
	}
	return out
}

// LawbookPath resolves the lawbook file relative to the workspace. It is
// empty when no lawbook file is configured.
func (c *Config) LawbookPath(workspace string) string {
	if c.Lawbook.Path == "" {
		return ""
	}
	if filepath.IsAbs(c.Lawbook.Path) {
		return c.Lawbook.Path
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Lawbook.Path)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lawline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic("config: default template invalid: " + err.Error())
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `environment: staging

lawbook:
  # Published and activated on init. With watch enabled, lawline serve
  # republishes it whenever the file changes.
  path: lawbook.yml
  watch: false

steps:
  S2:
    command: ""
  S3:
    command: ""
  S4:
    command: ""
  S5:
    command: ""
    gate: merge_pr
    retry_gate: rerun_checks

effects:
  merge_pr:
    command: ""
  rerun_checks:
    command: ""

webhooks: []

telemetry:
  enabled: false
`
