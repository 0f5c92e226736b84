// Package lawbook models the versioned rule set that authorizes automation
// actions: parsing, validation, normalization and content addressing.
package lawbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"lawline/internal/domain"
	"lawline/internal/fingerprint"
)

// Rule governs one action type. A MaxRunsPerWindow of 0 disables the rate
// limit.
type Rule struct {
	AllowedEnvironments []string `yaml:"allowed_environments" toml:"allowed_environments" json:"allowed_environments" cbor:"1,keyasint"`
	RequireApproval     bool     `yaml:"require_approval" toml:"require_approval" json:"require_approval" cbor:"2,keyasint"`
	CooldownSeconds     int64    `yaml:"cooldown_seconds" toml:"cooldown_seconds" json:"cooldown_seconds" cbor:"3,keyasint"`
	MaxRunsPerWindow    int64    `yaml:"max_runs_per_window" toml:"max_runs_per_window" json:"max_runs_per_window" cbor:"4,keyasint"`
	WindowSeconds       int64    `yaml:"window_seconds" toml:"window_seconds" json:"window_seconds" cbor:"5,keyasint"`
	IdempotencyKey      []string `yaml:"idempotency_key" toml:"idempotency_key" json:"idempotency_key" cbor:"6,keyasint"`
}

// AllowsEnvironment reports whether env is listed.
func (r Rule) AllowsEnvironment(env string) bool {
	for _, e := range r.AllowedEnvironments {
		if e == env {
			return true
		}
	}
	return false
}

// Check reports structural problems that make the rule unusable.
func (r Rule) Check() error {
	for _, env := range r.AllowedEnvironments {
		if strings.TrimSpace(env) == "" {
			return fmt.Errorf("allowed_environments contains an empty name")
		}
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_seconds must be >= 0")
	}
	if r.MaxRunsPerWindow < 0 {
		return fmt.Errorf("max_runs_per_window must be >= 0")
	}
	if r.WindowSeconds < 0 {
		return fmt.Errorf("window_seconds must be >= 0")
	}
	if r.MaxRunsPerWindow > 0 && r.WindowSeconds == 0 {
		return fmt.Errorf("window_seconds is required when max_runs_per_window is set")
	}
	nonEmpty := 0
	for _, f := range r.IdempotencyKey {
		if strings.TrimSpace(f) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return fmt.Errorf("idempotency_key must name at least one context field")
	}
	return nil
}

// Lawbook is a complete rule set keyed by action type.
type Lawbook struct {
	Rules map[domain.ActionType]Rule `yaml:"rules" toml:"rules" json:"rules" cbor:"1,keyasint"`
}

func (l *Lawbook) Rule(actionType domain.ActionType) (Rule, bool) {
	if l == nil {
		return Rule{}, false
	}
	r, ok := l.Rules[actionType]
	return r, ok
}

// Validate ensures every rule is usable.
func (l *Lawbook) Validate() error {
	if len(l.Rules) == 0 {
		return fmt.Errorf("lawbook.rules is required")
	}
	seen := make(map[string]domain.ActionType, len(l.Rules))
	for _, at := range l.ActionTypes() {
		name := strings.TrimSpace(string(at))
		if name == "" {
			return fmt.Errorf("lawbook.rules contains an empty action type")
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("lawbook.rules: action types %q and %q are the same after trimming", other, at)
		}
		seen[name] = at
		if err := l.Rules[at].Check(); err != nil {
			return fmt.Errorf("rule %s: %w", at, err)
		}
	}
	return nil
}

// ActionTypes returns the configured action types sorted.
func (l *Lawbook) ActionTypes() []domain.ActionType {
	out := make([]domain.ActionType, 0, len(l.Rules))
	for at := range l.Rules {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize returns a copy with environments and key fields trimmed, sorted
// and deduplicated. Two lawbooks that differ only in list order normalize
// to the same value.
func (l *Lawbook) Normalize() *Lawbook {
	out := &Lawbook{Rules: make(map[domain.ActionType]Rule, len(l.Rules))}
	// Names that collide once trimmed keep the first rule in sorted order.
	for _, at := range l.ActionTypes() {
		name := domain.ActionType(strings.TrimSpace(string(at)))
		if _, dup := out.Rules[name]; dup {
			continue
		}
		r := l.Rules[at]
		r.AllowedEnvironments = sortedSet(r.AllowedEnvironments)
		r.IdempotencyKey = sortedSet(r.IdempotencyKey)
		out.Rules[name] = r
	}
	return out
}

// Hash returns the content address of the normalized lawbook.
func (l *Lawbook) Hash() (fingerprint.Hash, error) {
	return fingerprint.Lawbook(l.Normalize())
}

// JSON is the storage form.
func (l *Lawbook) JSON() ([]byte, error) {
	return json.Marshal(l.Normalize())
}

func sortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from the file extension, defaulting to YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

// Parse decodes and validates a lawbook.
func Parse(data []byte, format Format) (*Lawbook, error) {
	var lb Lawbook
	switch format {
	case FormatYAML, "":
		if err := yaml.Unmarshal(data, &lb); err != nil {
			return nil, fmt.Errorf("invalid lawbook yaml: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &lb); err != nil {
			return nil, fmt.Errorf("invalid lawbook toml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&lb); err != nil {
			return nil, fmt.Errorf("invalid lawbook json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported lawbook format %q", format)
	}
	if err := lb.Validate(); err != nil {
		return nil, err
	}
	return lb.Normalize(), nil
}

// ParseFile reads a lawbook, choosing the format by extension.
func ParseFile(path string) (*Lawbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, FormatFromPath(path))
}

// FromJSON decodes the storage form without validation. Stored versions may
// have been written by other publishers, so callers check rules on use.
func FromJSON(data []byte) (*Lawbook, error) {
	var lb Lawbook
	if err := json.Unmarshal(data, &lb); err != nil {
		return nil, fmt.Errorf("decode lawbook: %w", err)
	}
	return &lb, nil
}

// Default returns the starter lawbook.
func Default() *Lawbook {
	lb, err := Parse([]byte(DefaultTemplate), FormatYAML)
	if err != nil {
		panic("lawbook: default template invalid: " + err.Error())
	}
	return lb
}

const DefaultTemplate = `rules:
  merge_pr:
    allowed_environments: [staging]
    require_approval: false
    cooldown_seconds: 300
    max_runs_per_window: 3
    window_seconds: 3600
    idempotency_key: [repo, pr, environment]

  rerun_checks:
    allowed_environments: [staging, production]
    require_approval: false
    cooldown_seconds: 60
    max_runs_per_window: 5
    window_seconds: 3600
    idempotency_key: [repo, pr]

  deploy:
    allowed_environments: [staging, production]
    require_approval: true
    cooldown_seconds: 900
    max_runs_per_window: 1
    window_seconds: 3600
    idempotency_key: [service, version, environment]
`
