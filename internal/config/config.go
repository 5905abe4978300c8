package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models copydesk.yml: the workflow template registry plus server options.
type Config struct {
	Registry struct {
		// FinalApproverRole may act on any stage regardless of its required role.
		FinalApproverRole string `yaml:"final_approver_role"`
	} `yaml:"registry"`
	Templates []TemplateConfig `yaml:"templates"`
	Webhooks  []WebhookConfig  `yaml:"webhooks,omitempty"`
}

type TemplateConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description,omitempty"`
	Default     bool          `yaml:"default,omitempty"`
	Categories  []string      `yaml:"categories,omitempty"`
	Stages      []StageConfig `yaml:"stages"`
}

type StageConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Role        string `yaml:"role"`
	Order       int    `yaml:"order,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Assignee    string `yaml:"assignee,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// FinalApproverRole returns the configured elevated role, defaulting to "approver".
func (c *Config) FinalApproverRole() string {
	if c.Registry.FinalApproverRole != "" {
		return c.Registry.FinalApproverRole
	}
	return "approver"
}

// DefaultTemplateID returns the id of the template marked default.
func (c *Config) DefaultTemplateID() string {
	for _, t := range c.Templates {
		if t.Default {
			return t.ID
		}
	}
	return ""
}

// Validate ensures the registry meets required structure.
func (c *Config) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("config.templates is required")
	}
	defaults := 0
	seen := map[string]bool{}
	for _, t := range c.Templates {
		if t.ID == "" {
			return fmt.Errorf("template id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate template id %s", t.ID)
		}
		seen[t.ID] = true
		if t.Name == "" {
			return fmt.Errorf("template %s: name is required", t.ID)
		}
		if t.Default {
			defaults++
		}
		if len(t.Stages) == 0 {
			return fmt.Errorf("template %s: at least one stage is required", t.ID)
		}
		prev := 0
		for i, s := range t.Stages {
			if s.Name == "" {
				return fmt.Errorf("template %s: stage %d has no name", t.ID, i+1)
			}
			if s.Role == "" {
				return fmt.Errorf("template %s: stage %s has no role", t.ID, s.Name)
			}
			order := s.Order
			if order == 0 {
				order = i + 1
			}
			if order <= prev {
				return fmt.Errorf("template %s: stage order values must be unique and strictly increasing", t.ID)
			}
			prev = order
		}
	}
	if defaults != 1 {
		return fmt.Errorf("config.templates must mark exactly one template as default, found %d", defaults)
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// EffectiveOrder returns the stage order, falling back to 1-based list position.
func (t TemplateConfig) EffectiveOrder(i int) int {
	if t.Stages[i].Order != 0 {
		return t.Stages[i].Order
	}
	return i + 1
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "copydesk.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run cpd init to generate one", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the built-in registry used when no copydesk.yml exists.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `registry:
  final_approver_role: approver

templates:
  - id: standard-approval
    name: Standard Approval
    description: "Two-step sign-off for everyday marketing content"
    default: true
    categories: [email, social, blog]
    stages:
      - name: Review
        description: "Peer review for accuracy and tone"
        role: reviewer
        required: true
      - name: Manager
        description: "Manager sign-off before publication"
        role: manager
        required: true

  - id: legal-review
    name: Legal Review
    description: "Extended chain for regulated or claims-heavy content"
    categories: [press-release, whitepaper]
    stages:
      - name: Review
        role: reviewer
        required: true
      - name: Legal
        description: "Compliance and claims check"
        role: legal
        required: true
      - name: Manager
        role: manager
        required: true

  - id: fast-track
    name: Fast Track
    description: "Single approver for time-sensitive posts"
    stages:
      - name: Approve
        role: manager
        required: false
`
