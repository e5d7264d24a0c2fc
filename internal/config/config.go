package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"phaseline/internal/domain"
)

// Config models phaseline.yml.
type Config struct {
	Project struct {
		ID          string `yaml:"id"`
		Description string `yaml:"description"`
	} `yaml:"project"`
	Phases    []PhaseDef `yaml:"phases"`
	Lifecycle struct {
		RegressionPercent *int `yaml:"regression_percent"`
		ConflictRetries   int  `yaml:"conflict_retries"`
	} `yaml:"lifecycle"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Notifications Notifications `yaml:"notifications"`
	Log           Log           `yaml:"log"`
}

type PhaseDef struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Notifications struct {
	Log  bool `yaml:"log"`
	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Phases []string `yaml:"phases"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultRegressionPercent = 75
	DefaultConflictRetries   = 3
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("config.phases must list at least one phase")
	}
	seen := map[string]bool{}
	for i, p := range c.Phases {
		if p.ID == "" {
			return fmt.Errorf("config.phases[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config.phases has duplicate id %s", p.ID)
		}
		seen[p.ID] = true
		if p.Name == "" {
			return fmt.Errorf("phase %s has no name", p.ID)
		}
	}
	if rp := c.Lifecycle.RegressionPercent; rp != nil && (*rp < 0 || *rp > 99) {
		return fmt.Errorf("config.lifecycle.regression_percent must be between 0 and 99")
	}
	if c.Lifecycle.ConflictRetries < 0 {
		return fmt.Errorf("config.lifecycle.conflict_retries cannot be negative")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	if c.Notifications.NATS.URL != "" && c.Notifications.NATS.Subject == "" {
		return fmt.Errorf("config.notifications.nats.subject is required when url is set")
	}
	for i, wh := range c.Notifications.Webhooks {
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be http or https", i)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q is not one of text, json", c.Log.Format)
	}
	return nil
}

// DomainPhases numbers the configured phases from 1 in file order.
func (c *Config) DomainPhases() []domain.Phase {
	out := make([]domain.Phase, 0, len(c.Phases))
	for i, p := range c.Phases {
		out = append(out, domain.Phase{
			ID:            p.ID,
			Name:          p.Name,
			SequenceOrder: i + 1,
			Description:   p.Description,
		})
	}
	return out
}

func (c *Config) RegressionPercent() int {
	if c == nil || c.Lifecycle.RegressionPercent == nil {
		return DefaultRegressionPercent
	}
	return *c.Lifecycle.RegressionPercent
}

func (c *Config) ConflictRetries() int {
	if c == nil || c.Lifecycle.ConflictRetries == 0 {
		return DefaultConflictRetries
	}
	return c.Lifecycle.ConflictRetries
}

// RoleIDs returns configured role ids in a stable order.
func (c *Config) RoleIDs() []string {
	ids := make([]string, 0, len(c.RBAC.Roles))
	for id := range c.RBAC.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `project:
  id: %s

phases:
  - id: design
    name: Design
    description: "Solution design and sign-off"
  - id: configuration
    name: Configuration
    description: "Build and configure the solution"
  - id: testing
    name: Testing
    description: "System and acceptance testing"
  - id: promotion
    name: Promotion
    description: "Release to production"

lifecycle:
  regression_percent: 75
  conflict_retries: 3

rbac:
  roles:
    owner:
      description: "Full control"
      permissions: [work_item.write, progress.write, phase.transition, phase.advance, phase.revert, phase.skip, project.admin]
    lead:
      description: "Moves epics through phases"
      permissions: [work_item.write, progress.write, phase.transition, phase.advance, phase.revert]
    member:
      description: "Updates work and progress"
      permissions: [work_item.write, progress.write, phase.transition]
    viewer:
      description: "Read only"
      permissions: []

notifications:
  log: true

log:
  level: info
  format: text
`
