package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"capaflow/internal/domain"
)

// Config models capaflow.yml. One copy is stored per organization.
type Config struct {
	Organization struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"organization" json:"organization"`
	Workflow struct {
		// LeadTimes are day offsets from the NC detection date, keyed by task type.
		LeadTimes          map[string]int    `yaml:"lead_times" json:"lead_times"`
		PriorityBySeverity map[string]string `yaml:"priority_by_severity" json:"priority_by_severity"`
	} `yaml:"workflow" json:"workflow"`
	SLA struct {
		DueSoonDays int `yaml:"due_soon_days" json:"due_soon_days"`
		TopOverdue  int `yaml:"top_overdue" json:"top_overdue"`
	} `yaml:"sla" json:"sla"`
	Revision struct {
		ResetStage int `yaml:"reset_stage" json:"reset_stage"`
	} `yaml:"revision" json:"revision"`
	Dashboard struct {
		TrendMonths int `yaml:"trend_months" json:"trend_months"`
	} `yaml:"dashboard" json:"dashboard"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with capa config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	for s := domain.FirstStage; s <= domain.LastStage; s++ {
		days, ok := c.Workflow.LeadTimes[string(s.TaskType())]
		if !ok {
			return fmt.Errorf("config.workflow.lead_times.%s is required", s.TaskType())
		}
		if days < 0 {
			return fmt.Errorf("config.workflow.lead_times.%s must not be negative", s.TaskType())
		}
	}
	for key := range c.Workflow.LeadTimes {
		if domain.TaskType(key).Stage() == 0 {
			return fmt.Errorf("config.workflow.lead_times has unknown task type %s", key)
		}
	}
	for _, sev := range domain.Severities {
		p, ok := c.Workflow.PriorityBySeverity[string(sev)]
		if !ok {
			return fmt.Errorf("config.workflow.priority_by_severity.%s is required", sev)
		}
		if _, err := domain.ParsePriority(p); err != nil {
			return fmt.Errorf("config.workflow.priority_by_severity.%s: %w", sev, err)
		}
	}
	if c.SLA.DueSoonDays < 0 {
		return fmt.Errorf("config.sla.due_soon_days must not be negative")
	}
	if c.SLA.TopOverdue < 0 {
		return fmt.Errorf("config.sla.top_overdue must not be negative")
	}
	reset := domain.Stage(c.Revision.ResetStage)
	if reset < domain.StageRegistration || reset > domain.StageCauseAnalysis {
		return fmt.Errorf("config.revision.reset_stage must be between 1 and 3")
	}
	if c.Dashboard.TrendMonths < 1 || c.Dashboard.TrendMonths > 36 {
		return fmt.Errorf("config.dashboard.trend_months must be between 1 and 36")
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
	return nil
}

// LeadTime returns the configured offset for a stage's task.
func (c *Config) LeadTime(s domain.Stage) time.Duration {
	return time.Duration(c.Workflow.LeadTimes[string(s.TaskType())]) * 24 * time.Hour
}

// PriorityFor maps severity to task priority; unknown severities get normal.
func (c *Config) PriorityFor(sev domain.Severity) domain.Priority {
	p, err := domain.ParsePriority(c.Workflow.PriorityBySeverity[string(sev)])
	if err != nil {
		return domain.PriorityNormal
	}
	return p
}

// RolePermissions flattens the permissions granted by the given roles.
func (c *Config) RolePermissions(roles []string) map[string]bool {
	perms := map[string]bool{}
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			perms[p] = true
		}
	}
	return perms
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "capaflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	cfg.Organization.ID = orgID
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `organization:
  id: %s
  name: ""

workflow:
  lead_times:
    registration: 1
    immediate_action: 2
    cause_analysis: 10
    planning: 20
    implementation: 60
    effectiveness: 90
  priority_by_severity:
    low: low
    medium: normal
    high: high
    critical: urgent

sla:
  due_soon_days: 3
  top_overdue: 10

revision:
  # Stage a failed-effectiveness revision re-enters. 2 skips re-registration
  # because the finding is inherited from the parent.
  reset_stage: 2

dashboard:
  trend_months: 6

rbac:
  roles:
    owner:
      description: "Organization owner"
      permissions:
        - nc.create
        - nc.read
        - nc.update
        - nc.advance
        - nc.evaluate
        - stage.submit
        - task.read
        - task.update
        - task.complete
        - report.read
        - config.update
        - member.manage
    quality_manager:
      description: "Runs the CAPA workflow end to end"
      permissions:
        - nc.create
        - nc.read
        - nc.update
        - nc.advance
        - nc.evaluate
        - stage.submit
        - task.read
        - task.update
        - task.complete
        - report.read
    contributor:
      description: "Records findings and works assigned tasks"
      permissions:
        - nc.create
        - nc.read
        - stage.submit
        - task.read
        - task.complete
    auditor:
      description: "Read-only access"
      permissions:
        - nc.read
        - task.read
        - report.read
`
