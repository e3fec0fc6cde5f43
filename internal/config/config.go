package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"elam/internal/domain"
)

// Config models elam.yml.
type Config struct {
	Organization struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"organization" json:"organization"`
	Requests struct {
		MinJustification    int `yaml:"min_justification" json:"min_justification"`
		DefaultDurationDays int `yaml:"default_duration_days" json:"default_duration_days"`
		MaxDurationDays     int `yaml:"max_duration_days" json:"max_duration_days"`
	} `yaml:"requests" json:"requests"`
	Workflows []domain.Workflow `yaml:"workflows" json:"workflows"`
	SLA       SLAConfig         `yaml:"sla" json:"sla"`
	SoD       struct {
		ForbidSelfApproval bool `yaml:"forbid_self_approval" json:"forbid_self_approval"`
	} `yaml:"sod" json:"sod"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type SLAConfig struct {
	ScanSchedule     string `yaml:"scan_schedule" json:"scan_schedule"`
	AutoEscalate     bool   `yaml:"auto_escalate" json:"auto_escalate"`
	ExpireAfterHours int    `yaml:"expire_after_hours" json:"expire_after_hours"`
	StaleAfterHours  int    `yaml:"stale_after_hours" json:"stale_after_hours"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Actions        []string `yaml:"actions" json:"actions,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Permissions known to the service. Roles may only reference these.
var Permissions = []string{
	"request.create",
	"request.read",
	"request.read.all",
	"request.cancel",
	"approval.act",
	"approval.read",
	"workflow.read",
	"audit.read",
	"report.create",
	"report.read",
	"grant.read",
	"grant.revoke",
	"rbac.manage",
	"sla.scan",
	"config.read",
}

var (
	riskLevels   = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	accessLevels = map[string]bool{"read": true, "write": true, "admin": true}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Requests.MinJustification < 0 {
		return fmt.Errorf("config.requests.min_justification must be >= 0")
	}
	if c.Requests.MaxDurationDays > 0 && c.Requests.DefaultDurationDays > c.Requests.MaxDurationDays {
		return fmt.Errorf("config.requests.default_duration_days exceeds max_duration_days")
	}
	if err := c.validateRBAC(); err != nil {
		return err
	}
	if err := c.validateWorkflows(); err != nil {
		return err
	}
	if c.SLA.ScanSchedule != "" {
		if _, err := cron.ParseStandard(c.SLA.ScanSchedule); err != nil {
			return fmt.Errorf("config.sla.scan_schedule %q: %w", c.SLA.ScanSchedule, err)
		}
	}
	if c.SLA.ExpireAfterHours < 0 || c.SLA.StaleAfterHours < 0 {
		return fmt.Errorf("config.sla hour values must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

func (c *Config) validateRBAC() error {
	if len(c.RBAC.Roles) == 0 {
		return nil
	}
	if _, ok := c.RBAC.Roles["admin"]; !ok {
		return fmt.Errorf("config.rbac.roles must include admin")
	}
	known := make(map[string]bool, len(Permissions))
	for _, p := range Permissions {
		known[p] = true
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, perm := range role.Permissions {
			if perm == "" {
				return fmt.Errorf("role %s has empty permission id", roleID)
			}
			if !known[perm] {
				return fmt.Errorf("role %s references unknown permission %s", roleID, perm)
			}
		}
	}
	return nil
}

func (c *Config) validateWorkflows() error {
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows requires at least one workflow")
	}
	seen := map[string]bool{}
	defaults := 0
	for _, wf := range c.Workflows {
		if wf.ID == "" {
			return fmt.Errorf("workflow with empty id")
		}
		if seen[wf.ID] {
			return fmt.Errorf("duplicate workflow id %s", wf.ID)
		}
		seen[wf.ID] = true
		if wf.Default {
			defaults++
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", wf.ID)
		}
		for _, lvl := range wf.Match.RiskLevels {
			if !riskLevels[lvl] {
				return fmt.Errorf("workflow %s matches unknown risk level %s", wf.ID, lvl)
			}
		}
		for _, lvl := range wf.Match.AccessLevels {
			if !accessLevels[lvl] {
				return fmt.Errorf("workflow %s matches unknown access level %s", wf.ID, lvl)
			}
		}
		for i, step := range wf.Steps {
			if step.ApproverRole == "" && step.ApproverID == "" {
				return fmt.Errorf("workflow %s step %d needs approver_role or approver_id", wf.ID, i+1)
			}
			if step.SLAHours <= 0 {
				return fmt.Errorf("workflow %s step %d sla_hours must be > 0", wf.ID, i+1)
			}
			if len(c.RBAC.Roles) > 0 {
				if step.ApproverRole != "" {
					if _, ok := c.RBAC.Roles[step.ApproverRole]; !ok {
						return fmt.Errorf("workflow %s step %d references unknown role %s", wf.ID, i+1, step.ApproverRole)
					}
				}
				if step.EscalateToRole != "" {
					if _, ok := c.RBAC.Roles[step.EscalateToRole]; !ok {
						return fmt.Errorf("workflow %s step %d escalates to unknown role %s", wf.ID, i+1, step.EscalateToRole)
					}
				}
			}
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one workflow may be default")
	}
	return nil
}

// Workflow returns the workflow with the given id.
func (c *Config) Workflow(id string) (domain.Workflow, bool) {
	for _, wf := range c.Workflows {
		if wf.ID == id {
			return wf, true
		}
	}
	return domain.Workflow{}, false
}

// ScanSchedule returns the cron spec for SLA scans, defaulting to every five minutes.
func (c *Config) ScanSchedule() string {
	if c.SLA.ScanSchedule == "" {
		return "@every 5m"
	}
	return c.SLA.ScanSchedule
}

// StaleAfter returns the age after which an open request is reported as stale.
func (c *Config) StaleAfter() time.Duration {
	if c.SLA.StaleAfterHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.SLA.StaleAfterHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "elam.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
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

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `organization:
  id: %s
  name: Default Organization

requests:
  min_justification: 10
  default_duration_days: 90
  max_duration_days: 365

workflows:
  - id: standard
    name: Standard access
    description: Line manager approval for low and medium risk access
    default: true
    match:
      risk_levels: [low, medium]
    steps:
      - name: manager
        approver_role: manager
        sla_hours: 48
        escalate_to_role: security

  - id: elevated
    name: Elevated access
    description: Manager, resource owner and security review
    match:
      risk_levels: [high]
    steps:
      - name: manager
        approver_role: manager
        sla_hours: 24
        escalate_to_role: security
      - name: resource-owner
        approver_role: resource_owner
        sla_hours: 24
        escalate_to_role: security
      - name: security
        approver_role: security
        sla_hours: 24
        escalate_to_role: admin

  - id: privileged
    name: Privileged access
    description: Critical risk or admin level access
    match:
      risk_levels: [critical]
    steps:
      - name: manager
        approver_role: manager
        sla_hours: 8
        escalate_to_role: security
      - name: security
        approver_role: security
        sla_hours: 8
        escalate_to_role: admin
      - name: ciso
        approver_role: admin
        sla_hours: 8

sla:
  scan_schedule: "@every 5m"
  auto_escalate: true
  expire_after_hours: 720
  stale_after_hours: 168

sod:
  forbid_self_approval: true

rbac:
  roles:
    admin:
      description: Full administrative access
      permissions: [request.create, request.read, request.read.all, request.cancel, approval.act, approval.read, workflow.read, audit.read, report.create, report.read, grant.read, grant.revoke, rbac.manage, sla.scan, config.read]
    requester:
      description: Can submit and follow own access requests
      permissions: [request.create, request.read, request.cancel, workflow.read, grant.read]
    manager:
      description: First line approver
      permissions: [request.create, request.read, request.read.all, request.cancel, approval.act, approval.read, workflow.read, grant.read]
    resource_owner:
      description: Owner of a protected resource
      permissions: [request.read, request.read.all, approval.act, approval.read, workflow.read, grant.read, grant.revoke]
    security:
      description: Security review and escalation target
      permissions: [request.read, request.read.all, approval.act, approval.read, workflow.read, audit.read, report.read, grant.read, grant.revoke, sla.scan]
    auditor:
      description: Read-only compliance access
      permissions: [request.read, request.read.all, approval.read, workflow.read, audit.read, report.create, report.read, grant.read, config.read]
`
