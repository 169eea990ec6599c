package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaflow/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("org-1")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "org-1", cfg.Organization.ID)
	assert.Equal(t, 2, cfg.Revision.ResetStage)
	assert.Equal(t, 3, cfg.SLA.DueSoonDays)
	assert.Equal(t, 6, cfg.Dashboard.TrendMonths)
	assert.Equal(t, 24*time.Hour, cfg.LeadTime(domain.StageRegistration))
	assert.Equal(t, 60*24*time.Hour, cfg.LeadTime(domain.StageImplementation))
	assert.Equal(t, domain.PriorityUrgent, cfg.PriorityFor(domain.SeverityCritical))
	assert.Equal(t, domain.PriorityNormal, cfg.PriorityFor(domain.Severity("unknown")))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"missing org":         func(c *Config) { c.Organization.ID = "" },
		"missing lead time":   func(c *Config) { delete(c.Workflow.LeadTimes, "planning") },
		"negative lead time":  func(c *Config) { c.Workflow.LeadTimes["planning"] = -1 },
		"unknown task type":   func(c *Config) { c.Workflow.LeadTimes["audit"] = 3 },
		"bad priority":        func(c *Config) { c.Workflow.PriorityBySeverity["high"] = "asap" },
		"reset past analysis": func(c *Config) { c.Revision.ResetStage = 4 },
		"trend too long":      func(c *Config) { c.Dashboard.TrendMonths = 40 },
		"no owner role":       func(c *Config) { delete(c.RBAC.Roles, "owner") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("org-1")
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRolePermissions(t *testing.T) {
	cfg := Default("org-1")
	perms := cfg.RolePermissions([]string{"contributor", "auditor", "ghost"})
	assert.True(t, perms["nc.create"])
	assert.True(t, perms["report.read"])
	assert.False(t, perms["nc.advance"])
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	data := strings.Replace(GenerateDefault("org-9"), "reset_stage: 2", "reset_stage: 3", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "capaflow.yml"), []byte(data), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "org-9", cfg.Organization.ID)
	assert.Equal(t, 3, cfg.Revision.ResetStage)

	_, err = FromYAML([]byte("workflow: ["))
	assert.Error(t, err)
}
