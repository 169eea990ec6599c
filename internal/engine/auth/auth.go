package auth

import (
	"errors"
	"fmt"

	"capaflow/internal/config"
)

// Permission ids checked by the engine. Roles map to these in config.
const (
	PermNCCreate     = "nc.create"
	PermNCRead       = "nc.read"
	PermNCUpdate     = "nc.update"
	PermNCAdvance    = "nc.advance"
	PermNCEvaluate   = "nc.evaluate"
	PermStageSubmit  = "stage.submit"
	PermTaskRead     = "task.read"
	PermTaskUpdate   = "task.update"
	PermTaskComplete = "task.complete"
	PermReportRead   = "report.read"
	PermConfigUpdate = "config.update"
	PermMemberManage = "member.manage"
)

// Caller identifies who is acting and for which organization. It is passed
// explicitly to every engine operation.
type Caller struct {
	UserID         string
	OrganizationID string
	Roles          []string
}

func (c Caller) Validate() error {
	if c.UserID == "" {
		return errors.New("caller user id required")
	}
	if c.OrganizationID == "" {
		return errors.New("caller organization id required")
	}
	return nil
}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// CrossTenantError is returned when a record exists but belongs to another
// organization than the caller's.
type CrossTenantError struct {
	Kind string
	ID   string
}

func (e CrossTenantError) Error() string {
	return fmt.Sprintf("access to %s %s denied", e.Kind, e.ID)
}

// Authorize checks that the caller's roles grant perm under cfg. A config
// without roles disables role checks.
func Authorize(cfg *config.Config, c Caller, perm string) error {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return nil
	}
	if cfg.RolePermissions(c.Roles)[perm] {
		return nil
	}
	return ForbiddenError{Permission: perm}
}

// SameTenant reports a CrossTenantError when orgID differs from the caller's.
func SameTenant(c Caller, kind, id, orgID string) error {
	if orgID != c.OrganizationID {
		return CrossTenantError{Kind: kind, ID: id}
	}
	return nil
}
