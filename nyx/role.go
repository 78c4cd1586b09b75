package nyx

import "github.com/xfeldman/nyxctrl/internal/role"

// Role selects how a worker's VM handles snapshot serialization.
type Role = role.Role

const (
	RoleStandalone = role.Standalone
	RoleParent     = role.Parent
	RoleChild      = role.Child
)
