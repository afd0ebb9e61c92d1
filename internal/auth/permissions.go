package auth

import "slices"

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermRead              Permission = "grow:read"
	PermIrrigationDecide  Permission = "irrigation:decide"
	PermOverrideManage    Permission = "override:manage"
	PermCalibrationManage Permission = "calibration:manage"
	PermScheduleManage    Permission = "schedule:manage"
	PermSystemAdmin       Permission = "system:admin"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermRead,
	},
	RoleOperator: {
		PermRead,
		PermIrrigationDecide,
		PermOverrideManage,
		PermCalibrationManage,
	},
	RoleAdmin: {
		PermRead,
		PermIrrigationDecide,
		PermOverrideManage,
		PermCalibrationManage,
		PermScheduleManage,
		PermSystemAdmin,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
