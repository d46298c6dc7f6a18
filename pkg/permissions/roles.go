// Package permissions computes effective permission sets from the static
// role table and live per-account overrides.
package permissions

// Role is an account's primary or additionally granted role
type Role string

// Known roles
const (
	RoleStudent        Role = "student"
	RoleTeacher        Role = "teacher"
	RoleDepartmentHead Role = "department_head"
	RoleAdmin          Role = "admin"
	RoleSuperadmin     Role = "superadmin"
)

// Permission tokens form a closed enumeration. The resolver treats unknown
// tokens in overrides as opaque strings so overrides can grant ahead of a
// role table update.
const (
	PermProfileRead      = "profile:read"
	PermProfileWrite     = "profile:write"
	PermGradesRead       = "grades:read"
	PermGradesManage     = "grades:manage"
	PermAttendanceRead   = "attendance:read"
	PermAttendanceManage = "attendance:manage"
	PermClassesRead      = "classes:read"
	PermClassesManage    = "classes:manage"
	PermDepartmentManage = "department:manage"
	PermAccountsRead     = "accounts:read"
	PermAccountsManage   = "accounts:manage"
	PermSessionsManage   = "sessions:manage"
	PermOverridesManage  = "overrides:manage"
	PermFeesRead         = "fees:read"
	PermFeesManage       = "fees:manage"
	PermAuditRead        = "audit:read"
	PermAuditExport      = "audit:export"
	PermAnomalyScan      = "anomaly:scan"
	PermCasesRead        = "cases:read"
	PermCasesManage      = "cases:manage"
	PermTenantsManage    = "tenants:manage"
)

// roleTable is the static role to permission mapping. The admin set is a
// superset of the role-specific sets and superadmin a superset of admin, by
// enumeration rather than inheritance.
var roleTable = map[Role][]string{
	RoleStudent: {
		PermProfileRead,
		PermProfileWrite,
		PermGradesRead,
		PermAttendanceRead,
		PermClassesRead,
		PermFeesRead,
	},
	RoleTeacher: {
		PermProfileRead,
		PermProfileWrite,
		PermGradesRead,
		PermGradesManage,
		PermAttendanceRead,
		PermAttendanceManage,
		PermClassesRead,
		PermClassesManage,
	},
	RoleDepartmentHead: {
		PermProfileRead,
		PermProfileWrite,
		PermGradesRead,
		PermGradesManage,
		PermAttendanceRead,
		PermAttendanceManage,
		PermClassesRead,
		PermClassesManage,
		PermDepartmentManage,
		PermAccountsRead,
	},
	RoleAdmin: {
		PermProfileRead,
		PermProfileWrite,
		PermGradesRead,
		PermGradesManage,
		PermAttendanceRead,
		PermAttendanceManage,
		PermClassesRead,
		PermClassesManage,
		PermDepartmentManage,
		PermAccountsRead,
		PermAccountsManage,
		PermSessionsManage,
		PermOverridesManage,
		PermFeesRead,
		PermFeesManage,
		PermAuditRead,
		PermAuditExport,
	},
	RoleSuperadmin: {
		PermProfileRead,
		PermProfileWrite,
		PermGradesRead,
		PermGradesManage,
		PermAttendanceRead,
		PermAttendanceManage,
		PermClassesRead,
		PermClassesManage,
		PermDepartmentManage,
		PermAccountsRead,
		PermAccountsManage,
		PermSessionsManage,
		PermOverridesManage,
		PermFeesRead,
		PermFeesManage,
		PermAuditRead,
		PermAuditExport,
		PermAnomalyScan,
		PermCasesRead,
		PermCasesManage,
		PermTenantsManage,
	},
}

// RolePermissions returns a copy of the static permission set for a role.
// Unknown roles resolve to the empty set.
func RolePermissions(role Role) []string {
	perms := roleTable[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// HasPermission is a pure fast-path check against the static role table. It
// ignores overrides, so callers needing the full picture use the resolver.
func HasPermission(role Role, permission string) bool {
	for _, p := range roleTable[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// IsPrivileged reports whether the role may act on other accounts' sessions
// and security data.
func IsPrivileged(role Role) bool {
	return role == RoleAdmin || role == RoleSuperadmin
}

// ValidRole reports whether the role is one of the known roles
func ValidRole(role Role) bool {
	_, ok := roleTable[role]
	return ok
}
