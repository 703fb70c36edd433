package rbac

// Role constants
const (
	RoleAdmin   = "admin"
	RoleAuditor = "auditor"
	RoleViewer  = "viewer"
)

// Permission constants
const (
	PermViewAudit   = "view_audit"
	PermExportAudit = "export_audit"
	PermPruneAudit  = "prune_audit"
)

// RolePermissions defines what each role can do with the audit trail.
var RolePermissions = map[string][]string{
	RoleAdmin: {
		PermViewAudit, PermExportAudit, PermPruneAudit,
	},
	RoleAuditor: {
		PermViewAudit, PermExportAudit,
		// Auditor CANNOT: PermPruneAudit
	},
	RoleViewer: {
		PermViewAudit,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}
