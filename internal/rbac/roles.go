package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner           = "owner"
	RoleManager         = "manager"
	RoleStaff           = "staff"
	RoleSuperAdmin      = "super_admin"
	RolePlatformSupport = "platform_support" // hidden role
)

// Convenience sets for route registration.
var (
	// Anyone working the front desk may settle payments and read wallets.
	FrontDesk = []string{RoleOwner, RoleManager, RoleStaff}
	// Only salon management may grant credit by hand or change policy.
	Management = []string{RoleOwner, RoleManager}
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RolePlatformSupport }
