package permissions

import "strings"

// LegacyRole is the enum role stored on users that predate role records.
type LegacyRole string

const (
	LegacySuperAdmin LegacyRole = "SUPER_ADMIN"
	LegacyAdmin      LegacyRole = "ADMIN"
	LegacyDispatcher LegacyRole = "DISPATCHER"
	LegacyDriver     LegacyRole = "DRIVER"
	LegacyCustomer   LegacyRole = "CUSTOMER"
	LegacyAccountant LegacyRole = "ACCOUNTANT"
	LegacyHR         LegacyRole = "HR"
	LegacySafety     LegacyRole = "SAFETY"
	LegacyFleet      LegacyRole = "FLEET"
)

// ParseLegacyRole converts a stored enum value, case-insensitively.
func ParseLegacyRole(s string) (LegacyRole, bool) {
	r := LegacyRole(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := systemRoleDefaults[r]
	return r, ok
}

// SystemRole describes one of the seeded, undeletable roles.
type SystemRole struct {
	Slug        string
	Name        string
	Description string
	Legacy      LegacyRole
}

var systemRoles = []SystemRole{
	{Slug: "super-admin", Name: "Super Admin", Description: "Unrestricted access to every company feature", Legacy: LegacySuperAdmin},
	{Slug: "admin", Name: "Admin", Description: "Company administrator", Legacy: LegacyAdmin},
	{Slug: "dispatcher", Name: "Dispatcher", Description: "Plans and dispatches loads", Legacy: LegacyDispatcher},
	{Slug: "driver", Name: "Driver", Description: "Views assigned loads and uploads documents", Legacy: LegacyDriver},
	{Slug: "customer", Name: "Customer", Description: "Shipper portal access", Legacy: LegacyCustomer},
	{Slug: "accountant", Name: "Accountant", Description: "Invoicing, settlements and payments", Legacy: LegacyAccountant},
	{Slug: "hr", Name: "HR", Description: "Driver onboarding and personnel records", Legacy: LegacyHR},
	{Slug: "safety", Name: "Safety", Description: "Safety and compliance management", Legacy: LegacySafety},
	{Slug: "fleet", Name: "Fleet", Description: "Equipment, maintenance and fuel", Legacy: LegacyFleet},
}

// SystemRoles returns the canonical system roles in seeding order.
func SystemRoles() []SystemRole {
	out := make([]SystemRole, len(systemRoles))
	copy(out, systemRoles)
	return out
}

// IsSystemSlug reports whether slug names a system role.
func IsSystemSlug(slug string) bool {
	for _, r := range systemRoles {
		if r.Slug == slug {
			return true
		}
	}
	return false
}

var systemRoleDefaults = map[LegacyRole][]Permission{
	LegacySuperAdmin: all,
	LegacyAdmin:      all,
	LegacyDispatcher: {
		LoadsView, LoadsCreate, LoadsEdit, LoadsAssign,
		DispatchView, DispatchManage,
		DriversView, FleetView, CustomersView,
		DocumentsView, DocumentsUpload,
	},
	LegacyDriver: {
		LoadsView, DocumentsView, DocumentsUpload, FuelView,
	},
	LegacyCustomer: {
		LoadsView, InvoicesView, DocumentsView,
	},
	LegacyAccountant: {
		InvoicesView, InvoicesCreate, InvoicesEdit, InvoicesDelete, InvoicesSend,
		SettlementsView, SettlementsCreate, SettlementsApprove,
		PaymentsView, PaymentsManage,
		CustomersView, LoadsView,
		AnalyticsView, ReportsExport,
		IFTAView, FuelView,
	},
	LegacyHR: {
		HRView, HRManage,
		DriversView, DriversCreate, DriversEdit,
		DocumentsView, DocumentsUpload,
		UsersView,
	},
	LegacySafety: {
		SafetyView, SafetyManage,
		ComplianceView, ComplianceManage,
		DriversView, FleetView, MaintenanceView,
		DocumentsView,
	},
	LegacyFleet: {
		FleetView, FleetCreate, FleetEdit, FleetDelete,
		MaintenanceView, MaintenanceManage,
		FuelView, IFTAView, IFTAManage,
		DriversView,
	},
}

// DefaultsFor returns the default permissions of a legacy role. Unknown roles
// have no permissions.
func DefaultsFor(role LegacyRole) []Permission {
	perms := systemRoleDefaults[role]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// SystemRoleDefaults returns a copy of the legacy role to permission table.
func SystemRoleDefaults() map[LegacyRole][]Permission {
	out := make(map[LegacyRole][]Permission, len(systemRoleDefaults))
	for role := range systemRoleDefaults {
		out[role] = DefaultsFor(role)
	}
	return out
}
