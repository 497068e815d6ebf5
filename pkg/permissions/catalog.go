// Package permissions defines the closed catalog of authorizable actions and
// the default permission sets of the built-in system roles.
package permissions

import (
	"sort"
)

// Permission is a single authorizable action, e.g. "loads.edit".
type Permission string

func (p Permission) String() string {
	return string(p)
}

// Loads and dispatch
const (
	LoadsView   Permission = "loads.view"
	LoadsCreate Permission = "loads.create"
	LoadsEdit   Permission = "loads.edit"
	LoadsDelete Permission = "loads.delete"
	LoadsAssign Permission = "loads.assign"

	DispatchView   Permission = "dispatch.view"
	DispatchManage Permission = "dispatch.manage"
)

// Drivers, equipment and maintenance
const (
	DriversView   Permission = "drivers.view"
	DriversCreate Permission = "drivers.create"
	DriversEdit   Permission = "drivers.edit"
	DriversDelete Permission = "drivers.delete"

	FleetView   Permission = "fleet.view"
	FleetCreate Permission = "fleet.create"
	FleetEdit   Permission = "fleet.edit"
	FleetDelete Permission = "fleet.delete"

	MaintenanceView   Permission = "maintenance.view"
	MaintenanceManage Permission = "maintenance.manage"
)

// Billing
const (
	InvoicesView   Permission = "invoices.view"
	InvoicesCreate Permission = "invoices.create"
	InvoicesEdit   Permission = "invoices.edit"
	InvoicesDelete Permission = "invoices.delete"
	InvoicesSend   Permission = "invoices.send"

	SettlementsView    Permission = "settlements.view"
	SettlementsCreate  Permission = "settlements.create"
	SettlementsApprove Permission = "settlements.approve"

	PaymentsView   Permission = "payments.view"
	PaymentsManage Permission = "payments.manage"

	CustomersView   Permission = "customers.view"
	CustomersCreate Permission = "customers.create"
	CustomersEdit   Permission = "customers.edit"
	CustomersDelete Permission = "customers.delete"
)

// Compliance, safety and people
const (
	ComplianceView   Permission = "compliance.view"
	ComplianceManage Permission = "compliance.manage"

	SafetyView   Permission = "safety.view"
	SafetyManage Permission = "safety.manage"

	HRView   Permission = "hr.view"
	HRManage Permission = "hr.manage"
)

// Documents, reporting and fuel tax
const (
	DocumentsView   Permission = "documents.view"
	DocumentsUpload Permission = "documents.upload"
	DocumentsDelete Permission = "documents.delete"

	AnalyticsView Permission = "analytics.view"
	ReportsExport Permission = "reports.export"

	IFTAView   Permission = "ifta.view"
	IFTAManage Permission = "ifta.manage"
	FuelView   Permission = "fuel.view"
)

// Administration
const (
	UsersView   Permission = "users.view"
	UsersManage Permission = "users.manage"

	RolesView   Permission = "roles.view"
	RolesManage Permission = "roles.manage"

	SettingsView   Permission = "settings.view"
	SettingsManage Permission = "settings.manage"

	AuditView Permission = "audit.view"
)

// all is the build-time catalog. Order is the display order.
var all = []Permission{
	LoadsView, LoadsCreate, LoadsEdit, LoadsDelete, LoadsAssign,
	DispatchView, DispatchManage,
	DriversView, DriversCreate, DriversEdit, DriversDelete,
	FleetView, FleetCreate, FleetEdit, FleetDelete,
	MaintenanceView, MaintenanceManage,
	InvoicesView, InvoicesCreate, InvoicesEdit, InvoicesDelete, InvoicesSend,
	SettlementsView, SettlementsCreate, SettlementsApprove,
	PaymentsView, PaymentsManage,
	CustomersView, CustomersCreate, CustomersEdit, CustomersDelete,
	ComplianceView, ComplianceManage,
	SafetyView, SafetyManage,
	HRView, HRManage,
	DocumentsView, DocumentsUpload, DocumentsDelete,
	AnalyticsView, ReportsExport,
	IFTAView, IFTAManage, FuelView,
	UsersView, UsersManage,
	RolesView, RolesManage,
	SettingsView, SettingsManage,
	AuditView,
}

// AllPermissions returns every permission in the built-in catalog.
func AllPermissions() []Permission {
	out := make([]Permission, len(all))
	copy(out, all)
	return out
}

// Catalog is an immutable set of valid permissions.
type Catalog struct {
	ordered []Permission
	set     map[Permission]struct{}
}

// NewCatalog builds a catalog from the given permissions. Duplicates are ignored.
func NewCatalog(perms ...Permission) *Catalog {
	c := &Catalog{
		ordered: make([]Permission, 0, len(perms)),
		set:     make(map[Permission]struct{}, len(perms)),
	}
	for _, p := range perms {
		if _, ok := c.set[p]; ok {
			continue
		}
		c.set[p] = struct{}{}
		c.ordered = append(c.ordered, p)
	}
	return c
}

var defaultCatalog = NewCatalog(all...)

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// Contains reports whether p is part of the catalog.
func (c *Catalog) Contains(p Permission) bool {
	_, ok := c.set[p]
	return ok
}

// All returns the catalog's permissions in declaration order.
func (c *Catalog) All() []Permission {
	out := make([]Permission, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// Len returns the number of permissions in the catalog.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

// Filter returns the members of perms that are in the catalog, de-duplicated
// and sorted.
func (c *Catalog) Filter(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if !c.Contains(p) {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	Sort(out)
	return out
}

// Unknown returns the members of perms that are not in the catalog.
func (c *Catalog) Unknown(perms []Permission) []Permission {
	var out []Permission
	for _, p := range perms {
		if !c.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

// Sort orders permissions lexically in place.
func Sort(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
}

// Dedupe returns perms without duplicates, keeping first occurrences.
func Dedupe(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
