package domain

import "strings"

// Requester roles.
const (
	RoleAdmin    = "admin"
	RoleVendor   = "vendor"
	RoleCustomer = "customer"
)

// Actor is the authenticated caller of an order operation.
type Actor struct {
	ID    string
	Email string
	Role  string
}

// IsAdmin reports the admin role.
func (a Actor) IsAdmin() bool { return strings.EqualFold(a.Role, RoleAdmin) }

// IsVendor reports the vendor role.
func (a Actor) IsVendor() bool { return strings.EqualFold(a.Role, RoleVendor) }

// Vendor is a seller as seen through the vendor directory. UserID is the account that owns the
// vendor profile, when known.
type Vendor struct {
	ID     string
	UserID string
	Name   string
	Source string
}

// DisplayName falls back to the id when no name is stored.
func (v Vendor) DisplayName() string {
	if name := strings.TrimSpace(v.Name); name != "" {
		return name
	}
	return v.ID
}

// Product is a canonical catalog row.
type Product struct {
	ID       string
	VendorID string
	Name     string
}

// VendorProduct is an alias row mapping a vendor-facing listing id to a canonical product.
type VendorProduct struct {
	ID        string
	ProductID string
	VendorID  string
}
