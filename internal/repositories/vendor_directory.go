package repositories

import (
	"context"
	"errors"
	"fmt"

	domain "github.com/marketlane/storefront-api/internal/domain"
)

// ErrVendorNotFound is returned by FirstMatchDirectory when no directory knows the vendor.
var ErrVendorNotFound = errors.New("vendor not found")

type vendorNotFoundError struct{ id string }

func (e vendorNotFoundError) Error() string {
	return fmt.Sprintf("vendor %q: %v", e.id, ErrVendorNotFound)
}
func (e vendorNotFoundError) Unwrap() error       { return ErrVendorNotFound }
func (e vendorNotFoundError) IsNotFound() bool    { return true }
func (e vendorNotFoundError) IsConflict() bool    { return false }
func (e vendorNotFoundError) IsUnavailable() bool { return false }

// FirstMatchDirectory asks each directory in order and returns the first hit. A non-not-found
// failure from one directory does not stop the probe; it is returned only when nothing matched.
type FirstMatchDirectory struct {
	directories []VendorDirectory
}

var _ VendorDirectory = (*FirstMatchDirectory)(nil)

// NewFirstMatchDirectory composes directories in priority order.
func NewFirstMatchDirectory(directories ...VendorDirectory) *FirstMatchDirectory {
	filtered := make([]VendorDirectory, 0, len(directories))
	for _, dir := range directories {
		if dir != nil {
			filtered = append(filtered, dir)
		}
	}
	return &FirstMatchDirectory{directories: filtered}
}

// FindVendor implements VendorDirectory.
func (d *FirstMatchDirectory) FindVendor(ctx context.Context, vendorID string) (domain.Vendor, error) {
	var firstErr error
	for _, dir := range d.directories {
		vendor, err := dir.FindVendor(ctx, vendorID)
		if err == nil {
			return vendor, nil
		}
		if ctx.Err() != nil {
			return domain.Vendor{}, ctx.Err()
		}
		if !IsNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return domain.Vendor{}, firstErr
	}
	return domain.Vendor{}, vendorNotFoundError{id: vendorID}
}
