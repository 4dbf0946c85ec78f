package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/marketlane/storefront-api/internal/domain"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/repositories"
)

// Legacy vendor collections, in probe order.
const (
	VendorProfilesWithUserCollection = "vendor_profiles_with_user"
	VendorProfilesCollection         = "vendor_profiles"
	VendorsCollection                = "vendors"
)

type vendorDocument struct {
	UserID       string `firestore:"user_id"`
	Name         string `firestore:"name"`
	BusinessName string `firestore:"business_name"`
	StoreName    string `firestore:"store_name"`
}

func (d vendorDocument) displayName() string {
	return firstNonEmpty(d.BusinessName, d.StoreName, d.Name)
}

// CollectionVendorDirectory looks vendors up in one collection, either by document id or by an
// equality match on a field.
type CollectionVendorDirectory struct {
	base  *pfirestore.BaseRepository[vendorDocument]
	field string
}

var _ repositories.VendorDirectory = (*CollectionVendorDirectory)(nil)

// NewVendorDirectoryByID matches the vendor id against document ids of collection.
func NewVendorDirectoryByID(provider *pfirestore.Provider, collection string) *CollectionVendorDirectory {
	return &CollectionVendorDirectory{base: pfirestore.NewBaseRepository[vendorDocument](provider, collection)}
}

// NewVendorDirectoryByField matches the vendor id against field of collection.
func NewVendorDirectoryByField(provider *pfirestore.Provider, collection, field string) *CollectionVendorDirectory {
	return &CollectionVendorDirectory{
		base:  pfirestore.NewBaseRepository[vendorDocument](provider, collection),
		field: strings.TrimSpace(field),
	}
}

// FindVendor implements repositories.VendorDirectory.
func (d *CollectionVendorDirectory) FindVendor(ctx context.Context, vendorID string) (domain.Vendor, error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.Vendor{}, pfirestore.NotFound(d.base.Name()+".find", "vendor id is required")
	}

	var doc pfirestore.Document[vendorDocument]
	var err error
	if d.field == "" {
		doc, err = d.base.Get(ctx, vendorID)
	} else {
		doc, err = d.base.First(ctx, func(q firestore.Query) firestore.Query {
			return q.Where(d.field, "==", vendorID)
		})
	}
	if err != nil {
		return domain.Vendor{}, err
	}
	return domain.Vendor{
		ID:     vendorID,
		UserID: strings.TrimSpace(doc.Data.UserID),
		Name:   doc.Data.displayName(),
		Source: d.base.Name(),
	}, nil
}

// NewLegacyVendorDirectory composes the four legacy vendor lookups in their fixed priority.
func NewLegacyVendorDirectory(provider *pfirestore.Provider) *repositories.FirstMatchDirectory {
	return repositories.NewFirstMatchDirectory(
		NewVendorDirectoryByID(provider, VendorProfilesWithUserCollection),
		NewVendorDirectoryByField(provider, VendorProfilesWithUserCollection, "user_id"),
		NewVendorDirectoryByID(provider, VendorProfilesCollection),
		NewVendorDirectoryByID(provider, VendorsCollection),
	)
}

// VendorProfileProvisioner creates minimal vendor_profiles rows.
type VendorProfileProvisioner struct {
	profiles *pfirestore.BaseRepository[vendorProfileDocument]
	now      func() time.Time
}

var _ repositories.VendorProvisioner = (*VendorProfileProvisioner)(nil)

type vendorProfileDocument struct {
	Name            string    `firestore:"name"`
	AutoProvisioned bool      `firestore:"auto_provisioned"`
	CreatedAt       time.Time `firestore:"created_at"`
}

// NewVendorProfileProvisioner constructs a provisioner writing to vendor_profiles.
func NewVendorProfileProvisioner(provider *pfirestore.Provider) (*VendorProfileProvisioner, error) {
	if provider == nil {
		return nil, errors.New("vendor provisioner requires firestore provider")
	}
	return &VendorProfileProvisioner{
		profiles: pfirestore.NewBaseRepository[vendorProfileDocument](provider, VendorProfilesCollection),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureVendorProfile creates the profile; an existing profile counts as success.
func (p *VendorProfileProvisioner) EnsureVendorProfile(ctx context.Context, vendorID, name string) error {
	err := p.profiles.Create(ctx, strings.TrimSpace(vendorID), vendorProfileDocument{
		Name:            strings.TrimSpace(name),
		AutoProvisioned: true,
		CreatedAt:       p.now(),
	})
	if repositories.IsConflict(err) {
		return nil
	}
	return err
}
