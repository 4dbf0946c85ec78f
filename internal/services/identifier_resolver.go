package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	defaultVendorProbeParallelism = 4
	adminFallbackVendorName       = "Marketplace"
)

// IdentifierResolverDeps bundles the catalog and vendor lookups used during order materialisation.
type IdentifierResolverDeps struct {
	Products       repositories.ProductRepository
	VendorProducts repositories.VendorProductRepository
	Vendors        repositories.VendorDirectory
	Provisioner    repositories.VendorProvisioner
	// AdminFallbackVendorID is accepted as valid even when no directory knows it; a minimal
	// vendor profile is provisioned for it on first use.
	AdminFallbackVendorID string
	ProbeParallelism      int
	Logger                func(ctx context.Context, event string, fields map[string]any)
}

// IdentifierResolver maps loosely typed product and vendor references onto canonical ids. Lookup
// failures never surface as errors; callers get an unresolved result and carry on.
type IdentifierResolver struct {
	products       repositories.ProductRepository
	vendorProducts repositories.VendorProductRepository
	vendors        repositories.VendorDirectory
	provisioner    repositories.VendorProvisioner
	adminFallback  string
	parallelism    int
	logger         func(ctx context.Context, event string, fields map[string]any)
}

// NewIdentifierResolver validates dependencies.
func NewIdentifierResolver(deps IdentifierResolverDeps) (*IdentifierResolver, error) {
	if deps.Products == nil {
		return nil, errors.New("identifier resolver: product repository is required")
	}
	if deps.VendorProducts == nil {
		return nil, errors.New("identifier resolver: vendor product repository is required")
	}
	if deps.Vendors == nil {
		return nil, errors.New("identifier resolver: vendor directory is required")
	}
	parallelism := deps.ProbeParallelism
	if parallelism <= 0 {
		parallelism = defaultVendorProbeParallelism
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &IdentifierResolver{
		products:       deps.Products,
		vendorProducts: deps.VendorProducts,
		vendors:        deps.Vendors,
		provisioner:    deps.Provisioner,
		adminFallback:  strings.TrimSpace(deps.AdminFallbackVendorID),
		parallelism:    parallelism,
		logger:         logger,
	}, nil
}

// IsUUID reports whether ref is a canonical 36 character UUID.
func IsUUID(ref string) bool {
	return len(ref) == 36 && uuid.Validate(ref) == nil
}

// ResolveProductUUID returns ref unchanged when it is already a UUID. Otherwise ref is treated as a
// vendor product alias id and the linked product id is returned.
func (r *IdentifierResolver) ResolveProductUUID(ctx context.Context, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	if IsUUID(ref) {
		return ref, true
	}
	alias, err := r.vendorProducts.Get(ctx, ref)
	if err != nil {
		r.logLookupFailure(ctx, "resolver.product.alias_miss", ref, err)
		return "", false
	}
	productID := strings.TrimSpace(alias.ProductID)
	if productID == "" {
		r.logger(ctx, "resolver.product.alias_unlinked", map[string]any{"ref": ref})
		return "", false
	}
	return productID, true
}

// ResolveVendorForItem asks the canonical product first and the alias row second. The first
// non-empty vendor id wins.
func (r *IdentifierResolver) ResolveVendorForItem(ctx context.Context, productUUID, originalID string) (string, bool) {
	if productUUID = strings.TrimSpace(productUUID); productUUID != "" {
		product, err := r.products.Get(ctx, productUUID)
		if err == nil {
			if vendorID := strings.TrimSpace(product.VendorID); vendorID != "" {
				return vendorID, true
			}
		} else {
			r.logLookupFailure(ctx, "resolver.vendor.product_miss", productUUID, err)
		}
	}
	if originalID = strings.TrimSpace(originalID); originalID != "" && originalID != productUUID {
		alias, err := r.vendorProducts.Get(ctx, originalID)
		if err == nil {
			if vendorID := strings.TrimSpace(alias.VendorID); vendorID != "" {
				return vendorID, true
			}
		} else {
			r.logLookupFailure(ctx, "resolver.vendor.alias_miss", originalID, err)
		}
	}
	return "", false
}

// ValidateVendorIDs probes every distinct id against the vendor directory and returns the ids that
// exist. The admin fallback vendor is provisioned when missing.
func (r *IdentifierResolver) ValidateVendorIDs(ctx context.Context, ids []string) map[string]struct{} {
	valid := make(map[string]struct{}, len(ids))
	seen := make(map[string]struct{}, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		g.Go(func() error {
			if r.vendorExists(gctx, id) {
				mu.Lock()
				valid[id] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return valid
}

func (r *IdentifierResolver) vendorExists(ctx context.Context, id string) bool {
	_, err := r.vendors.FindVendor(ctx, id)
	if err == nil {
		return true
	}
	if !repositories.IsNotFound(err) {
		r.logLookupFailure(ctx, "resolver.vendor.probe_failed", id, err)
	}
	if id != r.adminFallback || r.provisioner == nil {
		return false
	}
	if err := r.provisioner.EnsureVendorProfile(ctx, id, adminFallbackVendorName); err != nil {
		r.logLookupFailure(ctx, "resolver.vendor.fallback_provision_failed", id, err)
		return false
	}
	r.logger(ctx, "resolver.vendor.fallback_provisioned", map[string]any{"vendorId": id})
	return true
}

func (r *IdentifierResolver) logLookupFailure(ctx context.Context, event, ref string, err error) {
	fields := map[string]any{"ref": ref}
	if !repositories.IsNotFound(err) {
		fields["error"] = err.Error()
	}
	r.logger(ctx, event, fields)
}

// NewNameCache returns a vendor display-name cache scoped to one request.
func (r *IdentifierResolver) NewNameCache() *VendorNameCache {
	return &VendorNameCache{vendors: r.vendors, names: make(map[string]string)}
}

// VendorNameCache memoises vendor display names. Concurrent lookups of the same id share one
// directory call.
type VendorNameCache struct {
	vendors repositories.VendorDirectory
	group   singleflight.Group
	mu      sync.RWMutex
	names   map[string]string
}

// Name returns the vendor display name, or false when the vendor cannot be found.
func (c *VendorNameCache) Name(ctx context.Context, vendorID string) (string, bool) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return "", false
	}
	c.mu.RLock()
	name, ok := c.names[vendorID]
	c.mu.RUnlock()
	if ok {
		return name, name != ""
	}

	value, err, _ := c.group.Do(vendorID, func() (any, error) {
		vendor, err := c.vendors.FindVendor(ctx, vendorID)
		if err != nil {
			if repositories.IsNotFound(err) {
				return "", nil
			}
			return "", err
		}
		return vendor.DisplayName(), nil
	})
	if err != nil {
		return "", false
	}
	name, _ = value.(string)
	c.mu.Lock()
	c.names[vendorID] = name
	c.mu.Unlock()
	return name, name != ""
}
