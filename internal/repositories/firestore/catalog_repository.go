package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/marketlane/storefront-api/internal/domain"
	pfirestore "github.com/marketlane/storefront-api/internal/platform/firestore"
	"github.com/marketlane/storefront-api/internal/repositories"
)

const (
	productsCollection       = "products"
	vendorProductsCollection = "vendor_products"
)

type productDocument struct {
	VendorID string `firestore:"vendor_id"`
	Name     string `firestore:"name"`
}

type vendorProductDocument struct {
	ProductID string `firestore:"product_id"`
	VendorID  string `firestore:"vendor_id"`
}

// ProductRepository reads canonical products.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed product reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{base: pfirestore.NewBaseRepository[productDocument](provider, productsCollection)}, nil
}

// Get loads a product by its canonical id.
func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{ID: doc.ID, VendorID: strings.TrimSpace(doc.Data.VendorID), Name: doc.Data.Name}, nil
}

// VendorProductRepository reads vendor listing aliases.
type VendorProductRepository struct {
	base *pfirestore.BaseRepository[vendorProductDocument]
}

var _ repositories.VendorProductRepository = (*VendorProductRepository)(nil)

// NewVendorProductRepository constructs a Firestore-backed alias reader.
func NewVendorProductRepository(provider *pfirestore.Provider) (*VendorProductRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor product repository requires firestore provider")
	}
	return &VendorProductRepository{base: pfirestore.NewBaseRepository[vendorProductDocument](provider, vendorProductsCollection)}, nil
}

// Get loads an alias row by id.
func (r *VendorProductRepository) Get(ctx context.Context, aliasID string) (domain.VendorProduct, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(aliasID))
	if err != nil {
		return domain.VendorProduct{}, err
	}
	return domain.VendorProduct{
		ID:        doc.ID,
		ProductID: strings.TrimSpace(doc.Data.ProductID),
		VendorID:  strings.TrimSpace(doc.Data.VendorID),
	}, nil
}
