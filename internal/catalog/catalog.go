package catalog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"nationalpos/backend/internal/cache"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/logging"
	"nationalpos/backend/internal/store"
)

// Catalog resolves products for pricing and display. Sales never write to it.
type Catalog interface {
	LookupProduct(ctx context.Context, productID string, variationID string) (*domain.Product, error)
}

// Static serves a fixed product list, keyed like the stores key theirs.
type Static struct {
	products map[string]domain.Product
}

func NewStatic(products ...domain.Product) *Static {
	s := &Static{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		s.products[key(p.ProductID, p.VariationID)] = p
	}
	return s
}

func (s *Static) LookupProduct(_ context.Context, productID string, variationID string) (*domain.Product, error) {
	p, ok := s.products[key(productID, variationID)]
	if !ok {
		p, ok = s.products[key(productID, "")]
	}
	if !ok || !p.Active {
		return nil, store.NotFound("product", key(productID, variationID))
	}
	return &p, nil
}

// Cached reads through a ProductCache. Cache failures fall back to the
// underlying catalog.
type Cached struct {
	next  Catalog
	cache cache.ProductCache
	ttl   time.Duration
	log   *logrus.Entry
}

func NewCached(next Catalog, c cache.ProductCache, ttl time.Duration, logger *logrus.Logger) *Cached {
	if c == nil {
		c = cache.NoopProductCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{next: next, cache: c, ttl: ttl, log: logging.Module(logger, "catalog")}
}

func (c *Cached) LookupProduct(ctx context.Context, productID string, variationID string) (*domain.Product, error) {
	k := key(productID, variationID)
	if p, found, err := c.cache.Get(ctx, k); err != nil {
		c.log.WithError(err).WithField("product", k).Warn("product cache read failed")
	} else if found {
		return p, nil
	}

	p, err := c.next.LookupProduct(ctx, productID, variationID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, k, p, c.ttl); err != nil {
		c.log.WithError(err).WithField("product", k).Warn("product cache write failed")
	}
	return p, nil
}

func key(productID string, variationID string) string {
	if variationID == "" {
		return productID
	}
	return productID + "/" + variationID
}
