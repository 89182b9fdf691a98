// Package catalog reads clip listings. Clips are created and managed by the
// catalog service; this package never writes them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"rightly/storage"
)

// ErrNotFound is returned when no clip carries the requested on-chain id.
var ErrNotFound = errors.New("catalog: clip not found")

// Store resolves clips by their on-chain identifier.
type Store struct {
	db *gorm.DB
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindByOnchainID returns the clip registered under the contract clip id.
func (s *Store) FindByOnchainID(ctx context.Context, onchainID string) (*storage.CatalogItem, error) {
	id := strings.TrimSpace(onchainID)
	if id == "" {
		return nil, ErrNotFound
	}
	var item storage.CatalogItem
	err := s.db.WithContext(ctx).Take(&item, "onchain_clip_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: lookup clip %s: %w", id, err)
	}
	return &item, nil
}
