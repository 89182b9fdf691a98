// Package receipts persists license receipts. Each license id is written at
// most once; validity and days remaining are derived when a receipt is read.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rightly/crypto"
	"rightly/storage"
)

// ErrNotFound is returned when no receipt exists for a license id.
var ErrNotFound = errors.New("receipts: not found")

const (
	defaultPageSize = 20
	maxPageSize     = 100
	day             = 24 * time.Hour
)

// ClipSummary is the catalog context attached to a receipt view.
type ClipSummary struct {
	OnchainClipID string `json:"onchainClipId"`
	Title         string `json:"title"`
	Creator       string `json:"creator"`
	AssetCID      string `json:"assetCID"`
}

// View is a receipt as presented to readers, including derived fields.
type View struct {
	LicenseID      string       `json:"licenseId"`
	Clip           *ClipSummary `json:"clip,omitempty"`
	Buyer          string       `json:"buyer"`
	Seller         string       `json:"seller,omitempty"`
	TxHash         string       `json:"txHash"`
	ReceiptHash    string       `json:"receiptHash,omitempty"`
	ContentAddress string       `json:"contentAddress"`
	Price          string       `json:"price"`
	StartAt        time.Time    `json:"startTs"`
	ExpiryAt       time.Time    `json:"expiryTs"`
	Signature      string       `json:"signature"`
	SignerAddress  string       `json:"signerAddress"`
	IsValid        bool         `json:"isValid"`
	DaysRemaining  int64        `json:"daysRemaining"`
}

// Page describes a slice of a listing.
type Page struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

// Verification is the outcome of checking a license id.
type Verification struct {
	IsValid bool   `json:"isValid"`
	Reason  string `json:"reason"`
	Receipt *View  `json:"receipt"`
}

// Store is the single writer of receipts.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert persists rec unless a receipt with the same license id already
// exists. inserted reports whether this call created the row; a duplicate is
// not an error.
func (s *Store) Insert(ctx context.Context, rec *storage.Receipt) (inserted bool, err error) {
	if rec == nil || strings.TrimSpace(rec.LicenseID) == "" {
		return false, errors.New("receipts: license id required")
	}
	buyer, err := crypto.NormalizeAddress(rec.Buyer)
	if err != nil {
		return false, fmt.Errorf("receipts: buyer: %w", err)
	}
	rec.Buyer = buyer
	rec.LicenseID = strings.TrimSpace(rec.LicenseID)
	rec.StartAt = rec.StartAt.UTC()
	rec.ExpiryAt = rec.ExpiryAt.UTC()

	res := s.db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "license_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, fmt.Errorf("receipts: insert %s: %w", rec.LicenseID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get loads the receipt for licenseID.
func (s *Store) Get(ctx context.Context, licenseID string) (*View, error) {
	var rec storage.Receipt
	err := s.db.WithContext(ctx).
		Preload("CatalogItem").
		Take(&rec, "license_id = ?", strings.TrimSpace(licenseID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: load %s: %w", licenseID, err)
	}
	view := s.view(rec, s.now())
	return &view, nil
}

// ListByBuyer returns the buyer's receipts, newest first. activeOnly hides
// expired licenses.
func (s *Store) ListByBuyer(ctx context.Context, address string, activeOnly bool, page, limit int) ([]View, Page, error) {
	buyer, err := crypto.NormalizeAddress(address)
	if err != nil {
		return nil, Page{}, err
	}
	now := s.now()
	page, limit = normalisePage(page, limit)

	scope := func(tx *gorm.DB) *gorm.DB {
		tx = tx.Where("buyer = ?", buyer)
		if activeOnly {
			tx = tx.Where("expiry_at >= ?", now.UTC())
		}
		return tx
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&storage.Receipt{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, Page{}, fmt.Errorf("receipts: count for buyer: %w", err)
	}
	var recs []storage.Receipt
	err = s.db.WithContext(ctx).
		Scopes(scope).
		Preload("CatalogItem").
		Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, Page{}, fmt.Errorf("receipts: list for buyer: %w", err)
	}
	return s.views(recs, now), newPage(page, limit, total), nil
}

// ListByCreator returns receipts for every clip the creator owns, newest
// first, together with the creator's total earnings across all of them.
func (s *Store) ListByCreator(ctx context.Context, address string, page, limit int) ([]View, Page, string, error) {
	creator, err := crypto.NormalizeAddress(address)
	if err != nil {
		return nil, Page{}, "", err
	}
	page, limit = normalisePage(page, limit)

	scope := func(tx *gorm.DB) *gorm.DB {
		return tx.Joins("JOIN clips ON clips.id = receipts.catalog_item_id").
			Where("LOWER(clips.creator) = ?", creator)
	}
	var prices []string
	if err := s.db.WithContext(ctx).Model(&storage.Receipt{}).Scopes(scope).Pluck("receipts.price", &prices).Error; err != nil {
		return nil, Page{}, "", fmt.Errorf("receipts: earnings for creator: %w", err)
	}
	earnings := sumWei(prices)

	var recs []storage.Receipt
	err = s.db.WithContext(ctx).
		Scopes(scope).
		Select("receipts.*").
		Preload("CatalogItem").
		Order("receipts.created_at DESC, receipts.id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, Page{}, "", fmt.Errorf("receipts: list for creator: %w", err)
	}
	return s.views(recs, s.now()), newPage(page, limit, int64(len(prices))), earnings.String(), nil
}

// Stats summarises platform activity.
type Stats struct {
	TotalClips  int64  `json:"totalClips"`
	ActiveClips int64  `json:"activeClips"`
	TotalSales  int64  `json:"totalSales"`
	TotalVolume string `json:"totalVolume"`
}

// Stats counts clips and receipts and sums every sale price in wei.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&storage.CatalogItem{}).Count(&stats.TotalClips).Error; err != nil {
		return Stats{}, fmt.Errorf("receipts: count clips: %w", err)
	}
	if err := db.Model(&storage.CatalogItem{}).Where("active = ?", true).Count(&stats.ActiveClips).Error; err != nil {
		return Stats{}, fmt.Errorf("receipts: count active clips: %w", err)
	}
	var prices []string
	if err := db.Model(&storage.Receipt{}).Pluck("price", &prices).Error; err != nil {
		return Stats{}, fmt.Errorf("receipts: sale prices: %w", err)
	}
	stats.TotalSales = int64(len(prices))
	stats.TotalVolume = sumWei(prices).String()
	return stats, nil
}

// sumWei adds decimal wei amounts, skipping any that do not parse.
func sumWei(amounts []string) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if v, ok := new(big.Int).SetString(strings.TrimSpace(a), 10); ok {
			total.Add(total, v)
		}
	}
	return total
}

// Verify reports whether licenseID refers to an unexpired license.
func (s *Store) Verify(ctx context.Context, licenseID string) (Verification, error) {
	view, err := s.Get(ctx, licenseID)
	if errors.Is(err, ErrNotFound) {
		return Verification{Reason: "Receipt not found"}, nil
	}
	if err != nil {
		return Verification{}, err
	}
	if !view.IsValid {
		return Verification{Reason: "License expired"}, nil
	}
	return Verification{IsValid: true, Reason: "Valid license", Receipt: view}, nil
}

func (s *Store) views(recs []storage.Receipt, now time.Time) []View {
	out := make([]View, 0, len(recs))
	for _, rec := range recs {
		out = append(out, s.view(rec, now))
	}
	return out
}

func (s *Store) view(rec storage.Receipt, now time.Time) View {
	v := View{
		LicenseID:      rec.LicenseID,
		Buyer:          rec.Buyer,
		Seller:         rec.Seller,
		TxHash:         rec.TxHash,
		ReceiptHash:    rec.ReceiptHash,
		ContentAddress: rec.ContentAddress,
		Price:          rec.Price,
		StartAt:        rec.StartAt.UTC(),
		ExpiryAt:       rec.ExpiryAt.UTC(),
		Signature:      rec.Signature,
		SignerAddress:  rec.SignerAddress,
		IsValid:        IsValid(rec.ExpiryAt, now),
		DaysRemaining:  DaysRemaining(rec.ExpiryAt, now),
	}
	if rec.CatalogItem != nil {
		v.Clip = &ClipSummary{
			OnchainClipID: rec.CatalogItem.OnchainClipID,
			Title:         rec.CatalogItem.Title,
			Creator:       rec.CatalogItem.Creator,
			AssetCID:      rec.CatalogItem.AssetCID,
		}
	}
	return v
}

// IsValid reports whether a license expiring at expiry is still in force.
func IsValid(expiry, now time.Time) bool {
	return expiry.After(now)
}

// DaysRemaining rounds the time left until expiry up to whole days. It is
// zero or negative once the license has lapsed.
func DaysRemaining(expiry, now time.Time) int64 {
	return int64(math.Ceil(float64(expiry.Sub(now)) / float64(day)))
}

func normalisePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

func newPage(page, limit int, total int64) Page {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return Page{Page: page, Limit: limit, Total: total, Pages: pages}
}
