// Package nonces owns the per-address intent nonce counters. A nonce value is
// consumable exactly once, in increasing order, which is what stops a captured
// signed intent from being relayed twice.
package nonces

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"rightly/crypto"
	"rightly/storage"
)

// ErrNonceConflict is returned when the supplied nonce is not the one the
// ledger expects next. The client must fetch the current nonce and re-sign.
var ErrNonceConflict = errors.New("nonces: nonce conflict")

// Ledger allocates nonces with a database-level compare-and-increment.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger constructs a ledger over the provided database.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Allocate consumes expected for address and returns the new counter value
// (expected + 1). It fails with ErrNonceConflict, leaving the counter
// untouched, when the stored counter differs from expected. A missing record
// counts as zero.
func (l *Ledger) Allocate(ctx context.Context, address string, expected uint64) (uint64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("nonces: ledger not configured")
	}
	addr, err := crypto.NormalizeAddress(address)
	if err != nil {
		return 0, err
	}
	now := l.now().UTC()

	res := l.db.WithContext(ctx).
		Model(&storage.NonceRecord{}).
		Where("address = ? AND counter = ?", addr, expected).
		Updates(map[string]any{
			"counter":    gorm.Expr("counter + ?", 1),
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("nonces: allocate: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return expected + 1, nil
	}
	if expected != 0 {
		return 0, ErrNonceConflict
	}

	// First use of the address: exactly one concurrent insert wins.
	res = l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&storage.NonceRecord{Address: addr, Counter: 1, UpdatedAt: now})
	if res.Error != nil {
		return 0, fmt.Errorf("nonces: allocate first: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrNonceConflict
	}
	return 1, nil
}

// Current returns the nonce the address must sign next.
func (l *Ledger) Current(ctx context.Context, address string) (uint64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("nonces: ledger not configured")
	}
	addr, err := crypto.NormalizeAddress(address)
	if err != nil {
		return 0, err
	}
	var rec storage.NonceRecord
	err = l.db.WithContext(ctx).Take(&rec, "address = ?", addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("nonces: lookup: %w", err)
	}
	return rec.Counter, nil
}
