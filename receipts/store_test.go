package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rightly/storage"
)

const (
	buyerA   = "0x00000000000000000000000000000000000000b1"
	buyerB   = "0x00000000000000000000000000000000000000b2"
	creatorC = "0x00000000000000000000000000000000000000c1"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setupReceiptTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

func seedClip(t *testing.T, db *gorm.DB, onchainID, creator string) storage.CatalogItem {
	t.Helper()
	clip := storage.CatalogItem{
		OnchainClipID: onchainID,
		Creator:       creator,
		AssetCID:      "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		Title:         "clip " + onchainID,
		Price:         "1000000000000000000",
		DurationDays:  30,
		Active:        true,
	}
	require.NoError(t, db.Create(&clip).Error)
	return clip
}

func newReceipt(licenseID string, clip storage.CatalogItem, buyer, price string, expiry time.Time) *storage.Receipt {
	return &storage.Receipt{
		LicenseID:      licenseID,
		CatalogItemID:  clip.ID,
		Buyer:          buyer,
		Seller:         clip.Creator,
		TxHash:         "0x" + licenseID,
		ContentAddress: "bafkreidummy" + licenseID,
		Price:          price,
		StartAt:        expiry.Add(-30 * day),
		ExpiryAt:       expiry,
		Signature:      "0xsig",
		SignerAddress:  "0x00000000000000000000000000000000000000aa",
	}
}

func newTestStore(db *gorm.DB) *Store {
	store := NewStore(db)
	store.now = func() time.Time { return fixedNow }
	return store
}

func TestInsertIsIdempotent(t *testing.T) {
	db := setupReceiptTestDB(t)
	clip := seedClip(t, db, "1", creatorC)
	store := newTestStore(db)
	ctx := context.Background()

	first := newReceipt("L1", clip, "0x00000000000000000000000000000000000000B1", "1000000000000000000", fixedNow.Add(10*day))
	inserted, err := store.Insert(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := newReceipt("L1", clip, buyerA, "1000000000000000000", fixedNow.Add(10*day))
	second.ContentAddress = "bafkreiother"
	inserted, err = store.Insert(ctx, second)
	require.NoError(t, err, "duplicate license id must not be an error")
	require.False(t, inserted)

	var count int64
	require.NoError(t, db.Model(&storage.Receipt{}).Where("license_id = ?", "L1").Count(&count).Error)
	require.Equal(t, int64(1), count)

	got, err := store.Get(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, first.ContentAddress, got.ContentAddress)
	require.Equal(t, buyerA, got.Buyer)
	require.NotNil(t, got.Clip)
	require.Equal(t, "clip 1", got.Clip.Title)
	require.True(t, got.IsValid)
	require.Equal(t, int64(10), got.DaysRemaining)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(setupReceiptTestDB(t))
	_, err := store.Get(context.Background(), "nope")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListByBuyer(t *testing.T) {
	db := setupReceiptTestDB(t)
	clip := seedClip(t, db, "1", creatorC)
	store := newTestStore(db)
	ctx := context.Background()

	for _, rec := range []*storage.Receipt{
		newReceipt("1", clip, buyerA, "10", fixedNow.Add(day)),
		newReceipt("2", clip, buyerA, "10", fixedNow.Add(-day)),
		newReceipt("3", clip, buyerA, "10", fixedNow.Add(2*day)),
		newReceipt("4", clip, buyerB, "10", fixedNow.Add(day)),
	} {
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)
	}

	active, page, err := store.ListByBuyer(ctx, buyerA, true, 1, 20)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, int64(2), page.Total)
	for _, v := range active {
		require.True(t, v.IsValid)
	}

	all, page, err := store.ListByBuyer(ctx, buyerA, false, 1, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(3), page.Total)
	require.Equal(t, int64(2), page.Pages)

	rest, _, err := store.ListByBuyer(ctx, buyerA, false, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func TestListByCreatorSumsEarnings(t *testing.T) {
	db := setupReceiptTestDB(t)
	mine := seedClip(t, db, "1", creatorC)
	other := seedClip(t, db, "2", "0x00000000000000000000000000000000000000c2")
	store := newTestStore(db)
	ctx := context.Background()

	for _, rec := range []*storage.Receipt{
		newReceipt("1", mine, buyerA, "1000000000000000000", fixedNow.Add(day)),
		newReceipt("2", mine, buyerB, "2500000000000000000", fixedNow.Add(day)),
		newReceipt("3", other, buyerB, "7", fixedNow.Add(day)),
	} {
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)
	}

	views, page, earnings, err := store.ListByCreator(ctx, creatorC, 1, 1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, int64(2), page.Total)
	require.Equal(t, "3500000000000000000", earnings)
}

func TestStatsSumsPlatformVolume(t *testing.T) {
	db := setupReceiptTestDB(t)
	store := newTestStore(db)
	ctx := context.Background()

	empty, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{TotalVolume: "0"}, empty)

	live := seedClip(t, db, "1", creatorC)
	retired := seedClip(t, db, "2", creatorC)
	require.NoError(t, db.Model(&retired).Update("active", false).Error)
	seedClip(t, db, "3", "0x00000000000000000000000000000000000000c2")

	for _, rec := range []*storage.Receipt{
		newReceipt("1", live, buyerA, "1000000000000000000", fixedNow.Add(day)),
		newReceipt("2", retired, buyerB, "2500000000000000000", fixedNow.Add(-day)),
		newReceipt("3", live, buyerB, "123456789012345678901234567890", fixedNow.Add(day)),
	} {
		_, err := store.Insert(ctx, rec)
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalClips)
	require.Equal(t, int64(2), stats.ActiveClips)
	require.Equal(t, int64(3), stats.TotalSales)
	require.Equal(t, "123456789015845678901234567890", stats.TotalVolume)
}

func TestVerify(t *testing.T) {
	db := setupReceiptTestDB(t)
	clip := seedClip(t, db, "1", creatorC)
	store := newTestStore(db)
	ctx := context.Background()

	_, err := store.Insert(ctx, newReceipt("live", clip, buyerA, "1", fixedNow.Add(36*time.Hour)))
	require.NoError(t, err)
	_, err = store.Insert(ctx, newReceipt("lapsed", clip, buyerA, "1", fixedNow.Add(-time.Hour)))
	require.NoError(t, err)

	v, err := store.Verify(ctx, "live")
	require.NoError(t, err)
	require.True(t, v.IsValid)
	require.Equal(t, "Valid license", v.Reason)
	require.Equal(t, int64(2), v.Receipt.DaysRemaining)

	v, err = store.Verify(ctx, "lapsed")
	require.NoError(t, err)
	require.False(t, v.IsValid)
	require.Equal(t, "License expired", v.Reason)
	require.Nil(t, v.Receipt)

	v, err = store.Verify(ctx, "missing")
	require.NoError(t, err)
	require.False(t, v.IsValid)
	require.Equal(t, "Receipt not found", v.Reason)
}

func TestDaysRemaining(t *testing.T) {
	cases := []struct {
		left time.Duration
		want int64
	}{
		{time.Minute, 1},
		{day, 1},
		{day + time.Second, 2},
		{-time.Hour, 0},
		{-25 * time.Hour, -1},
	}
	for _, tc := range cases {
		if got := DaysRemaining(fixedNow.Add(tc.left), fixedNow); got != tc.want {
			t.Fatalf("DaysRemaining(%s) = %d, want %d", tc.left, got, tc.want)
		}
	}
}
