package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"rightly/storage"
)

func TestFindByOnchainID(t *testing.T) {
	db, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clip := storage.CatalogItem{
		OnchainClipID: "1",
		Creator:       "0x00000000000000000000000000000000000000c1",
		AssetCID:      "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		Title:         "Sunset timelapse",
		Price:         "1000000000000000000",
		DurationDays:  30,
		Active:        true,
	}
	if err := db.Create(&clip).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	store := NewStore(db)
	got, err := store.FindByOnchainID(context.Background(), " 1 ")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != clip.ID || got.Title != clip.Title {
		t.Fatalf("unexpected clip %+v", got)
	}

	for _, id := range []string{"2", ""} {
		if _, err := store.FindByOnchainID(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("id %q: expected ErrNotFound, got %v", id, err)
		}
	}
}
