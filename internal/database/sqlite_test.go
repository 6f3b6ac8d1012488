package database

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestOpenEnablesForeignKeys(testContext *testing.T) {
	store := openTestStore(testContext)

	enabled, err := store.ForeignKeysEnabled(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read pragma: %v", err)
	}
	if !enabled {
		testContext.Fatalf("expected foreign keys to be enforced after open")
	}

	dangling := schema.ProfessionSkill{ID: 1, DistantID: 1, ProfessionID: 99, SkillID: 98}
	if err := store.DB(context.Background()).Create(&dangling).Error; err == nil {
		testContext.Fatalf("expected dangling link to be rejected while enforcement is on")
	}
}

func TestWithRelaxedForeignKeysAllowsDanglingRowsAndRestores(testContext *testing.T) {
	store := openTestStore(testContext)
	ctx := context.Background()

	err := store.WithRelaxedForeignKeys(ctx, func(db *gorm.DB) error {
		enabled, err := store.ForeignKeysEnabled(ctx)
		if err != nil {
			return err
		}
		if enabled {
			testContext.Fatalf("expected enforcement to be relaxed inside the scope")
		}
		return db.Create(&schema.ProfessionSkill{ID: 1, DistantID: 1, ProfessionID: 99, SkillID: 98}).Error
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	assertForeignKeysEnabled(testContext, store)
}

func TestWithRelaxedForeignKeysRestoresAfterError(testContext *testing.T) {
	store := openTestStore(testContext)
	failure := errors.New("table rebuild failed")

	err := store.WithRelaxedForeignKeys(context.Background(), func(*gorm.DB) error {
		return failure
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected scope error to propagate, got %v", err)
	}
	assertForeignKeysEnabled(testContext, store)
}

func TestWithRelaxedForeignKeysRestoresAfterPanic(testContext *testing.T) {
	store := openTestStore(testContext)

	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				testContext.Fatalf("expected panic to propagate")
			}
		}()
		_ = store.WithRelaxedForeignKeys(context.Background(), func(*gorm.DB) error {
			panic("unexpected row shape")
		})
	}()

	assertForeignKeysEnabled(testContext, store)
}

func TestWithRelaxedForeignKeysNestedScopesRestoreOnce(testContext *testing.T) {
	store := openTestStore(testContext)
	ctx := context.Background()

	err := store.WithRelaxedForeignKeys(ctx, func(*gorm.DB) error {
		if err := store.WithRelaxedForeignKeys(ctx, func(*gorm.DB) error { return nil }); err != nil {
			return err
		}
		enabled, err := store.ForeignKeysEnabled(ctx)
		if err != nil {
			return err
		}
		if enabled {
			testContext.Fatalf("expected inner scope to leave enforcement relaxed")
		}
		return nil
	})
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	assertForeignKeysEnabled(testContext, store)
}

func TestClosedStoreRejectsRelaxedScope(testContext *testing.T) {
	store := openTestStore(testContext)
	if err := store.Close(); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		testContext.Fatalf("second close should be harmless: %v", err)
	}
	err := store.WithRelaxedForeignKeys(context.Background(), func(*gorm.DB) error { return nil })
	if !errors.Is(err, ErrStoreClosed) {
		testContext.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestOpenRequiresPath(testContext *testing.T) {
	if _, err := Open("  ", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func assertForeignKeysEnabled(testContext *testing.T, store *Store) {
	testContext.Helper()
	enabled, err := store.ForeignKeysEnabled(context.Background())
	if err != nil {
		testContext.Fatalf("failed to read pragma: %v", err)
	}
	if !enabled {
		testContext.Fatalf("expected foreign keys to be enforced again")
	}
}
